package escrow

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemoteClient_RoundTrip(t *testing.T) {
	sim := NewSimulator(simOwner)
	ts := httptest.NewServer(setupTestRouter(sim, sim))
	defer ts.Close()

	client := NewRemoteClient(ts.URL, 5*time.Second)

	contract, err := client.CreateEscrow(context.Background(), CreateRequest{testBuyer, "4.2", testEmail})
	require.NoError(t, err)
	assert.NotEmpty(t, contract.Address)

	st, err := client.Status(context.Background(), contract.Address)
	require.NoError(t, err)
	assert.False(t, st.IsFulfilled)
	assert.Equal(t, "4200000000000000000", st.Amount.String())

	_, err = sim.Fund(contract.Address)
	require.NoError(t, err)

	st, err = client.Status(context.Background(), contract.Address)
	require.NoError(t, err)
	assert.True(t, st.IsFulfilled)
}

func TestRemoteClient_ErrorClassification(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"success":false,"error":"replacement transaction underpriced","code":"REPLACEMENT_UNDERPRICED"}`))
	}))
	defer ts.Close()

	client := NewRemoteClient(ts.URL, time.Second)
	_, err := client.CreateEscrow(context.Background(), CreateRequest{testBuyer, "1", testEmail})

	var pe *ProvisionError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, KindUpstream, pe.Kind)
	assert.Equal(t, "REPLACEMENT_UNDERPRICED", pe.Code)
	assert.True(t, IsTransient(err))
}

func TestRemoteClient_RemoteValidationIsFatal(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"success":false,"error":"Invalid buyer address"}`))
	}))
	defer ts.Close()

	_, err := NewRemoteClient(ts.URL, time.Second).CreateEscrow(context.Background(), CreateRequest{testBuyer, "1", testEmail})
	require.Error(t, err)
	assert.False(t, IsTransient(err))
}

func TestRemoteClient_NetworkErrorIsTransient(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	_, err := NewRemoteClient(url, time.Second).CreateEscrow(context.Background(), CreateRequest{testBuyer, "1", testEmail})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}
