package voucher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/giftswap/internal/circuitbreaker"
	"github.com/mbd888/giftswap/internal/logging"
)

type recordingSender struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (s *recordingSender) Send(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return s.err
}

func TestNewCode_Format(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 500; i++ {
		code := NewCode()
		require.True(t, ValidCode(code), code)
		seen[code] = true
	}
	assert.Greater(t, len(seen), 495)
}

func TestValidCode(t *testing.T) {
	assert.True(t, ValidCode("AB12-CD34-EF56"))
	assert.False(t, ValidCode("ab12-CD34-EF56"))
	assert.False(t, ValidCode("AB12-CD34"))
	assert.False(t, ValidCode("AB12-CD34-EF56-GH78"))
	assert.False(t, ValidCode("AB12CD34EF56"))
}

func TestDispatch_Sent(t *testing.T) {
	sender := &recordingSender{}
	store := NewMemoryStore()
	d := NewDispatcher(sender, store, logging.Discard())

	ctx := WithReference(context.Background(), "sess-1")
	rec, err := d.Dispatch(ctx, "AMAZON", "Buyer@Example.com")
	require.NoError(t, err)

	assert.Equal(t, OutcomeSent, rec.Outcome)
	assert.True(t, ValidCode(rec.Code))
	assert.Equal(t, "sess-1", rec.Reference)
	assert.Equal(t, "buyer@example.com", rec.Email)

	require.Len(t, sender.msgs, 1)
	assert.Equal(t, Message{Brand: "AMAZON", VoucherCode: rec.Code, ToEmail: "Buyer@Example.com"}, sender.msgs[0])

	stored, err := d.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Code, stored.Code)
}

func TestDispatch_FailureIsRecorded(t *testing.T) {
	sender := &recordingSender{err: errors.New("smtp down")}
	store := NewMemoryStore()
	d := NewDispatcher(sender, store, logging.Discard())

	rec, err := d.Dispatch(context.Background(), "FLIPKART", "buyer@example.com")
	require.Error(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, OutcomeFailed, rec.Outcome)
	assert.Equal(t, "smtp down", rec.Error)
	assert.True(t, ValidCode(rec.Code))

	list, err := d.ListByEmail(context.Background(), "buyer@example.com", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, OutcomeFailed, list[0].Outcome)
}

func TestDispatch_InvalidInput(t *testing.T) {
	sender := &recordingSender{}
	d := NewDispatcher(sender, nil, logging.Discard())

	_, err := d.Dispatch(context.Background(), "", "buyer@example.com")
	assert.ErrorIs(t, err, ErrMissingBrand)
	_, err = d.Dispatch(context.Background(), "AMAZON", "nope")
	assert.ErrorIs(t, err, ErrInvalidEmail)
	assert.Empty(t, sender.msgs)
}

func TestDispatch_StoresDespiteCancelledContext(t *testing.T) {
	store := NewMemoryStore()
	d := NewDispatcher(&recordingSender{}, store, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec, err := d.Dispatch(ctx, "AMAZON", "buyer@example.com")
	require.NoError(t, err)
	_, err = store.Get(context.Background(), rec.ID)
	assert.NoError(t, err)
}

func TestDispatch_NoStore(t *testing.T) {
	d := NewDispatcher(&recordingSender{}, nil, logging.Discard())
	_, err := d.Dispatch(context.Background(), "AMAZON", "buyer@example.com")
	require.NoError(t, err)
	_, err = d.Get(context.Background(), "vch_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ListByEmailOrderAndLimit(t *testing.T) {
	store := NewMemoryStore()
	base := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, store.Create(context.Background(), &Record{
			ID:        string(rune('a' + i)),
			Email:     "x@y.io",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	list, err := store.ListByEmail(context.Background(), "x@y.io", 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "c", list[0].ID)
	assert.Equal(t, "b", list[1].ID)
}

func TestEmailSender_Payload(t *testing.T) {
	var got sendRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1.0/email/send", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte("OK"))
	}))
	defer ts.Close()

	s := NewEmailSender(EmailConfig{
		APIURL:     ts.URL + "/api/v1.0/email/send",
		ServiceID:  "service_x",
		TemplateID: "template_y",
		PublicKey:  "pub",
		PrivateKey: "priv",
	})
	err := s.Send(context.Background(), Message{Brand: "AMAZON", VoucherCode: "AAAA-BBBB-CCCC", ToEmail: "a@b.co"})
	require.NoError(t, err)

	assert.Equal(t, "service_x", got.ServiceID)
	assert.Equal(t, "template_y", got.TemplateID)
	assert.Equal(t, "pub", got.UserID)
	assert.Equal(t, "priv", got.AccessToken)
	assert.Equal(t, templateParams{Brand: "AMAZON", VoucherCode: "AAAA-BBBB-CCCC", ToEmail: "a@b.co"}, got.TemplateParams)
}

func TestEmailSender_ErrorStatusIsNotRetried(t *testing.T) {
	var calls int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("The template ID is invalid"))
	}))
	defer ts.Close()

	s := NewEmailSender(EmailConfig{APIURL: ts.URL})
	err := s.Send(context.Background(), Message{Brand: "AMAZON", VoucherCode: "AAAA-BBBB-CCCC", ToEmail: "a@b.co"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Contains(t, err.Error(), "template ID is invalid")
	assert.Equal(t, 1, calls)
}

func TestLogSender(t *testing.T) {
	assert.NoError(t, LogSender{Logger: logging.Discard()}.Send(context.Background(), Message{}))
}

func TestGuardedSender_FailsFastWhenOpen(t *testing.T) {
	inner := &recordingSender{err: errors.New("email api: status 503")}
	g := GuardedSender{Sender: inner, Breaker: circuitbreaker.New(2, time.Hour)}
	msg := Message{Brand: "Amazon", VoucherCode: "AB12-CD34-EF56", ToEmail: "buyer@example.com"}

	require.Error(t, g.Send(context.Background(), msg))
	require.Error(t, g.Send(context.Background(), msg))
	assert.ErrorIs(t, g.Send(context.Background(), msg), circuitbreaker.ErrOpen)

	inner.mu.Lock()
	defer inner.mu.Unlock()
	assert.Len(t, inner.msgs, 2)
}
