package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaybot/internal/delivery"
	"relaybot/internal/relay"
	logx "relaybot/pkg/logx"
)

type fakeRelay struct {
	status    relay.Status
	code      string
	loginErr  error
	notifyErr error

	lastLogin  loginLinkRequest
	lastKind   relay.Kind
	lastFields relay.Fields
	lastPhone  string
}

func (f *fakeRelay) Status() relay.Status { return f.status }

func (f *fakeRelay) PairingCode() (string, bool) { return f.code, f.code != "" }

func (f *fakeRelay) SendLoginLink(_ context.Context, phone, link, name string) error {
	f.lastLogin = loginLinkRequest{Phone: phone, URL: link, Name: name}
	return f.loginErr
}

func (f *fakeRelay) Notify(_ context.Context, kind relay.Kind, phone string, fields relay.Fields) (relay.Receipt, error) {
	f.lastKind, f.lastPhone, f.lastFields = kind, phone, fields
	if f.notifyErr != nil {
		return relay.Receipt{}, f.notifyErr
	}
	return relay.Receipt{ID: "item-1", Kind: kind, Recipient: phone, Remaining: 4, ResetAt: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)}, nil
}

func newHandler(cfg Config, r Relay) http.Handler {
	return New(cfg, r, logx.Nop()).Handler()
}

func do(t *testing.T, h http.Handler, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthAndStatus(t *testing.T) {
	fr := &fakeRelay{status: relay.Status{Ready: true, State: "ready", Queue: delivery.Stats{Depth: 2}}}
	h := newHandler(Config{}, fr)

	rec := do(t, h, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["transport"].(map[string]any)["connected"])

	rec = do(t, h, http.MethodGet, "/api/bot/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, true, body["isReady"])
	assert.Equal(t, false, body["hasQR"])
	assert.EqualValues(t, 2, body["queueLength"])
}

func TestQR(t *testing.T) {
	fr := &fakeRelay{status: relay.Status{State: "credential_pending", PairingPending: true}, code: "https://t.me/bot?start=abc"}
	h := newHandler(Config{}, fr)

	rec := do(t, h, http.MethodGet, "/api/bot/qr", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")))

	rec = do(t, h, http.MethodGet, "/api/bot/qr?format=text", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://t.me/bot?start=abc", decode(t, rec)["code"])

	rec = do(t, h, http.MethodGet, "/api/bot/qr?size=big", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	fr.code = ""
	fr.status = relay.Status{Ready: true, State: "ready"}
	rec = do(t, h, http.MethodGet, "/api/bot/qr", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Already paired", decode(t, rec)["error"])
}

func TestLoginLink(t *testing.T) {
	fr := &fakeRelay{}
	h := newHandler(Config{}, fr)

	rec := do(t, h, http.MethodPost, "/api/auth/login-link", map[string]string{"phone": "0912345678", "url": "https://app.example/l", "name": "Amna"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, loginLinkRequest{Phone: "0912345678", URL: "https://app.example/l", Name: "Amna"}, fr.lastLogin)

	rec = do(t, h, http.MethodPost, "/api/auth/login-link", map[string]string{"url": "https://app.example/l"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login-link", bytes.NewBufferString("{"))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestErrorMapping(t *testing.T) {
	reset := time.Now().Add(30 * time.Minute)
	tests := []struct {
		err  error
		code int
	}{
		{relay.ErrNotReady, http.StatusServiceUnavailable},
		{&relay.RateLimitError{Limit: 3, ResetAt: reset}, http.StatusTooManyRequests},
		{fmt.Errorf("%w: bad", relay.ErrInvalidRecipient), http.StatusBadRequest},
		{fmt.Errorf("%w: url", relay.ErrInvalidMessage), http.StatusBadRequest},
		{relay.ErrRecipientUnknown, http.StatusNotFound},
		{fmt.Errorf("%w: boom", relay.ErrSendFailed), http.StatusBadGateway},
		{fmt.Errorf("unexpected"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			h := newHandler(Config{}, &fakeRelay{loginErr: tt.err})
			rec := do(t, h, http.MethodPost, "/api/auth/login-link", map[string]string{"phone": "0912345678", "url": "https://x.example"})
			assert.Equal(t, tt.code, rec.Code)
			body := decode(t, rec)
			assert.Equal(t, false, body["success"])
			if tt.code == http.StatusTooManyRequests {
				assert.Equal(t, reset.UTC().Format(time.RFC3339), body["resetTime"])
				assert.NotEmpty(t, rec.Header().Get("Retry-After"))
			}
		})
	}
}

func TestNotify(t *testing.T) {
	fr := &fakeRelay{}
	h := newHandler(Config{}, fr)

	rec := do(t, h, http.MethodPost, "/api/notifications/booking-confirmed", map[string]string{"phone": "0912345678", "doctorName": "Sara", "bookingId": "B-1"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, relay.KindBookingConfirmed, fr.lastKind)
	assert.Equal(t, "Sara", fr.lastFields.DoctorName)
	assert.Equal(t, "B-1", fr.lastFields.BookingID)
	body := decode(t, rec)
	assert.Equal(t, "item-1", body["id"])
	assert.EqualValues(t, 4, body["remaining"])
	assert.Equal(t, "2030-01-01T00:00:00Z", body["resetTime"])

	rec = do(t, h, http.MethodPost, "/api/notifications/doctor-ready", map[string]string{"doctorName": "Sara"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBearerToken(t *testing.T) {
	h := newHandler(Config{Token: "s3cret"}, &fakeRelay{})

	rec := do(t, h, http.MethodGet, "/api/bot/status", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/bot/status", nil, "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/bot/status", nil, "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "health stays public")
}

func TestServiceStartStop(t *testing.T) {
	svc := New(Config{Addr: "127.0.0.1:0"}, &fakeRelay{}, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, svc.Start(ctx))
	addr := svc.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	svc.Stop(ctx)
	assert.Empty(t, svc.Addr())
}

func TestIsLoopbackAddr(t *testing.T) {
	assert.True(t, isLoopbackAddr("127.0.0.1:8080"))
	assert.True(t, isLoopbackAddr("localhost:1"))
	assert.True(t, isLoopbackAddr("[::1]:80"))
	assert.False(t, isLoopbackAddr(":8080"))
	assert.False(t, isLoopbackAddr("0.0.0.0:8080"))
}
