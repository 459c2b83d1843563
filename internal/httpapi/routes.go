package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	qrcode "github.com/skip2/go-qrcode"

	"relaybot/internal/relay"
	logx "relaybot/pkg/logx"
)

// Relay is what the HTTP surface needs from the dispatcher.
type Relay interface {
	Status() relay.Status
	PairingCode() (string, bool)
	SendLoginLink(ctx context.Context, recipient, link, displayName string) error
	Notify(ctx context.Context, kind relay.Kind, recipient string, f relay.Fields) (relay.Receipt, error)
}

const (
	maxBodyBytes = 64 << 10
	qrDefault    = 256
	qrMin        = 128
	qrMax        = 1024
)

var started = time.Now()

func (s *Service) Handler() http.Handler {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/", s.index)
	r.Get("/health", s.health)
	r.Route("/api", func(api chi.Router) {
		api.Use(bearer(cfg.Token))
		api.Get("/bot/status", s.status)
		api.Get("/bot/qr", s.qr)
		api.Post("/auth/login-link", s.loginLink)
		api.Post("/notifications/{kind}", s.notify)
	})
	if cfg.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

func (s *Service) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// bearer accepts "Authorization: Bearer <token>". An empty token disables the check.
func bearer(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const p = "Bearer "
			ah := r.Header.Get("Authorization")
			if !strings.HasPrefix(ah, p) || strings.TrimSpace(strings.TrimPrefix(ah, p)) != tok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeJSON(w, http.StatusUnauthorized, envelope{"success": false, "error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type envelope map[string]any

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps relay errors onto status codes.
func writeError(w http.ResponseWriter, err error) {
	body := envelope{"success": false}
	code := http.StatusInternalServerError
	var rle *relay.RateLimitError
	switch {
	case errors.As(err, &rle):
		code = http.StatusTooManyRequests
		body["error"] = "Too many requests. Please try again later."
		body["resetTime"] = rle.ResetAt.UTC().Format(time.RFC3339)
		w.Header().Set("Retry-After", strconv.Itoa(int(max(time.Until(rle.ResetAt).Seconds(), 1))))
	case errors.Is(err, relay.ErrInvalidRecipient), errors.Is(err, relay.ErrInvalidMessage):
		code = http.StatusBadRequest
		body["error"] = err.Error()
	case errors.Is(err, relay.ErrNotReady):
		code = http.StatusServiceUnavailable
		body["error"] = "Messaging service is not connected yet. Pair the bot at /api/bot/qr"
	case errors.Is(err, relay.ErrRecipientUnknown):
		code = http.StatusNotFound
		body["error"] = "Recipient is not registered with the bot"
	case errors.Is(err, relay.ErrSendFailed):
		code = http.StatusBadGateway
		body["error"] = "Failed to send message"
	default:
		body["error"] = "Internal server error"
	}
	writeJSON(w, code, body)
}

func (s *Service) index(w http.ResponseWriter, _ *http.Request) {
	st := s.relay.Status()
	writeJSON(w, http.StatusOK, envelope{
		"status":       "online",
		"service":      "relaybot",
		"serverUptime": time.Since(started).Seconds(),
		"transport":    envelope{"connected": st.Ready, "state": st.State, "queueLength": st.Queue.Depth},
		"endpoints": envelope{
			"POST /api/auth/login-link":      "Send a one-time login link",
			"POST /api/notifications/{kind}": "Send a templated notification",
			"GET /api/bot/status":            "Bot connection status",
			"GET /api/bot/qr":                "Pairing QR code",
			"GET /health":                    "Health check",
		},
	})
}

func (s *Service) health(w http.ResponseWriter, _ *http.Request) {
	st := s.relay.Status()
	writeJSON(w, http.StatusOK, envelope{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(started).Seconds(),
		"transport": envelope{"connected": st.Ready, "state": st.State},
	})
}

func (s *Service) status(w http.ResponseWriter, _ *http.Request) {
	st := s.relay.Status()
	writeJSON(w, http.StatusOK, envelope{
		"success":     true,
		"isReady":     st.Ready,
		"hasQR":       st.PairingPending,
		"queueLength": st.Queue.Depth,
		"info":        st,
	})
}

func (s *Service) qr(w http.ResponseWriter, r *http.Request) {
	code, ok := s.relay.PairingCode()
	if !ok {
		msg := "No pairing code available yet"
		if s.relay.Status().Ready {
			msg = "Already paired"
		}
		writeJSON(w, http.StatusNotFound, envelope{"success": false, "error": msg})
		return
	}
	if r.URL.Query().Get("format") == "text" {
		writeJSON(w, http.StatusOK, envelope{"success": true, "code": code})
		return
	}

	size := qrDefault
	if v := r.URL.Query().Get("size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, envelope{"success": false, "error": "size must be an integer"})
			return
		}
		size = min(max(n, qrMin), qrMax)
	}
	png, err := qrcode.Encode(code, qrcode.Medium, size)
	if err != nil {
		s.log.Error("qr encode failed", logx.Err(err))
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

type loginLinkRequest struct {
	Phone string `json:"phone"`
	URL   string `json:"url"`
	Name  string `json:"name"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{"success": false, "error": "invalid JSON body"})
		return false
	}
	return true
}

func (s *Service) loginLink(w http.ResponseWriter, r *http.Request) {
	var req loginLinkRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Phone) == "" {
		writeJSON(w, http.StatusBadRequest, envelope{"success": false, "error": "Phone number is required"})
		return
	}
	if err := s.relay.SendLoginLink(r.Context(), req.Phone, req.URL, req.Name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{"success": true, "message": "Login link sent", "expiresIn": "15 minutes"})
}

type notifyRequest struct {
	Phone string `json:"phone"`
	relay.Fields
}

func (s *Service) notify(w http.ResponseWriter, r *http.Request) {
	kind := relay.Kind(chi.URLParam(r, "kind"))
	var req notifyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Phone) == "" {
		writeJSON(w, http.StatusBadRequest, envelope{"success": false, "error": "Phone number is required"})
		return
	}
	rc, err := s.relay.Notify(r.Context(), kind, req.Phone, req.Fields)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, envelope{
		"success":   true,
		"id":        rc.ID,
		"remaining": rc.Remaining,
		"resetTime": rc.ResetAt.UTC().Format(time.RFC3339),
	})
}
