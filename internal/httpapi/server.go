// Package httpapi exposes the relay over HTTP: health and status, the pairing
// code as a QR image, login links and templated notifications.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	logx "relaybot/pkg/logx"
)

type Config struct {
	Addr string
	// Token, when set, is required as a bearer token on every /api route.
	Token string
	// Pprof mounts net/http/pprof under /debug/pprof.
	Pprof bool

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

const defaultAddr = "127.0.0.1:8080"

type Service struct {
	log   logx.Logger
	relay Relay

	mu       sync.Mutex
	cfg      Config
	ln       net.Listener
	srv      *http.Server
	stopDone chan struct{}
}

func New(cfg Config, r Relay, log logx.Logger) *Service {
	return &Service{cfg: cfg, relay: r, log: log}
}

// Addr reports the bound listen address, or "" when not running.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Start binds the listener and serves in the background.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.srv != nil {
		s.mu.Unlock()
		return nil
	}
	cur := s.cfg
	s.mu.Unlock()

	addr := strings.TrimSpace(cur.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	if cur.Token == "" && !isLoopbackAddr(addr) {
		s.log.Warn("http api listening on a non-loopback address without a token", logx.String("addr", addr))
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       cur.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cur.WriteTimeout,
		IdleTimeout:       cur.IdleTimeout,
	}

	s.mu.Lock()
	s.ln = ln
	s.srv = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server stopped with error", logx.Err(err))
		}
	}()
	s.log.Info("http api started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", cur.Token != ""), logx.Bool("pprof", cur.Pprof))
	return nil
}

// Stop shuts the server down, waiting for in-flight requests until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.srv == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	srv := s.srv
	timeout := s.cfg.ShutdownTimeout
	s.mu.Unlock()

	go func() {
		defer close(done)
		sctx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			sctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		if err := srv.Shutdown(sctx); err != nil {
			s.log.Warn("http shutdown incomplete", logx.Err(err))
		}
		_ = srv.Close()
		s.mu.Lock()
		s.srv = nil
		s.ln = nil
		s.stopDone = nil
		s.mu.Unlock()
		s.log.Info("http api stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
