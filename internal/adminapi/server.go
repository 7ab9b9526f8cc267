// Package adminapi serves the operator endpoints under /admin/cart-abandonment.
//
// Every response is JSON: {"success": bool, "data": ..., "message": "..."}.
// Handlers never leave the process in a state that needs a restart; failures
// are reported in the envelope and the scheduler keeps its truthful state.
package adminapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"cartwatch/internal/abandonment"
	"cartwatch/internal/config"
	"cartwatch/internal/reminder"
	"cartwatch/internal/storage"
	logx "cartwatch/pkg/logx"
)

const BasePath = "/admin/cart-abandonment"

type Config struct {
	Addr          string
	Token         string
	AllowInsecure bool
	// Pprof mounts net/http/pprof under /debug/pprof/.
	Pprof bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Scheduler is the runner surface the API drives.
type Scheduler interface {
	State() reminder.State
	Start() (reminder.State, bool)
	Stop() (reminder.State, bool)
	Test(ctx context.Context, dryRun bool) (reminder.PassReport, error)
	SendEmailsNow(ctx context.Context) (reminder.PassReport, error)
	Candidates(ctx context.Context) ([]reminder.Candidate, error)
	History(limit int) []reminder.PassReport
}

type StatsSource interface {
	Stats(ctx context.Context, now time.Time) (abandonment.Stats, error)
}

type AuditLog interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
	ListAudit(ctx context.Context, limit int) ([]storage.AuditEntry, error)
}

// HealthFunc reports readiness details; a non-nil error makes /healthz 503.
type HealthFunc func(ctx context.Context) (any, error)

type Deps struct {
	Scheduler Scheduler
	Stats     StatsSource
	Audit     AuditLog
	Health    HealthFunc
}

type Server struct {
	cfg  Config
	deps Deps
	log  logx.Logger
	now  func() time.Time

	mu   sync.Mutex
	addr string
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, deps: deps, log: log.With(logx.String("comp", "admin")), now: time.Now}
}

// Addr is the bound listen address, empty when not serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Handler returns the routed, authenticated handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	route := func(pattern string, h http.HandlerFunc) {
		mux.HandleFunc(pattern, s.withAuth(h))
	}
	route("GET "+BasePath+"/stats", s.handleStats)
	route("GET "+BasePath+"/abandoned-carts", s.handleCandidates)
	route("GET "+BasePath+"/scheduler/status", s.handleStatus)
	route("GET "+BasePath+"/scheduler/history", s.handleHistory)
	route("POST "+BasePath+"/scheduler/start", s.audited("scheduler.start", s.handleStart))
	route("POST "+BasePath+"/scheduler/stop", s.audited("scheduler.stop", s.handleStop))
	route("POST "+BasePath+"/scheduler/test", s.audited("scheduler.test", s.handleTest))
	route("POST "+BasePath+"/send-emails", s.audited("send_emails", s.handleSendEmails))
	route("GET "+BasePath+"/audit", s.handleAudit)
	route("GET /healthz", s.handleHealth)
	if s.cfg.Pprof {
		s.mountPprof(mux)
	}
	return mux
}

// Serve listens on cfg.Addr and serves until ctx ends.
func (s *Server) Serve(ctx context.Context) error {
	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		addr = config.DefaultAdminAddr
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	loopback := config.IsLoopbackHost(host)
	if !loopback && s.cfg.Token == "" && !s.cfg.AllowInsecure {
		return errors.New("admin refused to start: non-loopback addr requires token or allow_insecure")
	}
	if !loopback && s.cfg.Token == "" {
		s.log.Warn("admin API running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.addr = ""
		s.mu.Unlock()
	}()

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	s.log.Info("admin API listening", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", s.cfg.Token != ""))
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		<-stopped
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("admin server exited unexpectedly")
	}
	return err
}

func (s *Server) withAuth(h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(s.cfg.Token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		got := ""
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, "Bearer ") {
			got = strings.TrimSpace(strings.TrimPrefix(ah, "Bearer "))
		} else if q := r.URL.Query().Get("token"); q != "" {
			got = q
		}
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		h(w, r)
	}
}
