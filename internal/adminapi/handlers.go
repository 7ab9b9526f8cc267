package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"cartwatch/internal/reminder"
	"cartwatch/internal/storage"
	logx "cartwatch/pkg/logx"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeData(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, envelope{Success: false, Message: msg})
}

// statusFor maps runner errors onto HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, reminder.ErrPassInProgress):
		return http.StatusConflict
	case errors.Is(err, reminder.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func parseLimit(r *http.Request, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}

func parseBool(r *http.Request, key string) (bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, errors.New(key + " must be a boolean")
	}
	return b, nil
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Stats.Stats(r.Context(), s.now())
	if err != nil {
		s.log.Warn("stats failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "stats unavailable: "+err.Error())
		return
	}
	writeData(w, st)
}

func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cs, err := s.deps.Scheduler.Candidates(r.Context())
	if err != nil {
		s.log.Warn("candidate listing failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "detection failed: "+err.Error())
		return
	}
	total := len(cs)
	if len(cs) > limit {
		cs = cs[:limit]
	}
	if cs == nil {
		cs = []reminder.Candidate{}
	}
	writeData(w, map[string]any{"total": total, "carts": cs})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeData(w, s.deps.Scheduler.State())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h := s.deps.Scheduler.History(limit)
	if h == nil {
		h = []reminder.PassReport{}
	}
	writeData(w, h)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.deps.Audit == nil {
		writeData(w, []storage.AuditEntry{})
		return
	}
	limit, err := parseLimit(r, 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	es, err := s.deps.Audit.ListAudit(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]auditView, 0, len(es))
	for _, e := range es {
		out = append(out, toAuditView(e))
	}
	writeData(w, out)
}

type auditView struct {
	ID     string          `json:"id"`
	At     time.Time       `json:"at"`
	Actor  string          `json:"actor"`
	Action string          `json:"action"`
	OK     bool            `json:"ok"`
	Error  string          `json:"error,omitempty"`
	TookMS int64           `json:"tookMs"`
	Meta   json.RawMessage `json:"meta,omitempty"`
}

func toAuditView(e storage.AuditEntry) auditView {
	v := auditView{ID: e.ID, At: e.At, Actor: e.Actor, Action: e.Action, OK: e.OK, Error: e.Error, TookMS: e.TookMS}
	if e.MetaJSON != "" && json.Valid([]byte(e.MetaJSON)) {
		v.Meta = json.RawMessage(e.MetaJSON)
	}
	return v
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		writeData(w, map[string]any{"status": "ok"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	details, err := s.deps.Health(ctx)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, envelope{Success: false, Message: err.Error(), Data: details})
		return
	}
	writeData(w, details)
}

// actionResult is what mutating handlers hand back to audited. The response
// is written only after the audit entry is stored.
type actionResult struct {
	status int
	body   envelope
	err    error
	meta   map[string]any
}

func ok(msg string, data any, meta map[string]any) actionResult {
	return actionResult{status: http.StatusOK, body: envelope{Success: true, Message: msg, Data: data}, meta: meta}
}

func fail(status int, err error, data any, meta map[string]any) actionResult {
	return actionResult{status: status, body: envelope{Success: false, Message: err.Error(), Data: data}, err: err, meta: meta}
}

type actionFunc func(r *http.Request) actionResult

// audited runs h, appends an audit entry describing the outcome and then
// writes the response.
func (s *Server) audited(action string, h actionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		res := h(r)
		if s.deps.Audit != nil {
			s.appendAudit(r, action, start, res)
		}
		writeJSON(w, res.status, res.body)
	}
}

func (s *Server) appendAudit(r *http.Request, action string, start time.Time, res actionResult) {
	e := storage.AuditEntry{
		ID:     uuid.NewString(),
		At:     start,
		Actor:  actorOf(r),
		Action: action,
		OK:     res.err == nil,
		TookMS: s.now().Sub(start).Milliseconds(),
	}
	if res.err != nil {
		e.Error = res.err.Error()
	}
	if len(res.meta) > 0 {
		if b, err := json.Marshal(res.meta); err == nil {
			e.MetaJSON = string(b)
		}
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 3*time.Second)
	defer cancel()
	if err := s.deps.Audit.AppendAudit(ctx, e); err != nil {
		s.log.Warn("audit append failed", logx.String("action", action), logx.Err(err))
	}
}

func actorOf(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-Admin-Actor")); v != "" {
		return v
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleStart(r *http.Request) actionResult {
	st, changed := s.deps.Scheduler.Start()
	if !changed {
		return ok(reminder.ErrAlreadyRunning.Error(), st, map[string]any{"changed": false})
	}
	s.log.Info("scheduler started via admin", logx.String("actor", actorOf(r)))
	return ok("scheduler started", st, map[string]any{"changed": true})
}

func (s *Server) handleStop(r *http.Request) actionResult {
	st, changed := s.deps.Scheduler.Stop()
	if !changed {
		return ok(reminder.ErrNotRunning.Error(), st, map[string]any{"changed": false})
	}
	s.log.Info("scheduler stopped via admin", logx.String("actor", actorOf(r)))
	return ok("scheduler stopped", st, map[string]any{"changed": true})
}

func (s *Server) handleTest(r *http.Request) actionResult {
	dry, err := parseBool(r, "dry_run")
	if err != nil {
		return fail(http.StatusBadRequest, err, nil, nil)
	}
	rep, err := s.deps.Scheduler.Test(r.Context(), dry)
	return passResult(rep, err, dry)
}

func (s *Server) handleSendEmails(r *http.Request) actionResult {
	rep, err := s.deps.Scheduler.SendEmailsNow(r.Context())
	return passResult(rep, err, false)
}

func passResult(rep reminder.PassReport, err error, dry bool) actionResult {
	meta := map[string]any{"dryRun": dry}
	if err != nil {
		code := statusFor(err)
		if code == http.StatusConflict {
			return fail(code, errors.New("a reminder pass is already in progress"), nil, meta)
		}
		// An aborted pass still carries a useful report.
		if rep.ID != "" {
			meta["passId"] = rep.ID
			return fail(code, err, rep, meta)
		}
		return fail(code, err, nil, meta)
	}
	meta["passId"] = rep.ID
	meta["sent"] = rep.Sent
	meta["failed"] = rep.Failed
	return ok("reminder pass complete", rep, meta)
}
