package reminder

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"cartwatch/internal/abandonment"
	"cartwatch/internal/cart"
	"cartwatch/internal/eventbus"
	logx "cartwatch/pkg/logx"
)

// Detector lists pass candidates.
type Detector interface {
	Detect(ctx context.Context, now time.Time) ([]cart.Cart, error)
}

// Decider picks the next stage for a cart.
type Decider interface {
	Decide(c cart.Cart, now time.Time) abandonment.Decision
}

// Sender delivers and records one reminder.
type Sender interface {
	SendReminder(ctx context.Context, c cart.Cart, st abandonment.Stage, now time.Time) abandonment.Result
}

// Runner is the process-wide reminder scheduler. Construct one per process
// (tests construct their own) and Close it on shutdown.
type Runner struct {
	detector Detector
	policy   Decider
	sender   Sender
	log      logx.Logger
	bus      eventbus.Bus
	now      func() time.Time

	// processing is the single-flight guard. It is never held across a pass
	// under mu, so status reads and Start/Stop do not wait on a pass.
	processing atomic.Bool
	closed     atomic.Bool
	inflight   sync.WaitGroup

	base   context.Context
	cancel context.CancelFunc

	history *history

	mu      sync.Mutex
	cfg     Config
	cron    *cron.Cron
	entry   cron.EntryID
	running bool
	nextRun *time.Time
	lastRun *PassReport
}

// Option customizes a Runner.
type Option func(*Runner)

// WithClock replaces time.Now. Tests use it to step through the ladder.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

func WithEventBus(bus eventbus.Bus) Option {
	return func(r *Runner) { r.bus = bus }
}

func New(cfg Config, d Detector, p Decider, s Sender, log logx.Logger, opts ...Option) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		detector: d,
		policy:   p,
		sender:   s,
		log:      log.With(logx.String("comp", "scheduler")),
		now:      time.Now,
		base:     ctx,
		cancel:   cancel,
		history:  newHistory(cfg.HistorySize),
		cfg:      cfg,
		cron:     cron.New(),
	}
	for _, o := range opts {
		o(r)
	}
	r.cron.Start()
	return r
}

func (r *Runner) publish(typ string, data any) {
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: typ, Time: r.now(), Data: data})
	}
}

// Start arms the recurring timer. changed is false when it was already armed
// (ErrAlreadyRunning) or the runner is closed.
func (r *Runner) Start() (st State, changed bool) {
	r.mu.Lock()
	if r.closed.Load() || r.running {
		st = r.stateLocked()
		r.mu.Unlock()
		return st, false
	}
	r.armLocked()
	st = r.stateLocked()
	interval := r.cfg.Interval
	r.mu.Unlock()

	r.log.Info("scheduler started", logx.Duration("interval", interval))
	r.publish(eventbus.SchedulerStarted, st)
	return st, true
}

// Stop disarms the timer. An in-flight pass keeps running. changed is false
// when it was not armed (ErrNotRunning).
func (r *Runner) Stop() (st State, changed bool) {
	r.mu.Lock()
	if !r.running {
		st = r.stateLocked()
		r.mu.Unlock()
		return st, false
	}
	r.disarmLocked()
	st = r.stateLocked()
	r.mu.Unlock()

	r.log.Info("scheduler stopped")
	r.publish(eventbus.SchedulerStopped, st)
	return st, true
}

func (r *Runner) armLocked() {
	r.entry = r.cron.Schedule(cron.Every(r.cfg.Interval), cron.FuncJob(r.fire))
	r.running = true
	r.refreshNextLocked()
}

func (r *Runner) disarmLocked() {
	r.cron.Remove(r.entry)
	r.entry = 0
	r.running = false
	r.nextRun = nil
}

func (r *Runner) refreshNextLocked() {
	if !r.running {
		r.nextRun = nil
		return
	}
	next := r.cron.Entry(r.entry).Next
	if next.IsZero() {
		next = r.now().Add(r.cfg.Interval)
	}
	r.nextRun = &next
}

// Apply updates tuning. A changed interval re-arms a running timer.
func (r *Runner) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	r.mu.Lock()
	defer r.mu.Unlock()
	rearm := r.running && cfg.Interval != r.cfg.Interval
	r.cfg.Interval = cfg.Interval
	r.cfg.Concurrency = cfg.Concurrency
	r.cfg.BatchLimit = cfg.BatchLimit
	if rearm {
		r.disarmLocked()
		r.armLocked()
		r.log.Info("scheduler re-armed", logx.Duration("interval", cfg.Interval))
	}
}

func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stateLocked()
}

func (r *Runner) stateLocked() State {
	st := State{
		IsRunning:    r.running,
		IsProcessing: r.processing.Load(),
		Interval:     r.cfg.Interval.String(),
	}
	switch {
	case st.IsProcessing:
		st.Phase = PhaseProcessing
	case st.IsRunning:
		st.Phase = PhaseArmed
	default:
		st.Phase = PhaseStopped
	}
	if r.nextRun != nil {
		t := *r.nextRun
		st.NextRun = &t
	}
	if r.lastRun != nil {
		lr := *r.lastRun
		lr.Outcomes = nil
		st.LastRun = &lr
	}
	return st
}

// History returns recent pass reports, newest first.
func (r *Runner) History(limit int) []PassReport { return r.history.list(limit) }

// fire is the cron job. Overlap with a running pass is skipped silently.
func (r *Runner) fire() {
	_, err := r.runPass(r.base, TriggerTimer, false)
	if errors.Is(err, ErrPassInProgress) {
		r.log.Debug("timer fired during a pass; skipped")
		r.publish(eventbus.PassSkipped, TriggerTimer)
	}
}

// RunOnce executes one full pass now. The pass runs under the runner's own
// lifetime context, so a caller giving up does not cut a pass short; ctx is
// only checked before the pass starts.
func (r *Runner) RunOnce(ctx context.Context, trigger Trigger) (PassReport, error) {
	if err := ctx.Err(); err != nil {
		return PassReport{}, err
	}
	return r.runPass(r.base, trigger, false)
}

// Test runs a pass for operator verification. With dryRun it only detects
// and decides; nothing is sent or written.
func (r *Runner) Test(ctx context.Context, dryRun bool) (PassReport, error) {
	if err := ctx.Err(); err != nil {
		return PassReport{}, err
	}
	return r.runPass(r.base, TriggerTest, dryRun)
}

// SendEmailsNow is a manual full pass.
func (r *Runner) SendEmailsNow(ctx context.Context) (PassReport, error) {
	return r.RunOnce(ctx, TriggerManual)
}

// Candidates lists what a pass would consider right now, with decisions.
// It does not take the pass guard.
func (r *Runner) Candidates(ctx context.Context) ([]Candidate, error) {
	now := r.now()
	cs, err := r.detector.Detect(ctx, now)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(cs))
	for _, c := range cs {
		out = append(out, Candidate{
			Cart:     c,
			Total:    c.Total(),
			IdleFor:  c.IdleFor(now).Truncate(time.Second).String(),
			Decision: r.policy.Decide(c, now),
		})
	}
	return out, nil
}

func (r *Runner) runPass(ctx context.Context, trigger Trigger, dryRun bool) (rep PassReport, err error) {
	if r.closed.Load() {
		return PassReport{}, ErrClosed
	}
	if !r.processing.CompareAndSwap(false, true) {
		return PassReport{}, ErrPassInProgress
	}
	// closed is set under mu, so Close cannot reach inflight.Wait between
	// this check and Add.
	r.mu.Lock()
	if r.closed.Load() {
		r.mu.Unlock()
		r.processing.Store(false)
		return PassReport{}, ErrClosed
	}
	r.inflight.Add(1)
	r.mu.Unlock()
	// Registered first so it runs last, after the report is stored.
	defer func() {
		r.processing.Store(false)
		r.inflight.Done()
	}()

	rep = PassReport{ID: uuid.NewString(), Trigger: trigger, DryRun: dryRun, StartedAt: r.now()}
	log := r.log.With(logx.String("pass", rep.ID), logx.String("trigger", string(trigger)))
	r.publish(eventbus.PassStarted, rep)

	defer func() {
		if p := recover(); p != nil {
			pe := &PassPanicError{Value: p, Stack: string(debug.Stack())}
			log.Error("reminder pass panicked", logx.Any("panic", p), logx.Stack(pe.Stack))
			err = pe
			rep.Error = pe.Error()
		}
		rep.FinishedAt = r.now()
		rep.TookMS = rep.FinishedAt.Sub(rep.StartedAt).Milliseconds()
		r.finish(rep)
	}()

	err = r.execute(ctx, log, &rep)
	if err != nil {
		rep.Error = err.Error()
		log.Error("reminder pass aborted", logx.Err(err))
		return rep, err
	}
	log.Info("reminder pass finished",
		logx.Int("candidates", rep.Candidates),
		logx.Int("sent", rep.Sent),
		logx.Int("failed", rep.Failed),
		logx.Int("skipped", rep.Skipped),
		logx.Bool("dry_run", dryRun),
	)
	return rep, nil
}

func (r *Runner) finish(rep PassReport) {
	r.history.add(rep)
	r.mu.Lock()
	r.lastRun = &rep
	r.refreshNextLocked()
	r.mu.Unlock()
	summary := rep
	summary.Outcomes = nil
	r.publish(eventbus.PassFinished, summary)
}

func (r *Runner) execute(ctx context.Context, log logx.Logger, rep *PassReport) error {
	now := rep.StartedAt
	cands, err := r.detector.Detect(ctx, now)
	if err != nil {
		return err
	}
	rep.Candidates = len(cands)
	if len(cands) == 0 {
		return nil
	}

	r.mu.Lock()
	conc := r.cfg.Concurrency
	limit := r.cfg.BatchLimit
	r.mu.Unlock()

	// Decide up front so the cap counts only carts that are due.
	decisions := make([]abandonment.Decision, len(cands))
	outcomes := make([]CartOutcome, len(cands))
	due, deferred := 0, 0
	for i, c := range cands {
		decisions[i] = r.policy.Decide(c, now)
		if !decisions[i].Send {
			continue
		}
		if limit > 0 && due >= limit {
			outcomes[i] = CartOutcome{CartID: c.ID, Stage: decisions[i].Stage, Action: ActionSkipped, Reason: ReasonBatchLimit}
			deferred++
			continue
		}
		due++
	}
	if deferred > 0 {
		log.Info("batch limit reached; deferring due carts", logx.Int("limit", limit), logx.Int("deferred", deferred))
	}

	sem := make(chan struct{}, conc)
	var wg sync.WaitGroup
	for i, c := range cands {
		if outcomes[i].Reason == ReasonBatchLimit {
			continue
		}
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if p := recover(); p != nil {
					log.Error("cart handler panicked", logx.String("cart", c.ID), logx.Any("panic", p), logx.Stack(string(debug.Stack())))
					outcomes[i] = CartOutcome{CartID: c.ID, Action: ActionFailed, Error: fmt.Sprintf("panic: %v", p)}
				}
			}()
			outcomes[i] = r.handle(ctx, log, c, decisions[i], now, rep.DryRun)
		}()
	}
	wg.Wait()

	for _, o := range outcomes {
		switch o.Action {
		case ActionSent:
			rep.Sent++
		case ActionFailed:
			rep.Failed++
		case ActionSkipped:
			rep.Skipped++
		case ActionWouldSend:
			rep.WouldSend++
		}
	}
	if len(outcomes) > maxOutcomes {
		outcomes = outcomes[:maxOutcomes]
		rep.Truncated = true
	}
	rep.Outcomes = outcomes
	return nil
}

// handle runs send → record for one decided cart. The same goroutine does
// both, so no other worker can interleave on this cart.
func (r *Runner) handle(ctx context.Context, log logx.Logger, c cart.Cart, d abandonment.Decision, now time.Time, dryRun bool) CartOutcome {
	out := CartOutcome{CartID: c.ID, Stage: d.Stage, Reason: string(d.Reason)}
	if !d.Send {
		out.Action = ActionSkipped
		return out
	}
	if dryRun {
		out.Action = ActionWouldSend
		return out
	}

	res := r.sender.SendReminder(ctx, c, abandonment.Stage{Number: d.Stage, Template: d.Template}, now)
	out.MessageID = res.MessageID
	if res.Err != nil {
		out.Action = ActionFailed
		out.Error = res.Err.Error()
		log.Warn("reminder dispatch failed",
			logx.String("cart", c.ID), logx.Int("stage", d.Stage), logx.Bool("sent", res.Sent), logx.Err(res.Err))
		r.publish(eventbus.ReminderFailed, out)
		return out
	}
	out.Action = ActionSent
	log.Debug("reminder sent", logx.String("cart", c.ID), logx.Int("stage", d.Stage), logx.String("message_id", res.MessageID))
	r.publish(eventbus.ReminderSent, out)
	return out
}

// Close disarms the timer, waits for an in-flight pass until ctx ends, then
// cancels whatever is still running.
func (r *Runner) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed.CompareAndSwap(false, true) {
		r.mu.Unlock()
		return nil
	}
	if r.running {
		r.disarmLocked()
	}
	r.mu.Unlock()
	r.cron.Stop()
	defer r.cancel()

	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		r.log.Warn("shutdown: abandoning in-flight reminder pass", logx.Err(ctx.Err()))
		return ctx.Err()
	}
}
