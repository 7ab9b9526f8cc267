package reminder

import (
	"time"

	"cartwatch/internal/abandonment"
	"cartwatch/internal/cart"
)

// Trigger names what started a pass.
type Trigger string

const (
	TriggerTimer  Trigger = "timer"
	TriggerManual Trigger = "manual"
	TriggerTest   Trigger = "test"
)

// Phase is the runner's state-machine position.
type Phase string

const (
	PhaseStopped    Phase = "stopped"
	PhaseArmed      Phase = "armed"
	PhaseProcessing Phase = "processing"
)

// Config tunes the runner. Zero values take defaults.
type Config struct {
	Interval    time.Duration
	Concurrency int
	HistorySize int
	// BatchLimit caps sends per pass; 0 means unlimited. Due carts past
	// the cap wait for the next pass.
	BatchLimit int
}

const (
	DefaultInterval    = time.Hour
	DefaultConcurrency = 5
	DefaultHistorySize = 50

	// maxOutcomes bounds the per-cart detail kept on one report.
	maxOutcomes = 500
)

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	// cron.Every has one-second resolution.
	if c.Interval < time.Second {
		c.Interval = time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	if c.BatchLimit < 0 {
		c.BatchLimit = 0
	}
	return c
}

// State is what /scheduler/status reports.
type State struct {
	Phase        Phase       `json:"phase"`
	IsRunning    bool        `json:"isRunning"`
	IsProcessing bool        `json:"isProcessing"`
	NextRun      *time.Time  `json:"nextRun"`
	Interval     string      `json:"interval"`
	LastRun      *PassReport `json:"lastRun,omitempty"`
}

// Outcome actions.
const (
	ActionSent      = "sent"
	ActionFailed    = "failed"
	ActionSkipped   = "skipped"
	ActionWouldSend = "would_send"
)

// ReasonBatchLimit marks a due cart deferred because the pass hit its cap.
const ReasonBatchLimit = "batch_limit"

// CartOutcome is what one pass did with one candidate.
type CartOutcome struct {
	CartID    string `json:"cartId"`
	Stage     int    `json:"stage"`
	Action    string `json:"action"`
	Reason    string `json:"reason,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// PassReport summarizes one pass.
type PassReport struct {
	ID         string        `json:"id"`
	Trigger    Trigger       `json:"trigger"`
	DryRun     bool          `json:"dryRun,omitempty"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
	TookMS     int64         `json:"tookMs"`
	Candidates int           `json:"candidates"`
	Sent       int           `json:"sent"`
	Failed     int           `json:"failed"`
	Skipped    int           `json:"skipped"`
	WouldSend  int           `json:"wouldSend,omitempty"`
	Error      string        `json:"error,omitempty"`
	Outcomes   []CartOutcome `json:"outcomes,omitempty"`
	Truncated  bool          `json:"truncated,omitempty"`
}

// Candidate is a cart the detector currently returns, with the policy's
// verdict at the time of the call.
type Candidate struct {
	Cart     cart.Cart            `json:"cart"`
	Total    float64              `json:"total"`
	IdleFor  string               `json:"idleFor"`
	Decision abandonment.Decision `json:"nextStage"`
}
