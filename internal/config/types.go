// Package config loads cartwatch's JSON or YAML config file and republishes
// validated changes while the process runs.
//
// Durations are Go duration strings ("90s", "1h"). Secrets (tokens, API keys,
// passwords) are never logged; SummarizeConfigChange reports only whether they
// are set.
package config

type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	Scheduler   SchedulerConfig   `json:"scheduler"`
	Abandonment AbandonmentConfig `json:"abandonment"`
	Mail        MailConfig        `json:"mail"`
	Storage     StorageConfig     `json:"storage"`
	Admin       AdminConfig       `json:"admin"`
	Alerts      AlertsConfig      `json:"alerts,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the recurring pass.
//
// Defaults: interval "1h", concurrency 5, history_size 50, autostart false.
type SchedulerConfig struct {
	// Autostart arms the timer at boot. Otherwise an operator starts it
	// through the admin API.
	Autostart   bool   `json:"autostart"`
	Interval    string `json:"interval,omitempty"`
	Concurrency int    `json:"concurrency,omitempty"`
	HistorySize int    `json:"history_size,omitempty"`
}

// AbandonmentConfig defines what counts as abandoned and the reminder ladder.
//
// Example:
//
//	"abandonment": {
//	  "min_idle": "1h",
//	  "stages": [
//	    {"after": "1h",  "template": "reminder_1h"},
//	    {"after": "24h", "template": "reminder_24h"},
//	    {"after": "72h", "template": "reminder_72h"}
//	  ]
//	}
//
// Stages are numbered by position. max_stage, when set, truncates the ladder.
type AbandonmentConfig struct {
	MinIdle    string        `json:"min_idle,omitempty"`
	MinGap     string        `json:"min_gap,omitempty"`
	MaxStage   int           `json:"max_stage,omitempty"`
	BatchLimit int           `json:"batch_limit,omitempty"`
	Stages     []StageConfig `json:"stages,omitempty"`
}

type StageConfig struct {
	After    string `json:"after"`
	Template string `json:"template"`
}

type MailConfig struct {
	Driver   string `json:"driver"` // log | http | smtp
	From     string `json:"from,omitempty"`
	FromName string `json:"from_name,omitempty"`

	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
	Timeout    string  `json:"timeout,omitempty"` // default "15s"

	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`

	// RecoveryURL is linked from every reminder; "{cartId}" is substituted.
	RecoveryURL  string `json:"recovery_url,omitempty"`
	TemplatesDir string `json:"templates_dir,omitempty"`

	HTTP *MailHTTPConfig `json:"http,omitempty"`
	SMTP *MailSMTPConfig `json:"smtp,omitempty"`
}

type MailHTTPConfig struct {
	Endpoint string `json:"endpoint"`
	APIKey   string `json:"api_key,omitempty"`
}

type MailSMTPConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// StorageConfig selects the cart store.
//
//	"storage": { "driver": "sqlite", "path": "./data/carts.db" }
//	"storage": { "driver": "mongo", "uri": "mongodb://localhost:27017", "database": "shop" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`

	URI             string `json:"uri,omitempty"`
	Database        string `json:"database,omitempty"`
	Collection      string `json:"collection,omitempty"`
	UsersCollection string `json:"users_collection,omitempty"`
}

// AdminConfig controls the admin HTTP server.
//
// Binding to a non-loopback address requires a token or allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default "127.0.0.1:8087"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type AlertsConfig struct {
	Telegram *TelegramAlertConfig `json:"telegram,omitempty"`
}

// TelegramAlertConfig forwards error logs to a Telegram chat.
type TelegramAlertConfig struct {
	Enabled    bool    `json:"enabled"`
	Token      string  `json:"token,omitempty"`
	ChatID     int64   `json:"chat_id"`
	ThreadID   int     `json:"thread_id,omitempty"`
	MinLevel   string  `json:"min_level,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
}
