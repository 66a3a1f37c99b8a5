package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	// Storage selects the persistence backend. The engine requires a real
	// transactional store; there is no in-memory fallback.
	Storage StorageConfig `json:"storage"`

	// Program describes the calendar shape of the scripted program and
	// points at the content plan file. These are startup-only settings:
	// the plan and boundaries are immutable once loaded.
	Program ProgramConfig `json:"program"`

	Engine  EngineConfig  `json:"engine,omitempty"`
	Trigger TriggerConfig `json:"trigger"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
	// SendRatePerSec caps outbound messages per second (Telegram global
	// limit is ~30/s). 0 means the default.
	SendRatePerSec int `json:"send_rate_per_sec,omitempty"`
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

// StorageConfig controls the persistence layer.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "postgres": Postgres DSN in `dsn`
type StorageConfig struct {
	Driver string `json:"driver"`
	Path   string `json:"path,omitempty"`
	DSN    string `json:"dsn,omitempty"`
	// BusyTimeout is a Go duration string (sqlite only).
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// ProgramConfig fixes the calendar boundaries of the program.
//
// ActiveDays is the total number of program days; HomeStretchDay is the
// 1-based day number on which the home-stretch sub-period begins (that day
// already belongs to the home stretch). PreStartDays bounds how many
// countdown items the plan may define.
type ProgramConfig struct {
	PlanPath       string `json:"plan_path"`
	PreStartDays   int    `json:"pre_start_days"`
	ActiveDays     int    `json:"active_days"`
	HomeStretchDay int    `json:"home_stretch_day"`
	// StartDate anchors the whole cohort: subscribers who onboard before
	// this date count down to it. YYYY-MM-DD. Empty means each subscriber
	// starts on their own onboarding day.
	StartDate       string `json:"start_date,omitempty"`
	DefaultTimezone string `json:"default_timezone,omitempty"`
}

// EngineConfig tunes the delivery engine.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "5m").
type EngineConfig struct {
	// PendingStaleAfter is how old a pending ledger row must be before a
	// later tick may re-claim it. Default "5m".
	PendingStaleAfter string `json:"pending_stale_after,omitempty"`
	// SendTimeout bounds one outbound send. Default "20s".
	SendTimeout string `json:"send_timeout,omitempty"`
	// SubscriberBudget bounds one subscriber's processing per tick.
	// Default "30s".
	SubscriberBudget string `json:"subscriber_budget,omitempty"`
}

type TriggerConfig struct {
	HTTP     HTTPTriggerConfig     `json:"http"`
	Internal InternalTriggerConfig `json:"internal,omitempty"`
}

// HTTPTriggerConfig exposes the tick endpoint for an external scheduler.
//
// Secret is compared against the X-Tick-Secret header or the `token` query
// parameter. An empty secret disables the check (local development only).
type HTTPTriggerConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:8090"
	Secret  string `json:"secret,omitempty"`
}

// InternalTriggerConfig runs ticks from an in-process interval timer for
// deployments without an external scheduler.
type InternalTriggerConfig struct {
	Enabled bool `json:"enabled"`
	// Every is a Go duration string. Default "60s".
	Every string `json:"every,omitempty"`
}
