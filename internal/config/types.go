package config

// Config is the handoff service configuration parsed from handoff.yaml.
type Config struct {
	Storage    Storage                  `yaml:"storage"`
	Retry      Retry                    `yaml:"retry"`
	Gate       Gate                     `yaml:"gate"`
	Stages     map[string]StageOverride `yaml:"stages"`
	Acceptance Acceptance               `yaml:"acceptance"`
	Build      Build                    `yaml:"build"`
	Testing    Testing                  `yaml:"testing"`
	Checks     map[string]Check         `yaml:"checks"`
	E2E        E2E                      `yaml:"e2e"`
	Deploy     Deploy                   `yaml:"deploy"`
	Notifier   Notifier                 `yaml:"notifier"`
	Preflight  Preflight                `yaml:"preflight"`
	Artifacts  Artifacts                `yaml:"artifacts"`
	Events     Events                   `yaml:"events"`
	Server     Server                   `yaml:"server"`
	Logging    Logging                  `yaml:"logging"`
}

// Storage selects where pipeline state and the event log live.
type Storage struct {
	Backend     string `yaml:"backend"` // "file", "postgres", "memory"
	Dir         string `yaml:"dir"`
	DatabaseURL string `yaml:"database_url"`
}

// Retry is the retry policy applied to transient stage failures.
// MaxRetries, when set, replaces the retry count of every retryable stage;
// 0 disables retries.
type Retry struct {
	BaseDelay  string `yaml:"base_delay"`
	MaxDelay   string `yaml:"max_delay"`
	MaxRetries *int   `yaml:"max_retries,omitempty"`
}

// Gate configures the quality gate evaluated after verification.
type Gate struct {
	PassRate        float64 `yaml:"pass_rate"`
	WarnRate        float64 `yaml:"warn_rate"`
	MaxCriticalWarn int     `yaml:"max_critical_warn"`
	Strict          bool    `yaml:"strict"`
}

// StageOverride adjusts one catalog stage.
type StageOverride struct {
	Timeout    string `yaml:"timeout"`
	MaxRetries *int   `yaml:"max_retries"`
	Skip       bool   `yaml:"skip"`
}

// Acceptance configures the customer acceptance window.
type Acceptance struct {
	Window       string `yaml:"window"`
	PollInterval string `yaml:"poll_interval"`
}

// Build is the command that builds the source tree.
type Build struct {
	Command string            `yaml:"command"`
	Timeout string            `yaml:"timeout"`
	Env     map[string]string `yaml:"env"`
}

// Testing lists the named checks the testing stage runs.
type Testing struct {
	Checks   []string `yaml:"checks"`
	Continue bool     `yaml:"continue"`
}

// Check defines a command run against the source tree.
type Check struct {
	Command    string `yaml:"command"`
	Parser     string `yaml:"parser"`
	Timeout    string `yaml:"timeout"`
	FixCommand string `yaml:"fix_command"`
	AutoFix    bool   `yaml:"auto_fix"`
}

// E2E is the end-to-end scenario runner command.
type E2E struct {
	Command string `yaml:"command"`
	Parser  string `yaml:"parser"`
	Timeout string `yaml:"timeout"`
	Dir     string `yaml:"dir"`
}

// Deploy configures the deployment provider client.
type Deploy struct {
	BaseURL   string  `yaml:"base_url"`
	Token     string  `yaml:"token"`
	RateLimit float64 `yaml:"rate_limit"` // requests per second
	Burst     int     `yaml:"burst"`
	Timeout   string  `yaml:"timeout"`
}

// Notifier configures transactional notifications.
type Notifier struct {
	Kind         string `yaml:"kind"` // "http" or "log"
	BaseURL      string `yaml:"base_url"`
	Token        string `yaml:"token"`
	Sender       string `yaml:"sender"`
	OpsRecipient string `yaml:"ops_recipient"`
	Timeout      string `yaml:"timeout"`
}

// Preflight configures the source-tree checks run before building.
type Preflight struct {
	MaxSizeMB int `yaml:"max_size_mb"`
}

// Artifacts configures the source archive upload.
type Artifacts struct {
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

// Events configures cross-process event fan-out.
type Events struct {
	RedisAddr     string `yaml:"redis_addr"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

// Server configures the HTTP API and pipeline driving.
type Server struct {
	Addr string `yaml:"addr"`
	// LeaseTTL is how long a driver lease lasts without renewal. Instances
	// whose lease expired are picked up by another serve process.
	LeaseTTL string `yaml:"lease_ttl"`
}

// Logging configures the zap logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "console"
}
