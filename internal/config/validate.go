package config

import (
	"fmt"
	"net/url"
	"sort"
	"time"

	"github.com/lucasnoah/handoff/internal/catalog"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// recognizedParsers is the set of valid parser names for checks.
var recognizedParsers = map[string]bool{
	"eslint":     true,
	"typescript": true,
	"vitest":     true,
	"playwright": true,
	"generic":    true,
}

var recognizedBackends = map[string]bool{
	"file":     true,
	"postgres": true,
	"memory":   true,
}

// Validate checks a Config against the stage catalog. It returns every
// problem found (empty if valid).
func Validate(cfg *Config, cat *catalog.Catalog) []ValidationError {
	var errs []ValidationError
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if !recognizedBackends[cfg.Storage.Backend] {
		add("storage.backend", "unknown backend %q", cfg.Storage.Backend)
	}
	if cfg.Storage.Backend == "postgres" && cfg.Storage.DatabaseURL == "" {
		add("storage.database_url", "is required for the postgres backend")
	}

	validateDuration("retry.base_delay", cfg.Retry.BaseDelay, &errs)
	validateDuration("retry.max_delay", cfg.Retry.MaxDelay, &errs)
	if cfg.Retry.MaxRetries != nil && *cfg.Retry.MaxRetries < 0 {
		add("retry.max_retries", "must not be negative")
	}

	if cfg.Gate.PassRate <= 0 || cfg.Gate.PassRate > 1 {
		add("gate.pass_rate", "must be in (0, 1]")
	}
	if cfg.Gate.WarnRate <= 0 || cfg.Gate.WarnRate > cfg.Gate.PassRate {
		add("gate.warn_rate", "must be in (0, pass_rate]")
	}
	if cfg.Gate.MaxCriticalWarn < 0 {
		add("gate.max_critical_warn", "must not be negative")
	}

	for _, id := range sortedKeys(cfg.Stages) {
		o := cfg.Stages[id]
		prefix := "stages." + id
		def, ok := cat.Get(catalog.StageID(id))
		if !ok {
			add(prefix, "unknown stage %q", id)
			continue
		}
		validateDuration(prefix+".timeout", o.Timeout, &errs)
		if o.MaxRetries != nil && *o.MaxRetries < 0 {
			add(prefix+".max_retries", "must not be negative")
		}
		if o.Skip && !def.CanSkip {
			add(prefix+".skip", "stage %q cannot be skipped", id)
		}
	}

	validateDuration("acceptance.window", cfg.Acceptance.Window, &errs)
	validateDuration("acceptance.poll_interval", cfg.Acceptance.PollInterval, &errs)
	validateDuration("build.timeout", cfg.Build.Timeout, &errs)

	for _, name := range cfg.Testing.Checks {
		if _, ok := cfg.Checks[name]; !ok {
			add("testing.checks", "references undefined check %q", name)
		}
	}
	for _, name := range sortedKeys(cfg.Checks) {
		check := cfg.Checks[name]
		prefix := "checks." + name
		if check.Command == "" {
			add(prefix+".command", "is required")
		}
		if check.Parser != "" && !recognizedParsers[check.Parser] {
			add(prefix+".parser", "unrecognized parser %q", check.Parser)
		}
		validateDuration(prefix+".timeout", check.Timeout, &errs)
	}

	if !recognizedParsers[cfg.E2E.Parser] {
		add("e2e.parser", "unrecognized parser %q", cfg.E2E.Parser)
	}
	validateDuration("e2e.timeout", cfg.E2E.Timeout, &errs)

	if cfg.Deploy.BaseURL == "" {
		add("deploy.base_url", "is required")
	}
	validateURL("deploy.base_url", cfg.Deploy.BaseURL, &errs)
	if cfg.Deploy.RateLimit < 0 {
		add("deploy.rate_limit", "must not be negative")
	}
	validateDuration("deploy.timeout", cfg.Deploy.Timeout, &errs)

	switch cfg.Notifier.Kind {
	case "log":
	case "http":
		if cfg.Notifier.BaseURL == "" {
			add("notifier.base_url", "is required for the http notifier")
		}
	default:
		add("notifier.kind", "unknown notifier %q", cfg.Notifier.Kind)
	}
	validateURL("notifier.base_url", cfg.Notifier.BaseURL, &errs)
	validateDuration("notifier.timeout", cfg.Notifier.Timeout, &errs)

	if cfg.Preflight.MaxSizeMB < 0 {
		add("preflight.max_size_mb", "must not be negative")
	}

	validateDuration("server.lease_ttl", cfg.Server.LeaseTTL, &errs)

	switch cfg.Logging.Format {
	case "json", "console":
	default:
		add("logging.format", "unknown format %q", cfg.Logging.Format)
	}

	return errs
}

func validateDuration(field, value string, errs *[]ValidationError) {
	if value == "" {
		return
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		*errs = append(*errs, ValidationError{Field: field, Message: fmt.Sprintf("invalid duration %q", value)})
		return
	}
	if d <= 0 {
		*errs = append(*errs, ValidationError{Field: field, Message: "must be positive"})
	}
}

func validateURL(field, value string, errs *[]ValidationError) {
	if value == "" {
		return
	}
	u, err := url.Parse(value)
	if err != nil || u.Scheme == "" || u.Host == "" {
		*errs = append(*errs, ValidationError{Field: field, Message: fmt.Sprintf("invalid URL %q", value)})
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
