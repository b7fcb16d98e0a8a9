package sqlguard

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type DefaultConfigValidator struct {
	// Warnings collects non-fatal findings of the last Validate call.
	Warnings []string
}

func NewDefaultConfigValidator() *DefaultConfigValidator {
	return &DefaultConfigValidator{}
}

// Validate checks cfg and returns every problem found, joined.
func (v *DefaultConfigValidator) Validate(config *Config) error {
	v.Warnings = nil
	if config == nil {
		return fmt.Errorf("config is nil")
	}
	var errs []error
	errs = append(errs, v.validateServer(&config.Server)...)
	errs = append(errs, v.validateStorage(&config.Storage)...)
	errs = append(errs, v.validateBehavior(&config.Behavior)...)
	errs = append(errs, v.validateNotifier(&config.Notifier)...)
	if !validLogLevel(config.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging: unknown level %q", config.Logging.Level))
	}
	if err := v.validateDuration("ledger.ttl", config.Ledger.TTL); err != nil {
		errs = append(errs, err)
	}

	policy, err := config.Policy()
	if err != nil {
		errs = append(errs, fmt.Errorf("authz: %w", err))
	} else {
		if _, err := CompilePolicy(policy); err != nil {
			errs = append(errs, fmt.Errorf("authz: %w", err))
		}
		v.Warnings = append(v.Warnings, PolicyWarnings(policy)...)
	}
	if config.Authz.Watch && strings.TrimSpace(config.Authz.PolicyFile) == "" {
		errs = append(errs, errors.New("authz: watch requires policyFile"))
	}
	return errors.Join(errs...)
}

func (v *DefaultConfigValidator) validateServer(s *ServerConfig) []error {
	var errs []error
	if strings.TrimSpace(s.Listen) == "" {
		errs = append(errs, errors.New("server: listen address is empty"))
	}
	if s.RateLimit.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("server: invalid rate limit: %v", s.RateLimit.RequestsPerSecond))
	}
	if s.RateLimit.RequestsPerSecond > 0 && s.RateLimit.Burst <= 0 {
		errs = append(errs, fmt.Errorf("server: rate limit burst must be positive, got %d", s.RateLimit.Burst))
	}
	for user, hash := range s.AdminUsers {
		if !strings.HasPrefix(hash, "$2") {
			errs = append(errs, fmt.Errorf("server: admin %s password is not a bcrypt hash", user))
		}
	}
	if len(s.AdminUsers) == 0 {
		v.Warnings = append(v.Warnings, "server: no admin users configured, query API is disabled")
	}
	if err := v.validateDuration("server.shutdownTimeout", s.ShutdownTimeout); err != nil {
		errs = append(errs, err)
	}
	return errs
}

func (v *DefaultConfigValidator) validateStorage(s *StorageConfig) []error {
	var errs []error
	switch s.Driver {
	case "sqlite":
		if strings.TrimSpace(s.DSN) == "" {
			errs = append(errs, errors.New("storage: sqlite requires a dsn"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("storage: unknown driver %q", s.Driver))
	}
	if s.RecordCacheSize < 0 {
		errs = append(errs, fmt.Errorf("storage: invalid record cache size %d", s.RecordCacheSize))
	}
	if err := v.validateDuration("storage.recordCacheTTL", s.RecordCacheTTL); err != nil {
		errs = append(errs, err)
	}
	return errs
}

func (v *DefaultConfigValidator) validateBehavior(b *BehaviorConfig) []error {
	var errs []error
	if b.WindowSeconds <= 0 {
		errs = append(errs, fmt.Errorf("behavior: windowSeconds must be positive, got %d", b.WindowSeconds))
	}
	if b.ThresholdHigh < b.ThresholdMedium {
		errs = append(errs, fmt.Errorf("behavior: thresholdHigh %.2f is below thresholdMedium %.2f", b.ThresholdHigh, b.ThresholdMedium))
	}
	return errs
}

func (v *DefaultConfigValidator) validateNotifier(n *NotifierConfig) []error {
	var errs []error
	if err := v.validateDuration("notifier.timeout", n.Timeout); err != nil {
		errs = append(errs, err)
	}
	if n.Email.Enabled && strings.TrimSpace(n.Email.Host) == "" {
		errs = append(errs, errors.New("notifier: email enabled without smtp host"))
	}
	if n.Email.Enabled && strings.TrimSpace(n.Email.From) == "" {
		errs = append(errs, errors.New("notifier: email enabled without from address"))
	}
	if n.Email.StartTLS && n.Email.SSL {
		errs = append(errs, errors.New("notifier: email starttls and ssl are exclusive"))
	}
	if n.Slack.Enabled && strings.TrimSpace(n.Slack.WebhookURL) == "" {
		errs = append(errs, errors.New("notifier: slack enabled without webhook url"))
	}
	if !n.Email.Enabled && !n.Slack.Enabled {
		v.Warnings = append(v.Warnings, "notifier: no channel enabled, findings are stored only")
	}
	return errs
}

func (v *DefaultConfigValidator) validateDuration(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return fmt.Errorf("%s: negative duration %s", field, value)
	}
	return nil
}
