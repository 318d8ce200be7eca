package am

import (
	"net/url"

	"github.com/teranos/harvest/errors"
)

// Validate checks that the configuration is valid.
// Zero means "use the default" wherever a default exists; negatives are always invalid.
func (c *Config) Validate() error {
	if c.Fetch.Workers < 0 {
		return errors.Newf("fetch.workers must be >= 0, got %d", c.Fetch.Workers)
	}
	if c.Fetch.QueueSize < 0 {
		return errors.Newf("fetch.queue_size must be >= 0, got %d", c.Fetch.QueueSize)
	}
	if c.Fetch.OverfetchFactor != 0 && c.Fetch.OverfetchFactor < 1 {
		return errors.WithHint(
			errors.Newf("fetch.overfetch_factor must be >= 1, got %g", c.Fetch.OverfetchFactor),
			"The factor multiplies the target; below 1 a job could never reach it")
	}
	if c.Fetch.SearchConcurrency < 0 {
		return errors.Newf("fetch.search_concurrency must be >= 0, got %d", c.Fetch.SearchConcurrency)
	}
	if c.Fetch.StopTimeoutSeconds < 0 {
		return errors.Newf("fetch.stop_timeout_seconds must be >= 0, got %d", c.Fetch.StopTimeoutSeconds)
	}

	if c.Breaker.FailureThreshold < 0 {
		return errors.Newf("breaker.failure_threshold must be >= 0, got %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.RecoveryTimeoutSeconds < 0 {
		return errors.Newf("breaker.recovery_timeout_seconds must be >= 0, got %d", c.Breaker.RecoveryTimeoutSeconds)
	}
	if c.Breaker.HalfOpenMaxCalls < 0 {
		return errors.Newf("breaker.half_open_max_calls must be >= 0, got %d", c.Breaker.HalfOpenMaxCalls)
	}

	if err := validateLimits("rate_limit", SourceLimitConfig{
		MaxPerWindow:  c.RateLimit.MaxPerWindow,
		WindowSeconds: c.RateLimit.WindowSeconds,
		MinIntervalMS: c.RateLimit.MinIntervalMS,
	}); err != nil {
		return err
	}
	for name, s := range c.RateLimit.Sources {
		if err := validateLimits("rate_limit.sources."+name, s); err != nil {
			return err
		}
	}

	if c.Retry.BaseDelayMS < 0 || c.Retry.MaxDelayMS < 0 {
		return errors.New("retry delays must be >= 0")
	}
	if c.Retry.MaxDelayMS > 0 && c.Retry.BaseDelayMS > c.Retry.MaxDelayMS {
		return errors.Newf("retry.base_delay_ms (%d) exceeds retry.max_delay_ms (%d)", c.Retry.BaseDelayMS, c.Retry.MaxDelayMS)
	}
	if c.Retry.MaxAttempts < 0 {
		return errors.Newf("retry.max_attempts must be >= 0, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.MaxRateLimitDeferrals < 0 {
		return errors.Newf("retry.max_rate_limit_deferrals must be >= 0, got %d", c.Retry.MaxRateLimitDeferrals)
	}

	if c.Transfer.CheckpointKB < 0 || c.Transfer.CheckpointIntervalMS < 0 {
		return errors.New("transfer checkpoint settings must be >= 0")
	}
	if c.Transfer.MaxFileSizeMB < 0 {
		return errors.Newf("transfer.max_file_size_mb must be >= 0, got %d", c.Transfer.MaxFileSizeMB)
	}
	if c.Transfer.CancelGraceSeconds < 0 {
		return errors.Newf("transfer.cancel_grace_seconds must be >= 0, got %d", c.Transfer.CancelGraceSeconds)
	}

	if c.HTTP.TimeoutSeconds < 0 {
		return errors.Newf("http.timeout_seconds must be >= 0, got %d", c.HTTP.TimeoutSeconds)
	}
	if c.Ledger.RetentionDays < 0 {
		return errors.Newf("ledger.retention_days must be >= 0, got %d", c.Ledger.RetentionDays)
	}
	for _, p := range c.Sources.Catalogs {
		if u, err := url.Parse(p); err == nil && u.Scheme != "" && len(u.Scheme) > 1 {
			return errors.WithHint(
				errors.Newf("sources.catalogs entry %q is a URL", p),
				"Catalogs are local .yaml, .yml or .toml files or directories")
		}
	}

	return nil
}

func validateLimits(prefix string, s SourceLimitConfig) error {
	if s.MaxPerWindow < 0 {
		return errors.Newf("%s.max_per_window must be >= 0, got %d", prefix, s.MaxPerWindow)
	}
	if s.WindowSeconds < 0 {
		return errors.Newf("%s.window_seconds must be >= 0, got %d", prefix, s.WindowSeconds)
	}
	if s.MinIntervalMS < 0 {
		return errors.Newf("%s.min_interval_ms must be >= 0, got %d", prefix, s.MinIntervalMS)
	}
	return nil
}
