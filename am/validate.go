package am

import (
	"github.com/kballard/go-shellquote"

	"github.com/teranos/reel/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.Newf("server.port must be in 1-65535, got %d", c.Server.Port)
	}

	// Pulse workers: the pool needs at least one worker or nothing ever runs
	if c.Pulse.Workers < 1 {
		return errors.Newf("pulse.workers must be >= 1, got %d", c.Pulse.Workers)
	}
	if c.Pulse.QueueSize < 1 {
		return errors.Newf("pulse.queue_size must be >= 1, got %d", c.Pulse.QueueSize)
	}
	if c.Pulse.TickerIntervalSeconds < 1 {
		return errors.Newf("pulse.ticker_interval_seconds must be >= 1, got %d", c.Pulse.TickerIntervalSeconds)
	}
	switch c.Pulse.RecoverInterrupted {
	case RecoverMarkError, RecoverRequeue, RecoverOff:
	default:
		return errors.WithHint(
			errors.Newf("pulse.recover_interrupted has unknown value %q", c.Pulse.RecoverInterrupted),
			"use one of: error, requeue, off")
	}

	if c.Fetch.Binary == "" {
		return errors.New("fetch.binary cannot be empty")
	}
	if c.Fetch.DownloadDir == "" {
		return errors.New("fetch.download_dir cannot be empty")
	}
	if c.Fetch.TimeoutSeconds < 0 {
		return errors.Newf("fetch.timeout_seconds must be >= 0, got %d", c.Fetch.TimeoutSeconds)
	}
	if c.Fetch.MaxInvocationsPerMinute < 0 {
		return errors.Newf("fetch.max_invocations_per_minute must be >= 0, got %d", c.Fetch.MaxInvocationsPerMinute)
	}
	if c.Fetch.MinFreeDiskMB < 0 {
		return errors.Newf("fetch.min_free_disk_mb must be >= 0, got %d", c.Fetch.MinFreeDiskMB)
	}
	if _, err := shellquote.Split(c.Fetch.ExtraArgs); err != nil {
		return errors.Wrap(err, "fetch.extra_args is not a valid shell-quoted string")
	}

	return nil
}
