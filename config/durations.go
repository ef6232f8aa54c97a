package config

import "time"

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// PollIntervalDuration returns PollInterval as a time.Duration.
func (c *Config) PollIntervalDuration() time.Duration { return seconds(c.PollInterval) }

// LocalWriteSlackDuration returns LocalWriteSlack as a time.Duration.
func (c *Config) LocalWriteSlackDuration() time.Duration { return seconds(c.LocalWriteSlack) }

// LockTimeoutDuration returns LockTimeout as a time.Duration.
func (c *Config) LockTimeoutDuration() time.Duration { return seconds(c.LockTimeout) }

// LockRetryDuration returns LockRetry as a time.Duration.
func (c *Config) LockRetryDuration() time.Duration { return seconds(c.LockRetry) }

// PermissionPollDuration returns PermissionPoll as a time.Duration.
func (c *Config) PermissionPollDuration() time.Duration { return seconds(c.PermissionPoll) }
