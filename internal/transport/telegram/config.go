package telegram

import "time"

type Config struct {
	Token       string
	PollTimeout time.Duration
	// RatePerSec caps outbound sends (token bucket, burst = rate).
	RatePerSec int
	// SendTimeout bounds one outbound delivery including the fallback.
	SendTimeout time.Duration
	// AllowedUsers restricts commands to these user ids; empty allows everyone.
	AllowedUsers []int64
	// CommandTimeout bounds one command handler.
	CommandTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollTimeout <= 0 {
		c.PollTimeout = 10 * time.Second
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 20
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 10 * time.Second
	}
	return c
}
