package config

import (
	"errors"
	"time"
)

const (
	defaultElectTimeout      = 300 * time.Millisecond
	defaultHeartBeatInterval = 100 * time.Millisecond
	defaultCallTimeout       = 500 * time.Millisecond
	defaultPullConcurrency   = 8
)

// Config represents the consensus config of a peer
type Config struct {
	// ElectTimeout is the base of the randomized follower deadline,
	// every deadline is drawn from [ElectTimeout, 2*ElectTimeout)
	ElectTimeout time.Duration `json:"elect_timeout,omitempty"`
	// HeartBeatInterval is the period of the tracker heartbeat broadcast
	HeartBeatInterval time.Duration `json:"heartbeat_interval,omitempty"`
	// CallTimeout bounds every outbound rpc
	CallTimeout time.Duration `json:"call_timeout,omitempty"`
	// PullConcurrency bounds the parallel file list pulls of a new tracker
	PullConcurrency int `json:"pull_concurrency,omitempty"`
}

// Default returns a config with every field set to its default value.
func Default() *Config {
	c := &Config{}
	c.SetDefaults()
	return c
}

// SetDefaults fills zero fields.
func (c *Config) SetDefaults() {
	if c.ElectTimeout == 0 {
		c.ElectTimeout = defaultElectTimeout
	}
	if c.HeartBeatInterval == 0 {
		c.HeartBeatInterval = defaultHeartBeatInterval
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = defaultCallTimeout
	}
	if c.PullConcurrency == 0 {
		c.PullConcurrency = defaultPullConcurrency
	}
}

func (c *Config) Validate() error {
	if c.ElectTimeout <= 0 {
		return errors.New("elect timeout must be positive")
	}
	if c.HeartBeatInterval <= 0 {
		return errors.New("heartbeat interval must be positive")
	}
	if c.HeartBeatInterval >= c.ElectTimeout {
		return errors.New("heartbeat interval must be shorter than elect timeout")
	}
	if c.CallTimeout <= 0 {
		return errors.New("call timeout must be positive")
	}
	if c.PullConcurrency < 1 {
		return errors.New("pull concurrency must be at least 1")
	}
	return nil
}

// MonitorInterval is the sleep increment of the follower failure detector
func (c *Config) MonitorInterval() time.Duration {
	iv := c.ElectTimeout / 10
	if iv < time.Millisecond {
		iv = time.Millisecond
	}
	return iv
}
