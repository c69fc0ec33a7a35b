package hub

import (
	"time"

	"github.com/nextlevelbuilder/debugprobe/pkg/protocol"
)

// Config tunes buffering, timers and reconnection.
type Config struct {
	BufferCapacity int        // in-memory ring buffer size
	DropPolicy     DropPolicy // applied when the buffer is full
	BatchSize      int        // events per flush
	FlushInterval  time.Duration

	HeartbeatInterval time.Duration

	ReconnectInterval    time.Duration // first backoff delay
	MaxReconnectInterval time.Duration // backoff ceiling
	MaxReconnectAttempts int           // 0 = unlimited
	ReconnectJitter      float64       // ± fraction applied to each delay, 0 disables

	PersistenceEnabled bool
	RecoveryInterval   time.Duration
	RecoveryBatchSize  int

	WriteTimeout time.Duration
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		BufferCapacity:       1000,
		DropPolicy:           DropPolicy{Kind: DropOldest},
		BatchSize:            50,
		FlushInterval:        time.Second,
		HeartbeatInterval:    30 * time.Second,
		ReconnectInterval:    2 * time.Second,
		MaxReconnectInterval: 30 * time.Second,
		MaxReconnectAttempts: 10,
		PersistenceEnabled:   true,
		RecoveryInterval:     100 * time.Millisecond,
		RecoveryBatchSize:    50,
		WriteTimeout:         10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BufferCapacity <= 0 {
		c.BufferCapacity = d.BufferCapacity
	}
	if c.DropPolicy.Kind == "" {
		c.DropPolicy = d.DropPolicy
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = d.ReconnectInterval
	}
	if c.MaxReconnectInterval < c.ReconnectInterval {
		c.MaxReconnectInterval = max(d.MaxReconnectInterval, c.ReconnectInterval)
	}
	if c.MaxReconnectAttempts < 0 {
		c.MaxReconnectAttempts = 0
	}
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = d.RecoveryInterval
	}
	if c.RecoveryBatchSize <= 0 {
		c.RecoveryBatchSize = d.RecoveryBatchSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	return c
}

// Endpoint is where and as whom to connect.
type Endpoint struct {
	URL    string
	Token  string
	Device protocol.DeviceInfo
}
