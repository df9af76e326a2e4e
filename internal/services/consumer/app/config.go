package app

import (
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/louisbranch/orderstream/internal/platform/timeouts"
)

// Config controls one consume loop.
type Config struct {
	Stream          string
	Group           string
	Consumer        string
	Block           time.Duration
	BatchSize       int64
	RetryBackoff    time.Duration
	RetryMaxDelay   time.Duration
	ReclaimInterval time.Duration
	ReclaimMinIdle  time.Duration
	ReclaimBatch    int64
	MaxAttempts     int64
}

const (
	defaultConsumer      = "orderstream-consumer"
	defaultBatchSize     = 1
	defaultRetryBackoff  = 200 * time.Millisecond
	defaultRetryMaxDelay = 5 * time.Second
	defaultReclaimMin    = time.Minute
	defaultReclaimBatch  = 100
	defaultMaxAttempts   = 8
)

func (c Config) normalized() Config {
	c.Stream = strings.TrimSpace(c.Stream)
	c.Group = strings.TrimSpace(c.Group)
	c.Consumer = strings.TrimSpace(c.Consumer)
	if c.Consumer == "" {
		c.Consumer = ResolveConsumerID("")
	}
	if c.Block <= 0 {
		c.Block = timeouts.StreamBlock
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaultRetryBackoff
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = defaultRetryMaxDelay
	}
	if c.RetryMaxDelay < c.RetryBackoff {
		c.RetryMaxDelay = c.RetryBackoff
	}
	if c.ReclaimMinIdle <= 0 {
		c.ReclaimMinIdle = defaultReclaimMin
	}
	if c.ReclaimBatch <= 0 {
		c.ReclaimBatch = defaultReclaimBatch
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	return c
}

// ResolveConsumerID picks the consumer identity: configured, then $HOST, then
// the OS hostname, then a random consumer-<uuid>.
func ResolveConsumerID(configured string) string {
	return resolveConsumerID(configured, os.Getenv, os.Hostname, func() string { return uuid.NewString() })
}

func resolveConsumerID(configured string, getenv func(string) string, hostname func() (string, error), newID func() string) string {
	if id := strings.TrimSpace(configured); id != "" {
		return id
	}
	if id := strings.TrimSpace(getenv("HOST")); id != "" {
		return id
	}
	if name, err := hostname(); err == nil && strings.TrimSpace(name) != "" {
		return strings.TrimSpace(name)
	}
	return "consumer-" + newID()
}
