package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// ParseEnv loads configuration from environment variables.
//
// A non-empty prefix is prepended to every env tag, so a field tagged
// `env:"PORT"` parsed with prefix "ORDERSTREAM_CONSUMER_" reads
// ORDERSTREAM_CONSUMER_PORT.
func ParseEnv(target any, prefix string) error {
	opts := env.Options{Prefix: strings.TrimSpace(prefix)}
	if err := env.ParseWithOptions(target, opts); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
