// Package timeouts defines shared timeout constants used across services.
// Centralizing these values prevents drift between service boundaries and
// makes the durations discoverable.
package timeouts

import "time"

// StreamBlock bounds how long one XREADGROUP call waits for new entries.
const StreamBlock = time.Second

// StreamAck caps the time allowed for an acknowledgement, which is issued on a
// context detached from shutdown so a committed entry is not left pending.
const StreamAck = 2 * time.Second

// RedisDial caps the wait time when connecting to a Redis instance.
const RedisDial = 5 * time.Second

// GRPCDial caps the wait time when dialing a gRPC peer.
const GRPCDial = 2 * time.Second

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long servers wait for in-flight requests during
// graceful shutdown.
const Shutdown = 5 * time.Second
