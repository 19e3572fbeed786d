// Package timeouts defines shared timeout constants used across the gateway.
package timeouts

import "time"

// GRPCDial caps the wait time when dialing a counterparty gateway.
const GRPCDial = 2 * time.Second

// GRPCRequest caps the time allowed for delivering one protocol message to
// a counterparty gateway, including its synchronous reply.
const GRPCRequest = 10 * time.Second

// ReadHeader limits how long the operator HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long servers wait for in-flight requests during
// graceful shutdown.
const Shutdown = 5 * time.Second

// StageDwell is the default maximum time a session may wait in one stage
// before the retry-then-abort policy applies.
const StageDwell = 30 * time.Second
