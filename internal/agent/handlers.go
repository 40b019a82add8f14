package agent

import (
	"context"
	"time"

	"github.com/unity-bridge/relay/internal/protocol"
)

// DemoHandlers returns the small command table cmd/agentsim wires into an
// Agent so the broker/client path has something real to exercise end to
// end. Real Unity tool commands (scene inspection, asset import, play-mode
// control) are not implemented here; these stand in for them.
func DemoHandlers() map[string]Handler {
	return map[string]Handler{
		"ping":  Ping,
		"echo":  Echo,
		"sleep": Sleep,
	}
}

// Ping always succeeds with {"pong": true}, useful as the cheapest possible
// end-to-end connectivity check.
func Ping(ctx context.Context, params map[string]any) (any, *protocol.ErrorDetail) {
	return map[string]any{"pong": true}, nil
}

// Echo returns its params unchanged, useful for verifying round-trip
// correctness of nested param values through the JSON wire format.
func Echo(ctx context.Context, params map[string]any) (any, *protocol.ErrorDetail) {
	return params, nil
}

// Sleep waits for the duration named by params["ms"] (default 10ms) before
// returning, useful for exercising command timeouts and BUSY/queueing
// behavior in integration tests.
func Sleep(ctx context.Context, params map[string]any) (any, *protocol.ErrorDetail) {
	d := 10 * time.Millisecond
	if ms, ok := params["ms"].(float64); ok {
		d = time.Duration(ms) * time.Millisecond
	}
	select {
	case <-time.After(d):
		return map[string]any{"slept_ms": d.Milliseconds()}, nil
	case <-ctx.Done():
		return nil, protocol.NewError(protocol.ErrTimeout, "sleep cancelled")
	}
}
