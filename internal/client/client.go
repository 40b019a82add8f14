// Package client implements bridgectl's request engine: connecting to the
// relay broker, sending a REQUEST, and retrying with exponential backoff on
// retryable errors while reusing the same request id so the broker's
// idempotency cache collapses the retries the way a single in-flight
// request would be.
package client

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/unity-bridge/relay/internal/config"
	"github.com/unity-bridge/relay/internal/protocol"
	"github.com/unity-bridge/relay/internal/transport"
)

// Exit codes surfaced by cmd/bridgectl. These four are the global contract:
// 0 success, 2 a retryable error survived every retry, 3 the broker itself
// was never reached, 5 the broker replied but the command failed.
// ExitUsageError is bridgectl's own (flag-parsing, bad --params JSON), and
// deliberately sits outside that set so it can never be mistaken for one of
// the four broker-observed outcomes.
const (
	ExitSuccess           = 0
	ExitUsageError        = 1
	ExitRetriesExhausted  = 2
	ExitBrokerUnreachable = 3
	ExitCommandFailed     = 5
)

// Result is the outcome of a completed Call.
type Result struct {
	Success  bool
	Data     any
	Error    *protocol.ErrorDetail
	Attempts int

	// Transport marks a failure that never reached the broker at all (dial,
	// send, or read failure) as distinct from a wire-level error the broker
	// itself returned. ExitCode uses it to tell "broker unreachable" apart
	// from a retryable error the broker actually replied with.
	Transport bool
}

// ExitCode maps a Result to the process exit code bridgectl should return.
func (r Result) ExitCode() int {
	if r.Success {
		return ExitSuccess
	}
	if r.Transport {
		return ExitBrokerUnreachable
	}
	if r.Error != nil && r.Error.Code.Retryable() {
		return ExitRetriesExhausted
	}
	return ExitCommandFailed
}

// Engine sends requests to one relay broker address.
type Engine struct {
	addr   string
	logger *zap.Logger
}

// New creates an Engine targeting addr.
func New(addr string, logger *zap.Logger) *Engine {
	return &Engine{addr: addr, logger: logger.Named("client")}
}

// Call sends a REQUEST for command against instance (empty for the default
// instance) and retries on retryable errors until success, a non-retryable
// error, or config.CLIMaxRetryTime elapses.
func (e *Engine) Call(ctx context.Context, instance, command string, params map[string]any, timeoutMs int64) Result {
	requestID := uuid.New().String()
	deadline := time.Now().Add(config.CLIMaxRetryTime)
	backoff := config.CLIBackoffInitial

	attempt := 0
	for {
		attempt++
		result, err := e.attempt(ctx, requestID, instance, command, params, timeoutMs)
		if err == nil {
			result.Attempts = attempt
			if result.Success || result.Error == nil || !result.Error.Code.Retryable() {
				return result
			}
			if time.Now().After(deadline) {
				return result
			}
			e.logger.Debug("retryable error, backing off",
				zap.String("code", string(result.Error.Code)),
				zap.Duration("backoff", backoff),
				zap.Int("attempt", attempt),
			)
			if !e.sleep(ctx, backoff) {
				return result
			}
			backoff = nextBackoff(backoff)
			continue
		}

		// Transport-level failure (dial/send/read): the broker was never
		// reached, which bridgectl reports distinctly from a retryable
		// wire-level error it did reply with.
		if time.Now().After(deadline) {
			return Result{
				Success:   false,
				Transport: true,
				Error:     protocol.NewError(protocol.ErrInstanceDisconnected, err.Error()),
				Attempts:  attempt,
			}
		}
		e.logger.Debug("transport error, retrying", zap.Error(err), zap.Duration("backoff", backoff))
		if !e.sleep(ctx, backoff) {
			return Result{Success: false, Transport: true, Error: protocol.NewError(protocol.ErrInstanceDisconnected, err.Error()), Attempts: attempt}
		}
		backoff = nextBackoff(backoff)
	}
}

// ListInstances fetches the broker's current instance list.
func (e *Engine) ListInstances(ctx context.Context) ([]protocol.InstanceSummary, error) {
	conn, err := e.dial()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	req := &protocol.ListInstances{Type: protocol.TypeListInstances, ID: uuid.New().String()}
	if err := conn.Send(req); err != nil {
		return nil, fmt.Errorf("client: send LIST_INSTANCES: %w", err)
	}
	frame, err := conn.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("client: read INSTANCES: %w", err)
	}
	var instances protocol.Instances
	if err := protocol.DecodeFrame(frame, &instances); err != nil {
		return nil, fmt.Errorf("client: decode INSTANCES: %w", err)
	}
	return instances.Data.Instances, nil
}

// SetDefault asks the broker to make instance the default target.
func (e *Engine) SetDefault(ctx context.Context, instance string) error {
	conn, err := e.dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	req := &protocol.SetDefault{Type: protocol.TypeSetDefault, ID: uuid.New().String(), Instance: instance}
	if err := conn.Send(req); err != nil {
		return fmt.Errorf("client: send SET_DEFAULT: %w", err)
	}
	frame, err := conn.ReadFrame()
	if err != nil {
		return fmt.Errorf("client: read response: %w", err)
	}
	msgType, _, err := protocol.PeekType(frame)
	if err != nil {
		return fmt.Errorf("client: malformed response: %w", err)
	}
	if msgType == protocol.TypeError {
		var errFrame protocol.Error
		if err := protocol.DecodeFrame(frame, &errFrame); err == nil && errFrame.Error != nil {
			return fmt.Errorf("client: %s", errFrame.Error.Error())
		}
		return fmt.Errorf("client: set default rejected")
	}
	return nil
}

func (e *Engine) attempt(ctx context.Context, requestID, instance, command string, params map[string]any, timeoutMs int64) (Result, error) {
	conn, err := e.dial()
	if err != nil {
		return Result{}, err
	}
	defer conn.Close()

	req := &protocol.Request{
		Type:      protocol.TypeRequest,
		ID:        requestID,
		Instance:  instance,
		Command:   command,
		Params:    params,
		TimeoutMs: timeoutMs,
	}
	if err := conn.Send(req); err != nil {
		return Result{}, fmt.Errorf("client: send REQUEST: %w", err)
	}

	frame, err := conn.ReadFrame()
	if err != nil {
		return Result{}, fmt.Errorf("client: read response: %w", err)
	}

	msgType, _, err := protocol.PeekType(frame)
	if err != nil {
		return Result{}, fmt.Errorf("client: malformed response: %w", err)
	}

	switch msgType {
	case protocol.TypeResponse:
		var resp protocol.Response
		if err := protocol.DecodeFrame(frame, &resp); err != nil {
			return Result{}, fmt.Errorf("client: decode RESPONSE: %w", err)
		}
		return Result{Success: true, Data: resp.Data}, nil

	case protocol.TypeError:
		var errFrame protocol.Error
		if err := protocol.DecodeFrame(frame, &errFrame); err != nil {
			return Result{}, fmt.Errorf("client: decode ERROR: %w", err)
		}
		return Result{Success: false, Error: errFrame.Error}, nil

	default:
		return Result{}, fmt.Errorf("client: unexpected response type %q", msgType)
	}
}

func (e *Engine) dial() (*transport.Conn, error) {
	raw, err := net.DialTimeout("tcp", e.addr, config.CLISocketTimeout)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", e.addr, err)
	}
	return transport.NewConn(raw), nil
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > config.CLIBackoffMax {
		return config.CLIBackoffMax
	}
	return next
}
