// Package agent implements the Unity-editor-side SDK: the persistent
// connection to the relay broker, registration and re-registration after a
// takeover, the PING/PONG responder, and the command dispatch table that a
// host process (normally an in-editor bridge, here cmd/agentsim) wires demo
// handlers into.
//
// Reload re-architecture: the source's reload path blocked a
// synchronous RPC on the server's availability before restarting the Unity
// process, which could hang indefinitely if the broker was unreachable.
// Here, Reload writes the status file first, then makes one bounded-deadline
// best-effort attempt to notify the broker in-band, and proceeds with the
// reload regardless of whether that attempt succeeded. The status file is
// the fallback of record, not the STATUS frame.
package agent

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/unity-bridge/relay/internal/config"
	"github.com/unity-bridge/relay/internal/protocol"
	"github.com/unity-bridge/relay/internal/statusfile"
	"github.com/unity-bridge/relay/internal/transport"
)

// Handler executes one named command and returns its result or a typed
// error. Registered host processes supply these through Options.Handlers.
type Handler func(ctx context.Context, params map[string]any) (any, *protocol.ErrorDetail)

// Options configures an Agent.
type Options struct {
	RelayAddr      string
	InstanceID     string
	ProjectName    string
	UnityVersion   string
	Capabilities   []string
	ProtocolSecret string
	StatusDir      string
	Handlers       map[string]Handler
	Logger         *zap.Logger
}

// Agent is one long-lived Unity-editor-side connection to the relay broker.
type Agent struct {
	opts   Options
	logger *zap.Logger
	status *statusfile.Writer

	mu   sync.RWMutex
	conn *transport.Conn
}

// New creates an Agent from opts. Call Run to start the connect/reconnect loop.
func New(opts Options) *Agent {
	if opts.StatusDir == "" {
		opts.StatusDir = config.DefaultStatusDir()
	}
	if opts.Handlers == nil {
		opts.Handlers = map[string]Handler{}
	}
	return &Agent{
		opts:   opts,
		logger: opts.Logger.Named("agent").With(zap.String("instance_id", opts.InstanceID)),
		status: statusfile.NewWriter(opts.StatusDir, opts.InstanceID, opts.ProjectName, opts.UnityVersion, "", 0),
	}
}

// Run drives the connect → register → serve loop, reconnecting with
// exponential backoff and jitter on any failure, until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) {
	backoff := config.AgentReconnectBackoffInitial

	for ctx.Err() == nil {
		a.logger.Info("connecting to relay", zap.String("addr", a.opts.RelayAddr))

		err := a.connect(ctx)
		if ctx.Err() != nil {
			a.logger.Info("agent stopped")
			return
		}
		if err != nil {
			a.logger.Warn("session ended, reconnecting", zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return
			case <-time.After(jitter(backoff)):
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = config.AgentReconnectBackoffInitial
	}
}

// connect dials the broker, registers, and serves until the connection
// breaks or ctx is cancelled.
func (a *Agent) connect(ctx context.Context) error {
	raw, err := net.Dial("tcp", a.opts.RelayAddr)
	if err != nil {
		return fmt.Errorf("agent: dial: %w", err)
	}
	conn := transport.NewConn(raw)
	defer conn.Close()

	reg := &protocol.Register{
		Type:            protocol.TypeRegister,
		ProtocolVersion: config.ProtocolVersion,
		ProtocolSecret:  a.opts.ProtocolSecret,
		InstanceID:      a.opts.InstanceID,
		ProjectName:     a.opts.ProjectName,
		UnityVersion:    a.opts.UnityVersion,
		Capabilities:    a.opts.Capabilities,
	}
	if err := conn.Send(reg); err != nil {
		return fmt.Errorf("agent: send REGISTER: %w", err)
	}

	frame, err := conn.ReadFrame()
	if err != nil {
		return fmt.Errorf("agent: read REGISTERED: %w", err)
	}
	var registered protocol.Registered
	if err := protocol.DecodeFrame(frame, &registered); err != nil {
		return fmt.Errorf("agent: decode REGISTERED: %w", err)
	}
	if !registered.Success {
		return fmt.Errorf("agent: registration rejected: %s", registered.Error)
	}

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()

	if err := a.status.WriteReady(); err != nil {
		a.logger.Warn("failed to write ready status file", zap.Error(err))
	}

	a.logger.Info("registered with relay")
	return a.serve(ctx, conn)
}

// serve reads frames from conn until it breaks or ctx is cancelled,
// answering PING with PONG and COMMAND with COMMAND_RESULT.
func (a *Agent) serve(ctx context.Context, conn *transport.Conn) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		frame, err := conn.ReadFrame()
		if err != nil {
			return fmt.Errorf("agent: read frame: %w", err)
		}

		msgType, id, err := protocol.PeekType(frame)
		if err != nil {
			return fmt.Errorf("agent: malformed frame: %w", err)
		}

		switch msgType {
		case protocol.TypePing:
			var ping protocol.Ping
			if err := protocol.DecodeFrame(frame, &ping); err != nil {
				continue
			}
			pong := &protocol.Pong{Type: protocol.TypePong, Ts: time.Now().UnixMilli(), EchoTs: ping.Ts}
			if err := conn.Send(pong); err != nil {
				a.logger.Warn("failed to send PONG", zap.Error(err))
			}

		case protocol.TypeCommand:
			var cmd protocol.Command
			if err := protocol.DecodeFrame(frame, &cmd); err != nil {
				continue
			}
			go a.handleCommand(ctx, conn, &cmd)

		default:
			a.logger.Debug("unexpected frame from relay", zap.String("type", string(msgType)), zap.String("id", id))
		}
	}
}

func (a *Agent) handleCommand(ctx context.Context, conn *transport.Conn, cmd *protocol.Command) {
	handler, ok := a.opts.Handlers[cmd.Command]
	if !ok {
		a.reply(conn, cmd.ID, false, nil, protocol.NewError(protocol.ErrCommandNotFound, "no handler registered for command "+cmd.Command))
		return
	}

	cmdCtx := ctx
	var cancel context.CancelFunc
	if cmd.TimeoutMs > 0 {
		cmdCtx, cancel = context.WithTimeout(ctx, time.Duration(cmd.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	data, errDetail := handler(cmdCtx, cmd.Params)
	if errDetail != nil {
		a.reply(conn, cmd.ID, false, nil, errDetail)
		return
	}
	a.reply(conn, cmd.ID, true, data, nil)
}

func (a *Agent) reply(conn *transport.Conn, id string, success bool, data any, errDetail *protocol.ErrorDetail) {
	result := &protocol.CommandResult{
		Type:    protocol.TypeCommandResult,
		ID:      id,
		Success: success,
		Data:    data,
		Error:   errDetail,
	}
	if err := conn.Send(result); err != nil {
		a.logger.Warn("failed to send COMMAND_RESULT", zap.String("id", id), zap.Error(err))
	}
}

// Reload performs the status-file-first, best-effort-notify reload sequence:
// write "reloading" to the status file, attempt (but do not require) an
// in-band STATUS frame within config.SendDeadline, then close the
// connection. A running Run loop sees the broken connection and, after its
// reconnect backoff, dials and registers again.
func (a *Agent) Reload() error {
	if err := a.status.WriteReloading(); err != nil {
		return fmt.Errorf("agent: write reloading status: %w", err)
	}

	a.mu.RLock()
	conn := a.conn
	a.mu.RUnlock()

	if conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), config.SendDeadline)
		defer cancel()
		status := &protocol.Status{
			Type:       protocol.TypeStatus,
			InstanceID: a.opts.InstanceID,
			Status:     protocol.InstanceStatusReloading,
		}
		if err := conn.SendContext(ctx, status); err != nil {
			a.logger.Warn("best-effort reload notification failed, relying on status file", zap.Error(err))
		}
		_ = conn.Close()
	}

	return nil
}

// Shutdown removes the status file so the broker never reads a stale
// "reloading" record for an instance that has exited for good.
func (a *Agent) Shutdown() {
	if err := a.status.Remove(); err != nil {
		a.logger.Warn("failed to remove status file", zap.Error(err))
	}
}

func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * config.AgentReconnectBackoffFactor)
	if next > config.AgentReconnectBackoffMax {
		return config.AgentReconnectBackoffMax
	}
	return next
}

func jitter(d time.Duration) time.Duration {
	delta := float64(d) * config.AgentReconnectJitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}
