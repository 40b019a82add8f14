package broker

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/unity-bridge/relay/internal/protocol"
	"github.com/unity-bridge/relay/internal/registry"
	"github.com/unity-bridge/relay/internal/transport"
)

// Metrics receives per-request observations. internal/metrics.Registry
// satisfies this.
type Metrics interface {
	ObserveRequest(command, outcome string, seconds float64)
}

// Server is the relay TCP daemon. A single listener accepts both agent and
// client connections; the first frame's message type decides which session
// handler takes over.
type Server struct {
	addr     string
	registry *registry.Registry
	logger   *zap.Logger
	metrics  Metrics

	listener net.Listener
}

// NewServer creates a Server bound to addr, routing traffic into reg.
func NewServer(addr string, reg *registry.Registry, logger *zap.Logger) *Server {
	return &Server{addr: addr, registry: reg, logger: logger.Named("broker")}
}

// SetMetrics attaches a Metrics recorder. Optional: a nil metrics recorder
// disables observation without affecting routing.
func (s *Server) SetMetrics(m Metrics) { s.metrics = m }

// ListenAndServe opens the listener and accepts connections until ctx is
// cancelled, at which point the listener is closed and any error from a
// subsequent Accept is treated as a clean shutdown rather than a failure.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("broker: listen %s: %w", s.addr, err)
	}
	s.listener = ln
	s.logger.Info("relay listening", zap.String("addr", s.addr))

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		raw, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && !netErr.Timeout() {
				s.logger.Warn("accept error", zap.Error(err))
				continue
			}
			return fmt.Errorf("broker: accept: %w", err)
		}
		go s.handleConn(ctx, raw)
	}
}

// handleConn reads exactly one frame to discover whether the new connection
// is an agent (REGISTER) or a client (REQUEST/LIST_INSTANCES/SET_DEFAULT),
// then hands it off to the matching session loop.
func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	conn := transport.NewConn(raw)

	first, err := conn.ReadFrame()
	if err != nil {
		s.logger.Debug("connection closed before first frame", zap.Error(err), zap.Stringer("remote", conn.RemoteAddr()))
		_ = conn.Close()
		return
	}

	msgType, id, err := protocol.PeekType(first)
	if err != nil {
		if recoveredID, ok := protocol.PeekID(first); ok {
			_ = conn.Send(protocol.NewErrorFrame(recoveredID, protocol.ErrMalformedJSON, "could not determine frame type"))
		}
		_ = conn.Close()
		return
	}

	switch msgType {
	case protocol.TypeRegister:
		s.runAgentSession(ctx, conn, first)
	case protocol.TypeRequest, protocol.TypeListInstances, protocol.TypeSetDefault:
		s.runClientSession(ctx, conn, first)
	default:
		_ = conn.Send(protocol.NewErrorFrame(id, protocol.ErrProtocolError, "unexpected message type as first frame: "+string(msgType)))
		_ = conn.Close()
	}
}

// Registry exposes the broker's registry for the admin HTTP surface and the
// reaper, both constructed alongside the Server in cmd/relay.
func (s *Server) Registry() *registry.Registry { return s.registry }
