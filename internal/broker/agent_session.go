package broker

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/unity-bridge/relay/internal/config"
	"github.com/unity-bridge/relay/internal/protocol"
	"github.com/unity-bridge/relay/internal/registry"
	"github.com/unity-bridge/relay/internal/transport"
)

// runAgentSession owns a connection from REGISTER through to disconnect: it
// validates and registers the agent, starts its heartbeat supervisor, and
// then reads STATUS/COMMAND_RESULT/PONG frames until the connection breaks.
func (s *Server) runAgentSession(ctx context.Context, conn *transport.Conn, firstFrame []byte) {
	var reg protocol.Register
	if err := protocol.DecodeFrame(firstFrame, &reg); err != nil {
		_ = conn.Send(&protocol.Registered{Type: protocol.TypeRegistered, Success: false, Error: protocol.ErrMalformedJSON})
		_ = conn.Close()
		return
	}

	if reg.ProtocolVersion != config.ProtocolVersion {
		_ = conn.Send(&protocol.Registered{Type: protocol.TypeRegistered, Success: false, Error: protocol.ErrProtocolVersionMismatch})
		_ = conn.Close()
		return
	}

	result := s.registry.Register(reg.InstanceID, reg.ProjectName, reg.UnityVersion, reg.ProtocolSecret, reg.Capabilities, conn, nil)
	inst := result.Instance

	g, sessionCtx := errgroup.WithContext(ctx)
	sessionCtx, cancel := context.WithCancel(sessionCtx)
	defer cancel()

	hb := transport.NewSupervisor(conn, s.logger, func() {
		// Closing the connection unblocks the blocking ReadFrame in
		// agentReadLoop, which then drives the single BeginGraceDisconnect
		// call in this function's own cleanup below.
		_ = conn.Close()
		cancel()
	})
	s.registry.AttachHeartbeat(inst, hb)
	g.Go(func() error {
		hb.Run(sessionCtx)
		return nil
	})

	if err := conn.Send(&protocol.Registered{
		Type:                protocol.TypeRegistered,
		Success:             true,
		HeartbeatIntervalMs: config.HeartbeatInterval.Milliseconds(),
	}); err != nil {
		s.logger.Warn("failed to send REGISTERED", zap.String("instance_id", reg.InstanceID), zap.Error(err))
		_ = conn.Close()
		s.registry.BeginGraceDisconnect(inst)
		return
	}

	s.logger.Info("agent registered",
		zap.String("instance_id", reg.InstanceID),
		zap.String("project_name", reg.ProjectName),
		zap.Bool("takeover", result.Takeover),
	)

	g.Go(func() error {
		s.agentReadLoop(sessionCtx, conn, inst, hb)
		cancel()
		return nil
	})
	_ = g.Wait()

	_ = conn.Close()
	// After a takeover the entry is bound to the newer connection; this
	// session's loss must not unbind or evict it.
	if inst.Conn() == conn {
		s.registry.BeginGraceDisconnect(inst)
	}
}

// agentReadLoop reads frames from an agent connection until it breaks.
// Every frame type it does not recognize is logged and ignored rather than
// treated as transport-fatal, since an agent that sends an unexpected but
// well-formed frame should not be disconnected over it.
func (s *Server) agentReadLoop(ctx context.Context, conn *transport.Conn, inst *registry.Instance, hb *transport.Supervisor) {
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			s.logger.Debug("agent connection closed", zap.String("instance_id", inst.InstanceID), zap.Error(err))
			return
		}

		msgType, id, err := protocol.PeekType(frame)
		if err != nil {
			s.logger.Warn("malformed frame from agent, closing connection", zap.String("instance_id", inst.InstanceID), zap.Error(err))
			return
		}

		switch msgType {
		case protocol.TypeStatus:
			var st protocol.Status
			if err := protocol.DecodeFrame(frame, &st); err != nil {
				continue
			}
			s.registry.ApplyAgentStatus(inst, st.Status)

		case protocol.TypeCommandResult:
			var cr protocol.CommandResult
			if err := protocol.DecodeFrame(frame, &cr); err != nil {
				continue
			}
			if pending, ok := inst.TakePending(cr.ID); ok {
				pending.ResultCh <- registry.Result{Success: cr.Success, Data: cr.Data, Error: cr.Error}
			}

		case protocol.TypePong:
			var pong protocol.Pong
			if err := protocol.DecodeFrame(frame, &pong); err != nil {
				continue
			}
			hb.HandlePong(pong)

		default:
			s.logger.Debug("unexpected message type from agent", zap.String("instance_id", inst.InstanceID), zap.String("type", string(msgType)), zap.String("id", id))
		}

		if ctx.Err() != nil {
			return
		}
	}
}
