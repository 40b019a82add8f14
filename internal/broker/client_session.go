package broker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/unity-bridge/relay/internal/protocol"
	"github.com/unity-bridge/relay/internal/transport"
)

// runClientSession owns a bridgectl connection: it may send any number of
// REQUEST/LIST_INSTANCES/SET_DEFAULT frames over the connection's lifetime,
// each answered independently. REQUEST handling runs in its own goroutine so
// one slow command does not block a client's other in-flight requests on the
// same socket.
func (s *Server) runClientSession(ctx context.Context, conn *transport.Conn, firstFrame []byte) {
	defer conn.Close()

	s.handleClientFrame(ctx, conn, firstFrame)
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			return
		}
		s.handleClientFrame(ctx, conn, frame)
	}
}

func (s *Server) handleClientFrame(ctx context.Context, conn *transport.Conn, frame []byte) {
	msgType, id, err := protocol.PeekType(frame)
	if err != nil {
		if recoveredID, ok := protocol.PeekID(frame); ok {
			_ = conn.Send(protocol.NewErrorFrame(recoveredID, protocol.ErrMalformedJSON, "malformed json"))
		}
		return
	}

	switch msgType {
	case protocol.TypeRequest:
		var req protocol.Request
		if err := protocol.DecodeFrame(frame, &req); err != nil {
			_ = conn.Send(protocol.NewErrorFrame(id, protocol.ErrMalformedJSON, "malformed request"))
			return
		}
		go s.handleRequest(ctx, conn, &req)

	case protocol.TypeListInstances:
		var li protocol.ListInstances
		if err := protocol.DecodeFrame(frame, &li); err != nil {
			_ = conn.Send(protocol.NewErrorFrame(id, protocol.ErrMalformedJSON, "malformed list_instances"))
			return
		}
		summaries := make([]protocol.InstanceSummary, 0, 4)
		for _, inst := range s.registry.List() {
			summaries = append(summaries, inst.Summary())
		}
		_ = conn.Send(&protocol.Instances{
			Type:    protocol.TypeInstances,
			ID:      li.ID,
			Success: true,
			Data:    protocol.InstancesData{Instances: summaries},
		})

	case protocol.TypeSetDefault:
		var sd protocol.SetDefault
		if err := protocol.DecodeFrame(frame, &sd); err != nil {
			_ = conn.Send(protocol.NewErrorFrame(id, protocol.ErrMalformedJSON, "malformed set_default"))
			return
		}
		if err := s.registry.SetDefault(sd.Instance); err != nil {
			_ = conn.Send(protocol.NewErrorFrame(sd.ID, protocol.ErrInstanceNotFound, err.Error()))
			return
		}
		_ = conn.Send(protocol.NewResponseFrame(sd.ID, map[string]any{"instance": sd.Instance}))

	default:
		_ = conn.Send(protocol.NewErrorFrame(id, protocol.ErrProtocolError, "unexpected message type for client connection: "+string(msgType)))
	}
}

func (s *Server) handleRequest(ctx context.Context, conn *transport.Conn, req *protocol.Request) {
	start := time.Now()
	result := Dispatch(ctx, s.registry, req, s.logger)

	outcome := "success"
	if !result.Success {
		outcome = string(result.Error.Code)
	}
	if s.metrics != nil {
		s.metrics.ObserveRequest(req.Command, outcome, time.Since(start).Seconds())
	}

	if result.Success {
		if err := conn.Send(protocol.NewResponseFrame(req.ID, result.Data)); err != nil {
			s.logger.Debug("failed to send response", zap.String("request_id", req.ID), zap.Error(err))
		}
		return
	}
	if err := conn.Send(protocol.NewErrorFrame(req.ID, result.Error.Code, result.Error.Message)); err != nil {
		s.logger.Debug("failed to send error response", zap.String("request_id", req.ID), zap.Error(err))
	}
}
