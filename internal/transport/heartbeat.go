package transport

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/unity-bridge/relay/internal/config"
	"github.com/unity-bridge/relay/internal/protocol"
)

// Supervisor is the broker-initiated, agent-only heartbeat loop. It never
// has more than one PING outstanding at a time: the next PING is not sent
// until the previous one is acknowledged or has timed out.
//
// On config.MaxConsecutiveFailures consecutive timeouts it calls onDisconnect
// exactly once and stops. While Reloading is set, a single
// config.ReloadTimeout-wide wait replaces the failure-counted scheme: the
// reload timeout substitutes for the normal timeout budget, suppressing
// DISCONNECTED transitions until it expires.
type Supervisor struct {
	conn         *Conn
	logger       *zap.Logger
	onDisconnect func()

	reloading atomic.Bool
	pongCh    chan protocol.Pong

	// lastSentTs is observational only (RTT has no actionable use beyond
	// logging). Loss, not latency, is the signal this supervisor acts on.
	lastSentTs atomic.Int64
}

// NewSupervisor creates a Supervisor bound to conn. Call Run in its own
// goroutine; call HandlePong whenever a PONG frame is read for this
// connection.
func NewSupervisor(conn *Conn, logger *zap.Logger, onDisconnect func()) *Supervisor {
	return &Supervisor{
		conn:         conn,
		logger:       logger.Named("heartbeat"),
		onDisconnect: onDisconnect,
		pongCh:       make(chan protocol.Pong, 1),
	}
}

// SetReloading toggles the reload-timeout substitution described above.
func (s *Supervisor) SetReloading(reloading bool) {
	s.reloading.Store(reloading)
}

// HandlePong delivers an inbound PONG to the waiting Run loop. Safe to call
// from the connection's reader goroutine. A PONG that arrives after its
// round has already timed out is silently dropped (the channel send is
// non-blocking). This is a no-op duplicate, not an error.
func (s *Supervisor) HandlePong(p protocol.Pong) {
	select {
	case s.pongCh <- p:
	default:
	}
}

// Run drives the heartbeat loop until ctx is cancelled or the consecutive
// failure budget is exhausted. It sends exactly one PING per round and waits
// for either its PONG or a timeout before starting the next round.
func (s *Supervisor) Run(ctx context.Context) {
	failures := 0
	ticker := time.NewTicker(config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		roundStart := time.Now()
		ts := roundStart.UnixMilli()
		s.lastSentTs.Store(ts)

		if err := s.conn.Send(&protocol.Ping{Type: protocol.TypePing, Ts: ts}); err != nil {
			s.logger.Warn("failed to send PING", zap.Error(err))
			if s.fail(&failures) {
				return
			}
			continue
		}

		budget := config.HeartbeatTimeout
		if s.reloading.Load() {
			budget = config.ReloadTimeout
		}

		timer := time.NewTimer(budget)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case pong := <-s.pongCh:
			timer.Stop()
			s.logger.Debug("heartbeat ack",
				zap.Int64("echo_ts", pong.EchoTs),
				zap.Duration("rtt", time.Since(roundStart)),
			)
			failures = 0
		case <-timer.C:
			if s.reloading.Load() {
				// Single reload-window timeout: disconnect directly rather
				// than accumulating against the normal failure budget.
				s.logger.Warn("heartbeat timed out during reload window")
				s.onDisconnect()
				return
			}
			if s.fail(&failures) {
				return
			}
		}
	}
}

// fail increments the consecutive-failure counter and, once it reaches
// config.MaxConsecutiveFailures, invokes onDisconnect and reports true so Run
// can stop.
func (s *Supervisor) fail(failures *int) bool {
	*failures++
	s.logger.Warn("heartbeat timeout", zap.Int("consecutive_failures", *failures))
	if *failures >= config.MaxConsecutiveFailures {
		s.onDisconnect()
		return true
	}
	return false
}
