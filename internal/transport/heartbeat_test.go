package transport

import (
	"net"
	"testing"

	"go.uber.org/zap"

	"github.com/unity-bridge/relay/internal/config"
	"github.com/unity-bridge/relay/internal/protocol"
)

func TestSupervisorFailInvokesOnDisconnectAtBudget(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	conn := NewConn(client)
	disconnected := 0
	sup := NewSupervisor(conn, zap.NewNop(), func() { disconnected++ })

	failures := 0
	for i := 0; i < config.MaxConsecutiveFailures-1; i++ {
		if stopped := sup.fail(&failures); stopped {
			t.Fatalf("fail() stopped early at failure %d", i+1)
		}
	}
	if disconnected != 0 {
		t.Fatalf("onDisconnect called before budget exhausted")
	}
	if stopped := sup.fail(&failures); !stopped {
		t.Fatal("fail() should report true once the budget is exhausted")
	}
	if disconnected != 1 {
		t.Errorf("onDisconnect called %d times, want 1", disconnected)
	}
}

func TestSupervisorHandlePongDropsWhenFull(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	conn := NewConn(client)
	sup := NewSupervisor(conn, zap.NewNop(), func() {})

	sup.HandlePong(protocol.Pong{EchoTs: 1})
	sup.HandlePong(protocol.Pong{EchoTs: 2}) // should not block, just dropped

	select {
	case p := <-sup.pongCh:
		if p.EchoTs != 1 {
			t.Errorf("got echo_ts=%d, want 1", p.EchoTs)
		}
	default:
		t.Fatal("expected the first pong to be buffered")
	}
}
