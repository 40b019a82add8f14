package agent

import (
	"context"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/unity-bridge/relay/internal/protocol"
	"github.com/unity-bridge/relay/internal/statusfile"
	"github.com/unity-bridge/relay/internal/transport"
)

// fakeBroker accepts exactly one connection, reads the REGISTER frame, and
// replies REGISTERED{success:true}. It hands the accepted *transport.Conn to
// the test over a channel so the test can drive the rest of the session.
func fakeBroker(t *testing.T) (addr string, accepted chan *transport.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	accepted = make(chan *transport.Conn, 1)
	go func() {
		raw, err := ln.Accept()
		if err != nil {
			return
		}
		conn := transport.NewConn(raw)
		if _, err := conn.ReadFrame(); err != nil {
			return
		}
		_ = conn.Send(&protocol.Registered{Type: protocol.TypeRegistered, Success: true})
		accepted <- conn
	}()
	return ln.Addr().String(), accepted
}

func TestAgentConnectRegistersAndServesPing(t *testing.T) {
	addr, accepted := fakeBroker(t)

	a := New(Options{
		RelayAddr:    addr,
		InstanceID:   "inst-1",
		ProjectName:  "Proj",
		UnityVersion: "2022.3",
		StatusDir:    t.TempDir(),
		Handlers:     DemoHandlers(),
		Logger:       zap.NewNop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	var brokerConn *transport.Conn
	select {
	case brokerConn = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("broker never accepted a connection")
	}

	cmd := &protocol.Command{Type: protocol.TypeCommand, ID: "c1", Command: "ping"}
	if err := brokerConn.Send(cmd); err != nil {
		t.Fatalf("send COMMAND: %v", err)
	}

	frame, err := brokerConn.ReadFrame()
	if err != nil {
		t.Fatalf("read COMMAND_RESULT: %v", err)
	}
	var result protocol.CommandResult
	if err := protocol.DecodeFrame(frame, &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !result.Success || result.ID != "c1" {
		t.Errorf("got %+v", result)
	}
}

func TestAgentReloadWritesStatusFileAndClosesConnection(t *testing.T) {
	addr, accepted := fakeBroker(t)
	statusDir := t.TempDir()

	a := New(Options{
		RelayAddr:    addr,
		InstanceID:   "inst-1",
		ProjectName:  "Proj",
		UnityVersion: "2022.3",
		StatusDir:    statusDir,
		Handlers:     DemoHandlers(),
		Logger:       zap.NewNop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("broker never accepted a connection")
	}
	// Let the agent finish storing its connection under a.mu before Reload
	// reads it back.
	time.Sleep(20 * time.Millisecond)

	if err := a.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	a.mu.RLock()
	conn := a.conn
	a.mu.RUnlock()
	if conn != nil && !conn.Closed() {
		t.Error("expected Reload to close the connection")
	}
	if !statusfile.NewReader(statusDir).IsReloading("inst-1") {
		t.Error("expected Reload to write a reloading status file")
	}
}

func TestAgentConnectRejectedRegistration(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		raw, err := ln.Accept()
		if err != nil {
			return
		}
		conn := transport.NewConn(raw)
		if _, err := conn.ReadFrame(); err != nil {
			return
		}
		_ = conn.Send(&protocol.Registered{Type: protocol.TypeRegistered, Success: false, Error: protocol.ErrProtocolVersionMismatch})
	}()

	a := New(Options{
		RelayAddr:    ln.Addr().String(),
		InstanceID:   "inst-1",
		ProjectName:  "Proj",
		UnityVersion: "2022.3",
		StatusDir:    t.TempDir(),
		Logger:       zap.NewNop(),
	})

	err = a.connect(context.Background())
	if err == nil {
		t.Error("expected connect to fail on a rejected REGISTER")
	}
}
