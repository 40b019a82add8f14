package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/unity-bridge/relay/internal/protocol"
)

func TestConnSendReadFrameRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	clientConn := NewConn(client)
	serverConn := NewConn(server)

	done := make(chan error, 1)
	go func() {
		done <- clientConn.Send(&protocol.Ping{Type: protocol.TypePing, Ts: 42})
	}()

	raw, err := serverConn.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Send: %v", err)
	}

	var ping protocol.Ping
	if err := protocol.DecodeFrame(raw, &ping); err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if ping.Ts != 42 {
		t.Errorf("got ts=%d, want 42", ping.Ts)
	}
}

func TestConnCloseIsIdempotent(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	c := NewConn(client)
	if err := c.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if !c.Closed() {
		t.Error("expected Closed() to be true")
	}
}

func TestConnSendAfterCloseReturnsErrClosed(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	c := NewConn(client)
	_ = c.Close()

	if err := c.Send(&protocol.Ping{Type: protocol.TypePing, Ts: 1}); err != ErrClosed {
		t.Errorf("got %v, want ErrClosed", err)
	}
}

func TestConnReadFrameAfterCloseReturnsErrClosed(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	c := NewConn(server)
	_ = c.Close()

	if _, err := c.ReadFrame(); err != ErrClosed {
		t.Errorf("got %v, want ErrClosed", err)
	}
}

func TestConnSendContextCancelledWhileWaitingForLock(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := NewConn(client)

	// Drain the send lock so SendContext must wait on it.
	<-c.sendLock

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.SendContext(ctx, &protocol.Ping{Type: protocol.TypePing, Ts: 1})
	if err != context.Canceled {
		t.Errorf("got %v, want context.Canceled", err)
	}

	c.sendLock <- struct{}{}
}

func TestConnConcurrentSendsAreSerialized(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := NewConn(client)
	const n = 20

	readDone := make(chan int, 1)
	go func() {
		serverConn := NewConn(server)
		count := 0
		for count < n {
			if _, err := serverConn.ReadFrame(); err != nil {
				break
			}
			count++
		}
		readDone <- count
	}()

	sendDone := make(chan struct{})
	for i := 0; i < n; i++ {
		go func(i int) {
			_ = c.Send(&protocol.Ping{Type: protocol.TypePing, Ts: int64(i)})
			sendDone <- struct{}{}
		}(i)
	}
	for i := 0; i < n; i++ {
		<-sendDone
	}

	select {
	case got := <-readDone:
		if got != n {
			t.Errorf("read %d frames, want %d", got, n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reads")
	}
}
