// Package transport implements the framed message transport shared by the
// broker, the agent SDK, and the client engine: a bufio-backed frame reader,
// a per-connection send lock that serializes concurrent writers, and a
// heartbeat supervisor with single-outstanding PING semantics.
//
// The send lock is a required invariant, not an optimization:
// several asynchronous producers (command dispatch, status forwarding, pong
// replies) can all want to write to the same socket concurrently, and
// interleaving two frames' headers and bodies would corrupt the stream for
// every frame after it.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/unity-bridge/relay/internal/config"
	"github.com/unity-bridge/relay/internal/protocol"
)

// ErrSendTimeout is returned by Send when the per-connection send lock could
// not be acquired within config.SendDeadline. The connection is presumed
// wedged and the caller should treat this like any other write failure.
var ErrSendTimeout = errors.New("transport: send lock acquisition timed out")

// ErrClosed is returned by Send/ReadFrame once the connection has been closed.
var ErrClosed = errors.New("transport: connection closed")

// Conn wraps a net.Conn with frame-aware reads and mutex-serialized,
// deadline-bounded writes. One Conn is created per accepted or dialed
// socket and shared by every goroutine that needs to write to it.
type Conn struct {
	raw    net.Conn
	reader *bufio.Reader

	sendLock chan struct{} // 1-buffered semaphore; see lockSend/unlockSend
	closed   atomic.Bool
	closeMu  sync.Mutex
}

// NewConn wraps raw in a Conn ready for framed reads and writes.
func NewConn(raw net.Conn) *Conn {
	c := &Conn{
		raw:      raw,
		reader:   bufio.NewReader(raw),
		sendLock: make(chan struct{}, 1),
	}
	c.sendLock <- struct{}{}
	return c
}

// RemoteAddr returns the underlying connection's remote address.
func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

// ReadFrame blocks until one full frame has been read, or returns an error
// if the underlying read fails, the connection is closed, or the frame
// violates the length constraints. Every such error is transport-fatal: the
// caller must close the connection.
func (c *Conn) ReadFrame() ([]byte, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	return protocol.ReadFrame(c.reader)
}

// Send serializes v to a frame and writes it, holding the send lock for the
// duration of the write. Acquisition of the lock itself is bounded by
// config.SendDeadline ("pending sends complete or abort within a
// bounded deadline (≤500ms) so shutdown cannot block indefinitely").
func (c *Conn) Send(v any) error {
	return c.SendContext(context.Background(), v)
}

// SendContext is Send with an additional caller-supplied cancellation signal,
// honored while waiting for the send lock (not while the write syscall itself
// is in flight: net.Conn writes are not preemptible without a deadline,
// which SetWriteDeadline below provides).
func (c *Conn) SendContext(ctx context.Context, v any) error {
	if c.closed.Load() {
		return ErrClosed
	}

	frame, err := protocol.EncodeFrame(v)
	if err != nil {
		return err
	}

	timer := time.NewTimer(config.SendDeadline)
	defer timer.Stop()

	select {
	case <-c.sendLock:
		defer func() { c.sendLock <- struct{}{} }()
	case <-timer.C:
		return ErrSendTimeout
	case <-ctx.Done():
		return ctx.Err()
	}

	if c.closed.Load() {
		return ErrClosed
	}

	_ = c.raw.SetWriteDeadline(time.Now().Add(config.SendDeadline))
	if _, err := c.raw.Write(frame); err != nil {
		return fmt.Errorf("transport: write frame: %w", err)
	}
	return nil
}

// Close closes the underlying connection. Safe to call more than once and
// from multiple goroutines.
func (c *Conn) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed.Swap(true) {
		return nil
	}
	return c.raw.Close()
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool { return c.closed.Load() }
