package registry

import (
	"sync"
	"time"

	"github.com/unity-bridge/relay/internal/protocol"
	"github.com/unity-bridge/relay/internal/transport"
)

// Result is what a dispatched or queued command eventually resolves to.
type Result struct {
	Success bool
	Data    any
	Error   *protocol.ErrorDetail
}

// PendingRequest is an in-flight dispatch: a COMMAND has been sent to the
// bound agent connection and the broker is waiting for either a matching
// COMMAND_RESULT or the deadline to pass. Exactly one of {resolved by
// result, resolved by timeout, resolved by queue-flush} ever happens.
type PendingRequest struct {
	RequestID string
	Command   string
	Deadline  time.Time
	ResultCh  chan Result
}

// QueuedCommand is a REQUEST held because its target instance was BUSY when
// it arrived and queueing is enabled.
type QueuedCommand struct {
	RequestID string
	Command   string
	Params    map[string]any
	TimeoutMs int64
	Deadline  time.Time
	ResultCh  chan Result
}

// Instance is one registered agent. All mutable fields are
// protected by mu; callers outside this package must go through the
// exported methods rather than touching fields directly.
type Instance struct {
	InstanceID   string
	ProjectName  string
	UnityVersion string
	Capabilities map[string]struct{}
	Secret       string
	RegisteredAt time.Time

	mu          sync.Mutex
	state       State
	conn        *transport.Conn
	heartbeat   *transport.Supervisor
	isDefault   bool
	lastSeenAt  time.Time
	graceUntil  time.Time // non-zero while the instance is held in a post-disconnect grace window
	queue       []*QueuedCommand
	queueMax    int
	pendingByID map[string]*PendingRequest
}

func newInstance(instanceID, projectName, unityVersion, secret string, caps []string, queueMax int) *Instance {
	capSet := make(map[string]struct{}, len(caps))
	for _, c := range caps {
		capSet[c] = struct{}{}
	}
	now := time.Now().UTC()
	return &Instance{
		InstanceID:   instanceID,
		ProjectName:  projectName,
		UnityVersion: unityVersion,
		Capabilities: capSet,
		Secret:       secret,
		RegisteredAt: now,
		state:        StateReady,
		lastSeenAt:   now,
		queueMax:     queueMax,
		pendingByID:  make(map[string]*PendingRequest),
	}
}

// State returns the instance's current state.
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// HasCapability reports whether cap was advertised at registration. An
// instance that advertised no capabilities at all is treated as supporting
// everything: capabilities are informational and opt-in
func (i *Instance) HasCapability(cap string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if len(i.Capabilities) == 0 {
		return true
	}
	_, ok := i.Capabilities[cap]
	return ok
}

// IsDefault reports whether this instance is the default target for
// REQUESTs that omit an explicit instance.
func (i *Instance) IsDefault() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.isDefault
}

func (i *Instance) setDefault(v bool) {
	i.mu.Lock()
	i.isDefault = v
	i.mu.Unlock()
}

// Conn returns the currently bound transport connection, or nil if none.
func (i *Instance) Conn() *transport.Conn {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.conn
}

// Summary renders the instance for LIST_INSTANCES / the admin debug endpoint.
func (i *Instance) Summary() protocol.InstanceSummary {
	i.mu.Lock()
	defer i.mu.Unlock()
	return protocol.InstanceSummary{
		InstanceID:   i.InstanceID,
		ProjectName:  i.ProjectName,
		UnityVersion: i.UnityVersion,
		Status:       string(i.state),
		IsDefault:    i.isDefault,
	}
}

// Enqueue appends a QueuedCommand to the queue if capacity allows. Returns
// false if the queue is full.
func (i *Instance) Enqueue(qc *QueuedCommand) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if len(i.queue) >= i.queueMax {
		return false
	}
	i.queue = append(i.queue, qc)
	return true
}

// Dequeue pops the oldest queued command, if any.
func (i *Instance) Dequeue() (*QueuedCommand, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if len(i.queue) == 0 {
		return nil, false
	}
	qc := i.queue[0]
	i.queue = i.queue[1:]
	return qc, true
}

// DrainQueue empties the queue, returning everything that was waiting so the
// caller can resolve each with a terminal error.
func (i *Instance) DrainQueue() []*QueuedCommand {
	i.mu.Lock()
	defer i.mu.Unlock()
	drained := i.queue
	i.queue = nil
	return drained
}

// AddPending registers a PendingRequest awaiting a COMMAND_RESULT.
func (i *Instance) AddPending(p *PendingRequest) {
	i.mu.Lock()
	i.pendingByID[p.RequestID] = p
	i.mu.Unlock()
}

// TakePending removes and returns the PendingRequest for id, if present.
// Used both when a COMMAND_RESULT arrives (resolve it) and when sweeping
// expired deadlines (resolve with TIMEOUT); either way the entry is
// removed exactly once, satisfying the "exactly one resolution" invariant.
func (i *Instance) TakePending(id string) (*PendingRequest, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	p, ok := i.pendingByID[id]
	if ok {
		delete(i.pendingByID, id)
	}
	return p, ok
}

// PendingSnapshot returns a copy of the current pending map for the reaper's
// deadline sweep, without holding the instance lock while the sweep runs.
func (i *Instance) PendingSnapshot() []*PendingRequest {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]*PendingRequest, 0, len(i.pendingByID))
	for _, p := range i.pendingByID {
		out = append(out, p)
	}
	return out
}
