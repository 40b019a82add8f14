package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/unity-bridge/relay/internal/config"
	"github.com/unity-bridge/relay/internal/protocol"
	"github.com/unity-bridge/relay/internal/statusfile"
	"github.com/unity-bridge/relay/internal/transport"
)

// Registry is the broker's in-memory set of registered instances. It is
// safe for concurrent use: the map itself is protected by mu, and every
// instance's own mutable bookkeeping is protected by that instance's own
// lock (see instance.go), giving each instance_id a single logical critical
// section.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*Instance

	Cache        *IdempotencyCache
	statusReader *statusfile.Reader
	queueEnabled bool
	queueMaxSize int
	logger       *zap.Logger
	events       EventPublisher
}

// Config configures a Registry.
type Config struct {
	StatusDir       string
	QueueEnabled    bool
	QueueMaxSize    int
	RequestCacheTTL time.Duration
	Events          EventPublisher
	Logger          *zap.Logger
}

// New creates an empty Registry.
func New(cfg Config) *Registry {
	if cfg.QueueMaxSize <= 0 {
		cfg.QueueMaxSize = config.QueueMaxSize
	}
	if cfg.Events == nil {
		cfg.Events = noopPublisher{}
	}
	return &Registry{
		instances:    make(map[string]*Instance),
		Cache:        NewIdempotencyCache(cfg.RequestCacheTTL),
		statusReader: statusfile.NewReader(cfg.StatusDir),
		queueEnabled: cfg.QueueEnabled,
		queueMaxSize: cfg.QueueMaxSize,
		logger:       cfg.Logger.Named("registry"),
		events:       cfg.Events,
	}
}

// RegisterResult describes the outcome of a Register call.
type RegisterResult struct {
	Instance *Instance
	Takeover bool // an existing entry for this instance_id was supplanted
}

// Register implements registration algorithm steps 2-3: a new
// REGISTER for an instance_id that already exists always wins ("takeover"),
// forcibly closing the previous session and resetting status to READY;
// otherwise a new entry is created, marked default if none exists yet.
//
// The caller (broker/agent_session.go) is responsible for protocol_version
// validation (step 1) before calling Register, since a mismatch never
// reaches the registry at all.
func (r *Registry) Register(instanceID, projectName, unityVersion, secret string, caps []string, conn *transport.Conn, heartbeat *transport.Supervisor) *RegisterResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, found := r.instances[instanceID]
	if found {
		r.takeover(existing, projectName, unityVersion, secret, caps, conn, heartbeat)
		return &RegisterResult{Instance: existing, Takeover: true}
	}

	inst := newInstance(instanceID, projectName, unityVersion, secret, caps, r.queueMaxSize)
	inst.conn = conn
	inst.heartbeat = heartbeat
	r.instances[instanceID] = inst

	if r.defaultLocked() == nil {
		inst.setDefault(true)
	}

	r.logger.Info("instance registered",
		zap.String("instance_id", instanceID),
		zap.String("project_name", projectName),
	)
	r.events.PublishEvent(Event{Type: "instance_registered", InstanceID: instanceID, From: "", To: StateReady, TsMs: nowMs()})
	return &RegisterResult{Instance: inst}
}

// takeover forcibly closes the previous connection bound to existing,
// resets its status to READY, and binds it to the new connection.
func (r *Registry) takeover(existing *Instance, projectName, unityVersion, secret string, caps []string, conn *transport.Conn, heartbeat *transport.Supervisor) {
	existing.mu.Lock()
	prevConn := existing.conn
	prevState := existing.state
	existing.conn = conn
	existing.heartbeat = heartbeat
	existing.state = StateReady
	existing.graceUntil = time.Time{}
	existing.lastSeenAt = time.Now().UTC()
	existing.ProjectName = projectName
	existing.UnityVersion = unityVersion
	existing.Secret = secret
	capSet := make(map[string]struct{}, len(caps))
	for _, c := range caps {
		capSet[c] = struct{}{}
	}
	existing.Capabilities = capSet
	existing.mu.Unlock()

	if prevConn != nil && prevConn != conn {
		_ = prevConn.Close()
	}

	r.logger.Info("instance takeover",
		zap.String("instance_id", existing.InstanceID),
		zap.String("previous_state", string(prevState)),
	)
	r.events.PublishEvent(Event{Type: "instance_takeover", InstanceID: existing.InstanceID, From: prevState, To: StateReady, TsMs: nowMs()})
}

// Get returns the instance for id, if registered.
func (r *Registry) Get(id string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	return inst, ok
}

// Default returns the current default instance, if any.
func (r *Registry) Default() (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst := r.defaultLocked()
	return inst, inst != nil
}

func (r *Registry) defaultLocked() *Instance {
	for _, inst := range r.instances {
		if inst.IsDefault() {
			return inst
		}
	}
	return nil
}

// SetDefault marks id as the default instance, clearing the flag on any
// previous default. Returns an error if id is not registered.
func (r *Registry) SetDefault(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	target, ok := r.instances[id]
	if !ok {
		return fmt.Errorf("registry: instance %q not found", id)
	}
	for _, inst := range r.instances {
		inst.setDefault(false)
	}
	target.setDefault(true)
	return nil
}

// List returns a snapshot of all registered instances, sorted by
// registration order (oldest first) for stable LIST_INSTANCES output.
func (r *Registry) List() []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RegisteredAt.Before(out[j].RegisteredAt)
	})
	return out
}

// StatusFileReloading reports whether id's status file currently (and
// freshly) says "reloading". The broker's out-of-band fallback for
// learning about a reload the in-band STATUS frame never delivered.
func (r *Registry) StatusFileReloading(id string) bool {
	return r.statusReader.IsReloading(id)
}

// MarkReloading transitions inst to RELOADING, from either an in-band
// STATUS frame or a status-file read.
func (r *Registry) MarkReloading(inst *Instance) {
	inst.mu.Lock()
	prev := inst.state
	if prev == StateReloading {
		inst.mu.Unlock()
		return
	}
	inst.state = StateReloading
	if inst.heartbeat != nil {
		inst.heartbeat.SetReloading(true)
	}
	inst.mu.Unlock()

	r.events.PublishEvent(Event{Type: "instance_state_changed", InstanceID: inst.InstanceID, From: prev, To: StateReloading, TsMs: nowMs()})
}

// BeginGraceDisconnect is called when an instance's bound connection is
// lost. If the instance's last known state (in-memory or status-file) was
// RELOADING, it is held in RELOADING for config.GracePeriod instead of being
// evicted immediately. Otherwise it transitions straight to DISCONNECTED and
// is evicted.
//
// Returns true if the instance was held for a grace window (and is still
// present in the registry), false if it was evicted immediately.
func (r *Registry) BeginGraceDisconnect(inst *Instance) bool {
	inst.mu.Lock()
	wasReloading := inst.state == StateReloading
	inst.conn = nil
	inst.mu.Unlock()

	reloadingHint := wasReloading || r.StatusFileReloading(inst.InstanceID)

	if !reloadingHint {
		r.evict(inst, StateDisconnected)
		return false
	}

	inst.mu.Lock()
	prev := inst.state
	inst.state = StateReloading
	inst.graceUntil = time.Now().Add(config.GracePeriod)
	inst.mu.Unlock()

	r.logger.Info("instance held in grace window",
		zap.String("instance_id", inst.InstanceID),
		zap.Duration("grace_period", config.GracePeriod),
	)
	r.events.PublishEvent(Event{Type: "instance_state_changed", InstanceID: inst.InstanceID, From: prev, To: StateReloading, TsMs: nowMs()})
	return true
}

// SweepGraceExpiry is called by the reaper for every instance currently
// inside a grace window. If the window has expired, the instance is evicted
// and its queue/pending requests are flushed with TIMEOUT.
func (r *Registry) SweepGraceExpiry() {
	now := time.Now()
	for _, inst := range r.List() {
		inst.mu.Lock()
		expired := !inst.graceUntil.IsZero() && now.After(inst.graceUntil) && inst.conn == nil
		inst.mu.Unlock()
		if expired {
			r.FlushTerminal(inst, protocol.NewError(protocol.ErrTimeout, "instance disconnected and grace period expired"))
			r.evict(inst, StateDisconnected)
		}
	}
}

// evict removes inst from the registry and, if it was the default, promotes
// the earliest-registered survivor.
func (r *Registry) evict(inst *Instance, finalState State) {
	inst.mu.Lock()
	prevState := inst.state
	inst.state = finalState
	inst.mu.Unlock()

	r.mu.Lock()
	delete(r.instances, inst.InstanceID)
	wasDefault := inst.IsDefault()
	var survivor *Instance
	if wasDefault {
		for _, other := range r.instances {
			if survivor == nil || other.RegisteredAt.Before(survivor.RegisteredAt) {
				survivor = other
			}
		}
		if survivor != nil {
			survivor.setDefault(true)
		}
	}
	r.mu.Unlock()

	r.logger.Info("instance evicted",
		zap.String("instance_id", inst.InstanceID),
		zap.String("final_state", string(finalState)),
	)
	r.events.PublishEvent(Event{Type: "instance_evicted", InstanceID: inst.InstanceID, From: prevState, To: finalState, TsMs: nowMs()})
}

// FlushTerminal resolves every queued command and pending dispatch for inst
// with a terminal error, used when the instance transitions to RELOADING or
// DISCONNECTED with work still outstanding.
func (r *Registry) FlushTerminal(inst *Instance, errDetail *protocol.ErrorDetail) {
	for _, qc := range inst.DrainQueue() {
		qc.ResultCh <- Result{Success: false, Error: errDetail}
	}
	for _, p := range inst.PendingSnapshot() {
		if taken, ok := inst.TakePending(p.RequestID); ok {
			taken.ResultCh <- Result{Success: false, Error: errDetail}
		}
	}
}

// MarkBusy transitions inst to BUSY, used while a command is in flight on
// its connection. A no-op if inst is not currently READY
// (e.g. it slipped into RELOADING or DISCONNECTED concurrently).
func (r *Registry) MarkBusy(inst *Instance) {
	inst.mu.Lock()
	prev := inst.state
	if prev != StateReady {
		inst.mu.Unlock()
		return
	}
	inst.state = StateBusy
	inst.mu.Unlock()
	r.events.PublishEvent(Event{Type: "instance_state_changed", InstanceID: inst.InstanceID, From: prev, To: StateBusy, TsMs: nowMs()})
}

// MarkReady transitions inst back to READY once its in-flight command
// resolves. A no-op if inst has since moved to RELOADING or DISCONNECTED.
func (r *Registry) MarkReady(inst *Instance) {
	inst.mu.Lock()
	prev := inst.state
	if prev != StateBusy {
		inst.mu.Unlock()
		return
	}
	inst.state = StateReady
	inst.mu.Unlock()
	r.events.PublishEvent(Event{Type: "instance_state_changed", InstanceID: inst.InstanceID, From: prev, To: StateReady, TsMs: nowMs()})
}

// QueueEnabled reports whether bounded queueing is enabled broker-wide.
func (r *Registry) QueueEnabled() bool { return r.queueEnabled }

// AttachHeartbeat binds hb as inst's heartbeat supervisor. The broker calls
// it once, right after Register (which it calls with a nil supervisor), so
// that MarkReloading can switch the supervisor to its reload timeout.
func (r *Registry) AttachHeartbeat(inst *Instance, hb *transport.Supervisor) {
	inst.mu.Lock()
	inst.heartbeat = hb
	inst.mu.Unlock()
}

// ApplyAgentStatus folds an in-band STATUS frame into the instance's state
// machine. Unlike MarkBusy/MarkReady, which guard a
// single expected prior state, this accepts a self-reported status from any
// prior state. The agent is authoritative about its own condition.
func (r *Registry) ApplyAgentStatus(inst *Instance, status protocol.InstanceStatus) {
	switch status {
	case protocol.InstanceStatusReloading:
		r.MarkReloading(inst)
	case protocol.InstanceStatusBusy:
		inst.mu.Lock()
		prev := inst.state
		inst.state = StateBusy
		inst.mu.Unlock()
		if prev != StateBusy {
			r.events.PublishEvent(Event{Type: "instance_state_changed", InstanceID: inst.InstanceID, From: prev, To: StateBusy, TsMs: nowMs()})
		}
	case protocol.InstanceStatusReady:
		inst.mu.Lock()
		prev := inst.state
		inst.state = StateReady
		inst.graceUntil = time.Time{}
		inst.mu.Unlock()
		if prev != StateReady {
			r.events.PublishEvent(Event{Type: "instance_state_changed", InstanceID: inst.InstanceID, From: prev, To: StateReady, TsMs: nowMs()})
		}
	case protocol.InstanceStatusError:
		r.logger.Warn("instance reported error status", zap.String("instance_id", inst.InstanceID))
	}
}

func nowMs() int64 { return time.Now().UnixMilli() }
