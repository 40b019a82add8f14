// Package broker implements the relay daemon: the TCP listener that accepts
// both agent and client connections, the per-connection read loops for each,
// and the request-routing state machine.
package broker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/unity-bridge/relay/internal/config"
	"github.com/unity-bridge/relay/internal/protocol"
	"github.com/unity-bridge/relay/internal/registry"
)

// Dispatch routes one REQUEST to its target instance and blocks until a
// result, a terminal error, or ctx cancellation. It implements the
// request-routing steps: idempotency lookup/join, target resolution, the
// RELOADING poll wait, the BUSY queue-or-reject choice, dispatch, and
// result resolution.
func Dispatch(ctx context.Context, reg *registry.Registry, req *protocol.Request, logger *zap.Logger) registry.Result {
	if cached, ok := reg.Cache.Lookup(req.ID); ok {
		return cached
	}

	waitCh, isLeader := reg.Cache.Join(req.ID)
	if !isLeader {
		return awaitResult(ctx, waitCh, requestDeadline(req))
	}

	result := dispatchLeader(ctx, reg, req, logger)
	reg.Cache.Resolve(req.ID, result)
	return result
}

func dispatchLeader(ctx context.Context, reg *registry.Registry, req *protocol.Request, logger *zap.Logger) registry.Result {
	inst, ok := resolveTarget(reg, req.Instance)
	if !ok {
		// The broker holds no in-memory entry for this id (e.g. it just
		// restarted while the agent was mid-reload). Before declaring
		// INSTANCE_NOT_FOUND, check whether the status file fallback channel
		// already knows it is reloading: if so this is the RELOADING path,
		// not a missing instance, so wait for it to re-register.
		if req.Instance == "" || !reg.StatusFileReloading(req.Instance) {
			return errResult(protocol.ErrInstanceNotFound, "no such instance, and no default instance registered")
		}
		var waitOk bool
		inst, waitOk = waitForRegistration(ctx, reg, req.Instance)
		if !waitOk {
			return errResult(protocol.ErrInstanceReloading, "instance is still reloading")
		}
	}

	// RELOADING by either channel: an in-band STATUS frame already folded
	// into inst.State(), or a status file fresher than the broker's
	// in-memory view (the file write can race ahead of the STATUS frame).
	if reloadingByEitherChannel(reg, inst) {
		var waitOk bool
		inst, waitOk = waitForReload(ctx, reg, inst)
		if !waitOk {
			return errResult(protocol.ErrInstanceReloading, "instance is still reloading")
		}
	}

	// Reachability before capability: a disconnected instance is rejected on
	// its own terms rather than as a false CAPABILITY_NOT_SUPPORTED.
	if inst.State() == registry.StateDisconnected {
		return errResult(protocol.ErrInstanceDisconnected, "instance is disconnected")
	}

	if !inst.HasCapability(req.Command) {
		return errResult(protocol.ErrCapabilityNotSupported, "instance does not advertise capability for command "+req.Command)
	}

	if inst.State() == registry.StateBusy {
		if !reg.QueueEnabled() {
			return errResult(protocol.ErrInstanceBusy, "instance is busy")
		}
		return dispatchQueued(ctx, reg, inst, req)
	}

	return dispatchNow(ctx, reg, inst, req, logger)
}

// resolveTarget returns the named instance, or the current default when
// instanceName is empty.
func resolveTarget(reg *registry.Registry, instanceName string) (*registry.Instance, bool) {
	if instanceName != "" {
		return reg.Get(instanceName)
	}
	return reg.Default()
}

// reloadingByEitherChannel reports whether inst should be treated as
// RELOADING, whether that came from the in-band STATUS frame (already
// reflected in inst.State()) or from a fresher status-file record the
// registry hasn't folded in yet.
func reloadingByEitherChannel(reg *registry.Registry, inst *registry.Instance) bool {
	return inst.State() == registry.StateReloading || reg.StatusFileReloading(inst.InstanceID)
}

// waitForRegistration polls for instanceID to appear in the registry. Used
// when a REQUEST names an instance absent from the in-memory map whose
// status file freshly claims "reloading" (the broker restarted, or the
// entry was evicted, while the agent was mid-reload). Returns the instance
// once it re-registers, or false once config.MaxWaitForReloading elapses or
// the status file stops claiming "reloading" (nothing left to wait for).
func waitForRegistration(ctx context.Context, reg *registry.Registry, instanceID string) (*registry.Instance, bool) {
	deadline := time.Now().Add(config.MaxWaitForReloading)
	ticker := time.NewTicker(config.ReloadingPollInterval)
	defer ticker.Stop()

	for {
		if inst, ok := reg.Get(instanceID); ok {
			return inst, true
		}
		if !reg.StatusFileReloading(instanceID) {
			return nil, false
		}
		if time.Now().After(deadline) {
			return nil, false
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-ticker.C:
		}
	}
}

// waitForReload polls the instance's reloading status (re-fetching the entry
// for the same instance_id each round) until it clears on both channels or
// config.MaxWaitForReloading elapses. If the entry is evicted mid-wait it
// gives up; it does not switch to another instance.
func waitForReload(ctx context.Context, reg *registry.Registry, inst *registry.Instance) (*registry.Instance, bool) {
	deadline := time.Now().Add(config.MaxWaitForReloading)
	ticker := time.NewTicker(config.ReloadingPollInterval)
	defer ticker.Stop()

	current := inst
	for {
		if !reloadingByEitherChannel(reg, current) {
			return current, true
		}
		if time.Now().After(deadline) {
			return current, false
		}
		select {
		case <-ctx.Done():
			return current, false
		case <-ticker.C:
			if fresh, ok := reg.Get(current.InstanceID); ok {
				current = fresh
			} else {
				return current, false
			}
		}
	}
}

// dispatchQueued enqueues req on a BUSY instance's FIFO and blocks for a
// result, a queue-drain terminal error, or config.CommandTimeout, whichever
// comes first.
func dispatchQueued(ctx context.Context, reg *registry.Registry, inst *registry.Instance, req *protocol.Request) registry.Result {
	resultCh := make(chan registry.Result, 1)
	qc := &registry.QueuedCommand{
		RequestID: req.ID,
		Command:   req.Command,
		Params:    req.Params,
		TimeoutMs: req.TimeoutMs,
		Deadline:  time.Now().Add(commandTimeout(req)),
		ResultCh:  resultCh,
	}
	if ok := inst.Enqueue(qc); !ok {
		return errResult(protocol.ErrQueueFull, "instance command queue is full")
	}
	return awaitResult(ctx, resultCh, qc.Deadline)
}

// dispatchNow sends req straight to inst's bound connection and waits for
// the matching COMMAND_RESULT.
func dispatchNow(ctx context.Context, reg *registry.Registry, inst *registry.Instance, req *protocol.Request, logger *zap.Logger) registry.Result {
	conn := inst.Conn()
	if conn == nil {
		return errResult(protocol.ErrInstanceDisconnected, "instance has no active connection")
	}

	deadline := time.Now().Add(commandTimeout(req))
	resultCh := make(chan registry.Result, 1)
	reg.MarkBusy(inst)
	inst.AddPending(&registry.PendingRequest{
		RequestID: req.ID,
		Command:   req.Command,
		Deadline:  deadline,
		ResultCh:  resultCh,
	})

	cmd := &protocol.Command{
		Type:      protocol.TypeCommand,
		ID:        req.ID,
		Command:   req.Command,
		Params:    req.Params,
		TimeoutMs: req.TimeoutMs,
	}
	if err := conn.Send(cmd); err != nil {
		inst.TakePending(req.ID)
		reg.MarkReady(inst)
		logger.Warn("failed to dispatch command", zap.String("instance_id", inst.InstanceID), zap.Error(err))
		go processQueue(reg, inst, logger)
		return errResult(protocol.ErrInstanceDisconnected, "failed to send command to instance")
	}

	result := awaitResult(ctx, resultCh, deadline)
	if result.Error != nil && result.Error.Code == protocol.ErrTimeout {
		inst.TakePending(req.ID)
	}
	reg.MarkReady(inst)
	go processQueue(reg, inst, logger)
	return result
}

// processQueue pops the next FIFO command off a newly-READY instance's queue
// (if any) and dispatches it, delivering the result to the waiter that
// enqueued it. Runs detached from the request that triggered it, since that
// request's own context may already be done by the time the instance frees
// up.
func processQueue(reg *registry.Registry, inst *registry.Instance, logger *zap.Logger) {
	qc, ok := inst.Dequeue()
	if !ok {
		return
	}
	req := &protocol.Request{
		ID:        qc.RequestID,
		Command:   qc.Command,
		Params:    qc.Params,
		TimeoutMs: qc.TimeoutMs,
	}
	qc.ResultCh <- dispatchNow(context.Background(), reg, inst, req, logger)
}

// awaitResult blocks on ch until it delivers, ctx is cancelled, or deadline
// passes, whichever is first. The single waiting primitive shared by the
// idempotency-follower path, the queued path, and the direct-dispatch path.
func awaitResult(ctx context.Context, ch chan registry.Result, deadline time.Time) registry.Result {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case result := <-ch:
		return result
	case <-timer.C:
		return errResult(protocol.ErrTimeout, "command did not complete before its deadline")
	case <-ctx.Done():
		return errResult(protocol.ErrTimeout, "request cancelled")
	}
}

func commandTimeout(req *protocol.Request) time.Duration {
	if req.TimeoutMs > 0 {
		return time.Duration(req.TimeoutMs) * time.Millisecond
	}
	return config.CommandTimeout
}

func requestDeadline(req *protocol.Request) time.Time {
	return time.Now().Add(commandTimeout(req))
}

func errResult(code protocol.ErrorCode, message string) registry.Result {
	return registry.Result{Success: false, Error: protocol.NewError(code, message)}
}
