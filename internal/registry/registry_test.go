package registry

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/unity-bridge/relay/internal/protocol"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(Config{
		StatusDir:       t.TempDir(),
		QueueEnabled:    true,
		QueueMaxSize:    4,
		RequestCacheTTL: time.Minute,
		Logger:          zap.NewNop(),
	})
}

func TestRegisterFirstInstanceBecomesDefault(t *testing.T) {
	r := testRegistry(t)
	res := r.Register("inst-1", "Proj", "2022.3", "", nil, nil, nil)

	if res.Takeover {
		t.Error("expected the first registration to not be a takeover")
	}
	if !res.Instance.IsDefault() {
		t.Error("expected the first registered instance to become default")
	}
	if res.Instance.State() != StateReady {
		t.Errorf("got state %s, want READY", res.Instance.State())
	}
}

func TestRegisterSecondInstanceIsNotDefault(t *testing.T) {
	r := testRegistry(t)
	r.Register("inst-1", "Proj", "2022.3", "", nil, nil, nil)
	res := r.Register("inst-2", "Proj", "2022.3", "", nil, nil, nil)

	if res.Instance.IsDefault() {
		t.Error("expected the second registered instance to not be default")
	}
}

func TestRegisterSameIDIsTakeover(t *testing.T) {
	r := testRegistry(t)
	first := r.Register("inst-1", "Proj", "2022.3", "", nil, nil, nil)
	first.Instance.state = StateBusy // simulate mid-flight state before takeover

	second := r.Register("inst-1", "NewProj", "2023.1", "", nil, nil, nil)
	if !second.Takeover {
		t.Error("expected re-registering the same instance_id to be a takeover")
	}
	if second.Instance != first.Instance {
		t.Error("expected takeover to reuse the same *Instance")
	}
	if second.Instance.State() != StateReady {
		t.Errorf("expected takeover to reset state to READY, got %s", second.Instance.State())
	}
	if second.Instance.ProjectName != "NewProj" {
		t.Errorf("expected takeover to update project_name, got %q", second.Instance.ProjectName)
	}
}

func TestSetDefault(t *testing.T) {
	r := testRegistry(t)
	r.Register("inst-1", "Proj", "2022.3", "", nil, nil, nil)
	r.Register("inst-2", "Proj", "2022.3", "", nil, nil, nil)

	if err := r.SetDefault("inst-2"); err != nil {
		t.Fatalf("SetDefault: %v", err)
	}
	def, ok := r.Default()
	if !ok || def.InstanceID != "inst-2" {
		t.Errorf("got default=%+v ok=%v", def, ok)
	}

	if err := r.SetDefault("ghost"); err == nil {
		t.Error("expected error setting default to an unregistered instance")
	}
}

func TestListIsSortedByRegistrationOrder(t *testing.T) {
	r := testRegistry(t)
	r.Register("inst-2", "Proj", "2022.3", "", nil, nil, nil)
	time.Sleep(time.Millisecond)
	r.Register("inst-1", "Proj", "2022.3", "", nil, nil, nil)

	list := r.List()
	if len(list) != 2 || list[0].InstanceID != "inst-2" || list[1].InstanceID != "inst-1" {
		t.Errorf("got %v, want registration order [inst-2, inst-1]", list)
	}
}

func TestMarkBusyThenMarkReady(t *testing.T) {
	r := testRegistry(t)
	res := r.Register("inst-1", "Proj", "2022.3", "", nil, nil, nil)

	r.MarkBusy(res.Instance)
	if res.Instance.State() != StateBusy {
		t.Errorf("got %s, want BUSY", res.Instance.State())
	}
	r.MarkReady(res.Instance)
	if res.Instance.State() != StateReady {
		t.Errorf("got %s, want READY", res.Instance.State())
	}
}

func TestMarkBusyIsNoOpWhenNotReady(t *testing.T) {
	r := testRegistry(t)
	res := r.Register("inst-1", "Proj", "2022.3", "", nil, nil, nil)
	r.MarkReloading(res.Instance)

	r.MarkBusy(res.Instance)
	if res.Instance.State() != StateReloading {
		t.Errorf("expected MarkBusy to be a no-op while RELOADING, got %s", res.Instance.State())
	}
}

func TestBeginGraceDisconnectEvictsImmediatelyWhenNotReloading(t *testing.T) {
	r := testRegistry(t)
	res := r.Register("inst-1", "Proj", "2022.3", "", nil, nil, nil)

	held := r.BeginGraceDisconnect(res.Instance)
	if held {
		t.Error("expected immediate eviction for a non-reloading disconnect")
	}
	if _, ok := r.Get("inst-1"); ok {
		t.Error("expected instance to be removed from the registry")
	}
}

func TestBeginGraceDisconnectHoldsWhenReloading(t *testing.T) {
	r := testRegistry(t)
	res := r.Register("inst-1", "Proj", "2022.3", "", nil, nil, nil)
	r.MarkReloading(res.Instance)

	held := r.BeginGraceDisconnect(res.Instance)
	if !held {
		t.Fatal("expected the instance to be held in a grace window")
	}
	if _, ok := r.Get("inst-1"); !ok {
		t.Error("expected instance to still be present during its grace window")
	}
	if res.Instance.State() != StateReloading {
		t.Errorf("got %s, want RELOADING", res.Instance.State())
	}
}

func TestSweepGraceExpiryEvictsOnlyExpiredWindows(t *testing.T) {
	r := testRegistry(t)
	res := r.Register("inst-1", "Proj", "2022.3", "", nil, nil, nil)
	r.MarkReloading(res.Instance)
	r.BeginGraceDisconnect(res.Instance)

	res.Instance.mu.Lock()
	res.Instance.graceUntil = time.Now().Add(-time.Second) // force expiry
	res.Instance.mu.Unlock()

	r.SweepGraceExpiry()
	if _, ok := r.Get("inst-1"); ok {
		t.Error("expected the expired grace window to be evicted")
	}
}

func TestEvictPromotesNewDefault(t *testing.T) {
	r := testRegistry(t)
	first := r.Register("inst-1", "Proj", "2022.3", "", nil, nil, nil)
	r.Register("inst-2", "Proj", "2022.3", "", nil, nil, nil)

	r.evict(first.Instance, StateDisconnected)

	def, ok := r.Default()
	if !ok || def.InstanceID != "inst-2" {
		t.Errorf("got default=%+v ok=%v, want inst-2 promoted", def, ok)
	}
}

func TestFlushTerminalResolvesQueueAndPending(t *testing.T) {
	r := testRegistry(t)
	res := r.Register("inst-1", "Proj", "2022.3", "", nil, nil, nil)

	queuedCh := make(chan Result, 1)
	res.Instance.Enqueue(&QueuedCommand{RequestID: "q-1", ResultCh: queuedCh})

	pendingCh := make(chan Result, 1)
	res.Instance.AddPending(&PendingRequest{RequestID: "p-1", ResultCh: pendingCh})

	r.FlushTerminal(res.Instance, protocol.NewError(protocol.ErrTimeout, "bye"))

	select {
	case got := <-queuedCh:
		if got.Success || got.Error.Code != protocol.ErrTimeout {
			t.Errorf("queued result = %+v", got)
		}
	default:
		t.Error("expected queued command to be resolved")
	}
	select {
	case got := <-pendingCh:
		if got.Success || got.Error.Code != protocol.ErrTimeout {
			t.Errorf("pending result = %+v", got)
		}
	default:
		t.Error("expected pending request to be resolved")
	}
}

func TestApplyAgentStatusTransitions(t *testing.T) {
	r := testRegistry(t)
	res := r.Register("inst-1", "Proj", "2022.3", "", nil, nil, nil)

	r.ApplyAgentStatus(res.Instance, protocol.InstanceStatusBusy)
	if res.Instance.State() != StateBusy {
		t.Errorf("got %s, want BUSY", res.Instance.State())
	}

	r.ApplyAgentStatus(res.Instance, protocol.InstanceStatusReloading)
	if res.Instance.State() != StateReloading {
		t.Errorf("got %s, want RELOADING", res.Instance.State())
	}

	r.ApplyAgentStatus(res.Instance, protocol.InstanceStatusReady)
	if res.Instance.State() != StateReady {
		t.Errorf("got %s, want READY", res.Instance.State())
	}
}
