package registry

import "testing"

func TestInstanceHasCapabilityEmptySetAllowsAnything(t *testing.T) {
	inst := newInstance("inst-1", "Proj", "2022.3", "", nil, 10)
	if !inst.HasCapability("anything") {
		t.Error("expected an instance with no advertised capabilities to support everything")
	}
}

func TestInstanceHasCapabilityRespectsAdvertisedSet(t *testing.T) {
	inst := newInstance("inst-1", "Proj", "2022.3", "", []string{"build", "test"}, 10)
	if !inst.HasCapability("build") {
		t.Error("expected HasCapability(build) to be true")
	}
	if inst.HasCapability("deploy") {
		t.Error("expected HasCapability(deploy) to be false")
	}
}

func TestInstanceEnqueueRespectsCapacity(t *testing.T) {
	inst := newInstance("inst-1", "Proj", "2022.3", "", nil, 2)

	if ok := inst.Enqueue(&QueuedCommand{RequestID: "a"}); !ok {
		t.Fatal("expected first Enqueue to succeed")
	}
	if ok := inst.Enqueue(&QueuedCommand{RequestID: "b"}); !ok {
		t.Fatal("expected second Enqueue to succeed")
	}
	if ok := inst.Enqueue(&QueuedCommand{RequestID: "c"}); ok {
		t.Error("expected third Enqueue to fail once queueMax is reached")
	}
}

func TestInstanceDequeueIsFIFO(t *testing.T) {
	inst := newInstance("inst-1", "Proj", "2022.3", "", nil, 10)
	inst.Enqueue(&QueuedCommand{RequestID: "a"})
	inst.Enqueue(&QueuedCommand{RequestID: "b"})

	first, ok := inst.Dequeue()
	if !ok || first.RequestID != "a" {
		t.Fatalf("got %+v, ok=%v", first, ok)
	}
	second, ok := inst.Dequeue()
	if !ok || second.RequestID != "b" {
		t.Fatalf("got %+v, ok=%v", second, ok)
	}
	if _, ok := inst.Dequeue(); ok {
		t.Error("expected Dequeue on an empty queue to return false")
	}
}

func TestInstanceDrainQueue(t *testing.T) {
	inst := newInstance("inst-1", "Proj", "2022.3", "", nil, 10)
	inst.Enqueue(&QueuedCommand{RequestID: "a"})
	inst.Enqueue(&QueuedCommand{RequestID: "b"})

	drained := inst.DrainQueue()
	if len(drained) != 2 {
		t.Fatalf("got %d drained, want 2", len(drained))
	}
	if _, ok := inst.Dequeue(); ok {
		t.Error("expected queue to be empty after DrainQueue")
	}
}

func TestInstancePendingAddTakeSnapshot(t *testing.T) {
	inst := newInstance("inst-1", "Proj", "2022.3", "", nil, 10)
	inst.AddPending(&PendingRequest{RequestID: "req-1", Command: "ping"})

	snap := inst.PendingSnapshot()
	if len(snap) != 1 || snap[0].RequestID != "req-1" {
		t.Fatalf("got %+v", snap)
	}

	p, ok := inst.TakePending("req-1")
	if !ok || p.RequestID != "req-1" {
		t.Fatalf("TakePending: got %+v, ok=%v", p, ok)
	}
	if _, ok := inst.TakePending("req-1"); ok {
		t.Error("expected a second TakePending of the same id to fail")
	}
}

func TestInstanceSetDefaultAndIsDefault(t *testing.T) {
	inst := newInstance("inst-1", "Proj", "2022.3", "", nil, 10)
	if inst.IsDefault() {
		t.Error("expected new instance to not be default")
	}
	inst.setDefault(true)
	if !inst.IsDefault() {
		t.Error("expected IsDefault to be true after setDefault(true)")
	}
}
