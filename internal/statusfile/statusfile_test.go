package statusfile

import (
	"encoding/json"
	"os"
	"testing"
	"time"
)

func TestWriterWriteReloadingThenReady(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, "inst-1", "DemoProject", "2022.3.0f1", "localhost", 6500)

	if err := w.WriteReloading(); err != nil {
		t.Fatalf("WriteReloading: %v", err)
	}

	r := NewReader(dir)
	if !r.IsReloading("inst-1") {
		t.Error("expected IsReloading to be true after WriteReloading")
	}

	if err := w.WriteReady(); err != nil {
		t.Fatalf("WriteReady: %v", err)
	}
	if r.IsReloading("inst-1") {
		t.Error("expected IsReloading to be false after WriteReady")
	}
}

func TestWriterSeqIsMonotonic(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, "inst-1", "DemoProject", "2022.3.0f1", "", 0)

	_ = w.WriteReady()
	_ = w.WriteReloading()
	_ = w.WriteReady()

	data, err := os.ReadFile(FilePath(dir, "inst-1"))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec.Seq != 3 {
		t.Errorf("got seq=%d, want 3", rec.Seq)
	}
}

func TestWriterRemove(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, "inst-1", "DemoProject", "2022.3.0f1", "", 0)

	_ = w.WriteReady()
	if err := w.Remove(); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(FilePath(dir, "inst-1")); !os.IsNotExist(err) {
		t.Error("expected status file to be gone")
	}

	// Removing an already-absent file is not an error.
	if err := w.Remove(); err != nil {
		t.Errorf("Remove on missing file: %v", err)
	}
}

func TestReaderReadMissingFileReturnsNoInformation(t *testing.T) {
	r := NewReader(t.TempDir())
	if _, err := r.Read("ghost"); err != ErrNoInformation {
		t.Errorf("got %v, want ErrNoInformation", err)
	}
}

func TestReaderReadStaleFileReturnsNoInformation(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, "inst-1", "", "", "", 0)
	_ = w.WriteReloading()

	r := &Reader{dir: dir, maxAge: 10 * time.Millisecond}
	time.Sleep(20 * time.Millisecond)

	if _, err := r.Read("inst-1"); err != ErrNoInformation {
		t.Errorf("got %v, want ErrNoInformation for a stale file", err)
	}
	if r.IsReloading("inst-1") {
		t.Error("expected IsReloading to be false for a stale file")
	}
}

func TestRecordStale(t *testing.T) {
	now := time.Now().UTC()
	rec := Record{Timestamp: now.Add(-200 * time.Millisecond)}
	if !rec.Stale(now, 100*time.Millisecond) {
		t.Error("expected record older than maxAge to be stale")
	}
	if rec.Stale(now, time.Second) {
		t.Error("expected record within maxAge to not be stale")
	}
}

func TestFilePathIsStableHash(t *testing.T) {
	p1 := FilePath("/tmp", "same-id")
	p2 := FilePath("/tmp", "same-id")
	if p1 != p2 {
		t.Errorf("FilePath not stable for the same instance id: %q vs %q", p1, p2)
	}
	if FilePath("/tmp", "a") == FilePath("/tmp", "b") {
		t.Error("expected different instance ids to hash to different paths")
	}
}
