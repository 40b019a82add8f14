package statusfile

import (
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"
	"time"
)

// Writer writes this agent process's status file. One Writer is created per
// agent process; its seq counter is monotonic for the process's lifetime,
// generated with atomic increment so concurrent writers within the process
// (e.g. a signal-triggered reload racing a normal status update) cannot
// produce duplicate or out-of-order sequence numbers.
type Writer struct {
	dir          string
	instanceID   string
	projectName  string
	unityVersion string
	relayHost    string
	relayPort    int

	seq atomic.Int64
}

// NewWriter creates a Writer for the given instance. relayHost/relayPort are
// recorded in every status file so the broker (or an operator) can confirm
// which broker endpoint an agent last reported toward.
func NewWriter(dir, instanceID, projectName, unityVersion, relayHost string, relayPort int) *Writer {
	return &Writer{
		dir:          dir,
		instanceID:   instanceID,
		projectName:  projectName,
		unityVersion: unityVersion,
		relayHost:    relayHost,
		relayPort:    relayPort,
	}
}

// WriteReloading writes a status file with status "reloading" and a fresh
// seq. Called synchronously, before the reload proper begins.
func (w *Writer) WriteReloading() error {
	return w.write(StatusReloading)
}

// WriteReady writes a status file with status "ready" and a fresh seq.
// Called after the agent reconnects and re-registers following a reload.
func (w *Writer) WriteReady() error {
	return w.write(StatusReady)
}

// Remove deletes the status file, called on clean agent shutdown so the
// broker never reads a stale "reloading" record for an instance that is
// simply gone.
func (w *Writer) Remove() error {
	if err := os.Remove(FilePath(w.dir, w.instanceID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("statusfile: remove: %w", err)
	}
	return nil
}

func (w *Writer) write(status Status) error {
	rec := Record{
		InstanceID:   w.instanceID,
		ProjectName:  w.projectName,
		UnityVersion: w.unityVersion,
		Status:       status,
		RelayHost:    w.relayHost,
		RelayPort:    w.relayPort,
		Timestamp:    time.Now().UTC(),
		Seq:          w.seq.Add(1),
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("statusfile: marshal: %w", err)
	}

	if err := os.MkdirAll(w.dir, 0o750); err != nil {
		return fmt.Errorf("statusfile: mkdir: %w", err)
	}

	target := FilePath(w.dir, w.instanceID)
	tmp, err := os.CreateTemp(w.dir, "status-*.tmp")
	if err != nil {
		return fmt.Errorf("statusfile: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("statusfile: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("statusfile: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return fmt.Errorf("statusfile: rename: %w", err)
	}
	ok = true
	return nil
}
