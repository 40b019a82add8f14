// Package statusfile implements the cross-process status-file fallback
// channel: the agent writes a small JSON record before a
// potentially destructive reload so the broker can apply grace-period
// semantics even when the in-band STATUS frame never arrives.
package statusfile

import (
	"crypto/sha1"
	"encoding/hex"
	"path/filepath"
	"time"
)

// Status is the status file's status enum, narrower than the wire
// protocol's InstanceStatus (only "ready" and "reloading" are ever written).
type Status string

const (
	StatusReady     Status = "ready"
	StatusReloading Status = "reloading"
)

// Record is the JSON shape of one status file.
type Record struct {
	InstanceID   string    `json:"instance_id"`
	ProjectName  string    `json:"project_name"`
	UnityVersion string    `json:"unity_version"`
	Status       Status    `json:"status"`
	RelayHost    string    `json:"relay_host"`
	RelayPort    int       `json:"relay_port"`
	Timestamp    time.Time `json:"timestamp"`
	Seq          int64     `json:"seq"`
}

// Stale reports whether the record is older than maxAge as of now.
func (r Record) Stale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(r.Timestamp) > maxAge
}

// hashInstanceID returns the first 8 lowercase hex characters (4 bytes) of
// SHA-1(instanceID), used in the status-<hash8>.json file name.
func hashInstanceID(instanceID string) string {
	sum := sha1.Sum([]byte(instanceID))
	return hex.EncodeToString(sum[:4])
}

// FilePath returns the path a status file for instanceID lives at under dir.
func FilePath(dir, instanceID string) string {
	return filepath.Join(dir, "status-"+hashInstanceID(instanceID)+".json")
}
