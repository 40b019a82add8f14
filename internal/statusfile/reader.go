package statusfile

import (
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/unity-bridge/relay/internal/config"
)

// ErrNoInformation is returned by Reader.Read when the status file is
// missing, unparsable, or stale. Readers tolerate partial or absent files by
// returning "no information", never an error that would block routing.
var ErrNoInformation = errors.New("statusfile: no information")

// Reader reads status files on demand. It never watches the directory:
// blocking the routing path on filesystem notifications is not worth the
// complexity, so every Read is a plain stat+read triggered by a routing or
// disconnect decision.
type Reader struct {
	dir    string
	maxAge time.Duration
}

// NewReader creates a Reader rooted at dir, using config.StatusFileMaxAge as
// the staleness cutoff.
func NewReader(dir string) *Reader {
	return &Reader{dir: dir, maxAge: config.StatusFileMaxAge}
}

// Read returns the status record for instanceID, or ErrNoInformation if the
// file does not exist, cannot be parsed, or is older than the staleness
// cutoff.
func (r *Reader) Read(instanceID string) (Record, error) {
	data, err := os.ReadFile(FilePath(r.dir, instanceID))
	if err != nil {
		return Record{}, ErrNoInformation
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, ErrNoInformation
	}

	if rec.Stale(time.Now().UTC(), r.maxAge) {
		return Record{}, ErrNoInformation
	}

	return rec, nil
}

// IsReloading reports whether instanceID's status file currently (and
// freshly) says "reloading". Any error, including ErrNoInformation, is
// treated as "no, not reloading" by the caller.
func (r *Reader) IsReloading(instanceID string) bool {
	rec, err := r.Read(instanceID)
	return err == nil && rec.Status == StatusReloading
}
