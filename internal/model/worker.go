package model

import "time"

// RunReport is a worker's view of one bundle it is executing, sent with each checkin.
type RunReport struct {
	BundleUUID     string `json:"bundle_uuid"`
	State          string `json:"state"`
	RunStatus      string `json:"run_status,omitempty"`
	ExitCode       *int   `json:"exitcode,omitempty"`
	FailureMessage string `json:"failure_message,omitempty"`
}

// WorkerInfo is what a worker reports about itself on every checkin.
type WorkerInfo struct {
	Tag      string      `json:"tag,omitempty"`
	Capacity Resources   `json:"capacity"`
	Version  string      `json:"version,omitempty"`
	Runs     []RunReport `json:"runs,omitempty"`
}

// WorkerSnapshot is a read-only view of a worker session used for scheduling.
type WorkerSnapshot struct {
	WorkerID    string    `json:"worker_id"`
	Tag         string    `json:"tag,omitempty"`
	Capacity    Resources `json:"capacity"`
	Free        Resources `json:"free"`
	Bundles     []string  `json:"bundles"`
	Pending     int       `json:"pending_messages"`
	LastCheckin time.Time `json:"last_checkin"`
}

// Load returns the number of bundles currently assigned to the worker.
func (w WorkerSnapshot) Load() int {
	return len(w.Bundles)
}

// RunDependency is a parent of a run bundle together with the location its
// contents should be read from.
type RunDependency struct {
	Dependency
	Location *BundleLocation `json:"location,omitempty"`
}

// RunRequest is the payload of a run message.
type RunRequest struct {
	Bundle       *Bundle         `json:"bundle"`
	Token        int64           `json:"token"`
	Dependencies []RunDependency `json:"dependencies"`
}

// KillRequest is the payload of a kill message.
type KillRequest struct {
	Reason string `json:"reason"`
}

// ReadRequest asks a worker to stream part of a running bundle's contents.
// Bytes [Start, End) are read; a negative End reads to the end of the file.
type ReadRequest struct {
	Path          string `json:"path"`
	Start         int64  `json:"start"`
	End           int64  `json:"end"`
	Head          int    `json:"head,omitempty"`
	Tail          int    `json:"tail,omitempty"`
	MaxLineLength int    `json:"max_line_length,omitempty"`
}

// StatRequest asks a worker to describe a path inside a running bundle.
type StatRequest struct {
	Path  string `json:"path"`
	Depth int    `json:"depth"`
}

// ContentReply is the header a worker attaches to its answer to a read or
// stat request. For reads the body carries the requested bytes.
type ContentReply struct {
	Error string    `json:"error,omitempty"`
	Info  *FileInfo `json:"info,omitempty"`
}
