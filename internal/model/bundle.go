package model

import "time"

// Bundle type constants.
const (
	BundleTypeDataset = "dataset"
	BundleTypeRun     = "run"
)

// Bundle state constants.
const (
	StateCreated       = "created"
	StateUploading     = "uploading"
	StateStaged        = "staged"
	StatePreparing     = "preparing"
	StateRunning       = "running"
	StateFinalizing    = "finalizing"
	StateReady         = "ready"
	StateFailed        = "failed"
	StateWorkerOffline = "worker_offline"
)

// validTransitions maps each state to the set of states it may transition to.
// Terminal states have no entry. Kill is expressed as a transition to failed
// and is allowed from every non-terminal state.
var validTransitions = map[string]map[string]bool{
	StateCreated: {
		StateUploading: true,
		StateStaged:    true,
		StateFailed:    true,
	},
	StateUploading: {
		StateReady:  true,
		StateFailed: true,
	},
	StateStaged: {
		StatePreparing: true,
		StateFailed:    true,
	},
	StatePreparing: {
		StateRunning:       true,
		StateWorkerOffline: true,
		StateFailed:        true,
	},
	StateRunning: {
		StateFinalizing:    true,
		StateWorkerOffline: true,
		StateFailed:        true,
	},
	StateFinalizing: {
		StateReady:  true,
		StateFailed: true,
	},
	StateWorkerOffline: {
		StateStaged: true,
		StateFailed: true,
	},
}

// ValidTransition reports whether moving a bundle from one state to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether state is final. Terminal bundles never change state again.
func IsTerminal(state string) bool {
	return state == StateReady || state == StateFailed
}

// IsAssigned reports whether a bundle in this state is bound to a worker.
func IsAssigned(state string) bool {
	return state == StatePreparing || state == StateRunning || state == StateFinalizing
}

// AllStates lists every bundle state in lifecycle order.
func AllStates() []string {
	return []string{
		StateCreated, StateUploading, StateStaged, StatePreparing, StateRunning,
		StateFinalizing, StateReady, StateFailed, StateWorkerOffline,
	}
}

// Dependency binds a path inside a child bundle to a path inside a parent bundle.
type Dependency struct {
	ChildUUID  string `json:"child_uuid"`
	ChildPath  string `json:"child_path"`
	ParentUUID string `json:"parent_uuid"`
	ParentPath string `json:"parent_path"`
}

// Resources describes the compute a run bundle requests or a worker offers.
type Resources struct {
	CPUs     int   `json:"cpus"`
	MemoryMB int64 `json:"memory_mb"`
	GPUs     int   `json:"gpus"`
}

// Fits reports whether r can be satisfied by free.
func (r Resources) Fits(free Resources) bool {
	return r.CPUs <= free.CPUs && r.MemoryMB <= free.MemoryMB && r.GPUs <= free.GPUs
}

// Sub returns r minus o.
func (r Resources) Sub(o Resources) Resources {
	return Resources{CPUs: r.CPUs - o.CPUs, MemoryMB: r.MemoryMB - o.MemoryMB, GPUs: r.GPUs - o.GPUs}
}

// Add returns r plus o.
func (r Resources) Add(o Resources) Resources {
	return Resources{CPUs: r.CPUs + o.CPUs, MemoryMB: r.MemoryMB + o.MemoryMB, GPUs: r.GPUs + o.GPUs}
}

// Bundle is the unit of data or computation tracked by the server.
type Bundle struct {
	UUID         string         `json:"uuid"`
	BundleType   string         `json:"bundle_type"`
	OwnerID      string         `json:"owner_id,omitempty"`
	Command      string         `json:"command,omitempty"`
	State        string         `json:"state"`
	StateDetails string         `json:"state_details,omitempty"`
	ErrorMsg     string         `json:"error_msg,omitempty"`
	Dependencies []Dependency   `json:"dependencies"`
	Metadata     map[string]any `json:"metadata"`
	Resources    Resources      `json:"resources"`
	Tag          string         `json:"tag,omitempty"`
	IsDir        bool           `json:"is_dir"`
	DataHash     string         `json:"data_hash,omitempty"`
	WorkerID     string         `json:"worker_id,omitempty"`
	AssignToken  int64          `json:"assign_token"`
	FrozenAt     *time.Time     `json:"frozen_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
}

// Frozen reports whether the bundle has been frozen against further edits.
func (b *Bundle) Frozen() bool {
	return b.FrozenAt != nil
}

// Clone returns a deep copy of b.
func (b *Bundle) Clone() *Bundle {
	c := *b
	c.Dependencies = append([]Dependency(nil), b.Dependencies...)
	if b.Metadata != nil {
		c.Metadata = make(map[string]any, len(b.Metadata))
		for k, v := range b.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// stateDescriptions holds the human-readable text reported as state_details.
var stateDescriptions = map[string]map[string]string{
	BundleTypeDataset: {
		StateCreated:   "Bundle has been created but its contents have not been uploaded yet.",
		StateUploading: "Bundle contents are being uploaded.",
		StateReady:     "Bundle contents have been uploaded successfully.",
		StateFailed:    "Bundle contents failed to upload.",
	},
	BundleTypeRun: {
		StateCreated:       "Bundle has been created but its dependencies are not ready yet.",
		StateStaged:        "All dependencies are ready; waiting for a worker.",
		StatePreparing:     "Bundle has been assigned to a worker which is preparing to run it.",
		StateRunning:       "Bundle command is running.",
		StateFinalizing:    "Bundle command has finished and results are being uploaded.",
		StateReady:         "Bundle command finished and its results are available.",
		StateFailed:        "Bundle failed or was killed.",
		StateWorkerOffline: "The worker running this bundle went offline.",
	},
}

// StateDescription returns the human-readable description of state for the given bundle type.
func StateDescription(bundleType, state string) string {
	return stateDescriptions[bundleType][state]
}
