package client

// StartProcessRequest describes a process to track.
type StartProcessRequest struct {
	// ProcessID is optional; leave empty to let the server generate one.
	ProcessID string
	Name      string
	Metadata  map[string]any
	// ParentID links a sub-process to its parent run.
	ParentID string
}

// EndProcessRequest finishes a tracked process.
type EndProcessRequest struct {
	ProcessID string
	// Status must be "completed" or "error".
	Status   string
	Metadata map[string]any
}

// Terminal status values accepted by EndProcess.
const (
	StatusCompleted = "completed"
	StatusError     = "error"
)

type notifyRequest struct {
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type startProcessBody struct {
	ProcessID string         `json:"process_id,omitempty"`
	Name      string         `json:"name"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	ParentID  string         `json:"parent_id,omitempty"`
}

type endProcessBody struct {
	ProcessID string         `json:"process_id"`
	Status    string         `json:"status"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}
