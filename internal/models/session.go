package models

// SessionState is the top-level view state of a session.
type SessionState string

const (
	SessionStateIdle       SessionState = "idle"
	SessionStateProcessing SessionState = "processing"
	SessionStateResults    SessionState = "results"
)

// FileStatus is the lifecycle status of one tracked file.
type FileStatus string

const (
	FileStatusPending   FileStatus = "pending"
	FileStatusUploading FileStatus = "uploading"
	FileStatusSearching FileStatus = "searching"
	FileStatusDone      FileStatus = "done"
	FileStatusError     FileStatus = "error"
)

// Progress values reported at each stage.
const (
	ProgressPending   = 0
	ProgressUploading = 25
	ProgressSearching = 75
	ProgressDone      = 100
)

// IsTerminal reports whether no further transition is allowed.
func (s FileStatus) IsTerminal() bool {
	return s == FileStatusDone || s == FileStatusError
}

// CanTransition reports whether moving from s to next is a legal step.
func (s FileStatus) CanTransition(next FileStatus) bool {
	switch s {
	case FileStatusPending:
		return next == FileStatusUploading
	case FileStatusUploading:
		return next == FileStatusSearching || next == FileStatusError
	case FileStatusSearching:
		return next == FileStatusDone || next == FileStatusError
	}
	return false
}

// TrackedFile is the per-file upload tracking entry of a batch.
type TrackedFile struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Size          int64      `json:"size"`
	ContentType   string     `json:"contentType,omitempty"`
	Status        FileStatus `json:"status"`
	Progress      int        `json:"progress"` // 0-100
	PreviewHandle string     `json:"previewHandle"`
	Error         string     `json:"error,omitempty"`
}

// NewTrackedFile creates a TrackedFile in pending status.
func NewTrackedFile(id, name string, size int64, contentType, handle string) *TrackedFile {
	return &TrackedFile{
		ID:            id,
		Name:          name,
		Size:          size,
		ContentType:   contentType,
		Status:        FileStatusPending,
		Progress:      ProgressPending,
		PreviewHandle: handle,
	}
}

// Notice is a one-shot, user-facing failure notification for a file.
type Notice struct {
	FileID   string `json:"fileId"`
	FileName string `json:"fileName"`
	Title    string `json:"title"`
	Message  string `json:"message"`
}
