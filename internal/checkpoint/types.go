package checkpoint

import (
	"errors"
	"time"
)

// FileEntry records one snapshotted file.
type FileEntry struct {
	// Path is the original absolute path.
	Path string `json:"path"`

	// Blob is the content file name under the checkpoint's blobs directory.
	Blob string `json:"blob"`

	// Mode is the original file permission bits.
	Mode uint32 `json:"mode"`

	// Size is the original content length in bytes.
	Size int64 `json:"size"`

	// Digest is the xxhash of the original content, checked on restore.
	Digest string `json:"digest"`
}

// Checkpoint is the manifest of one snapshot.
type Checkpoint struct {
	ID             string      `json:"id"`
	RunID          string      `json:"run_id"`
	GroupSignature string      `json:"group_signature"`
	CreatedAt      time.Time   `json:"created_at"`
	Files          []FileEntry `json:"files"`
}

// SaveRequest asks for a snapshot of a task group's files.
type SaveRequest struct {
	RunID          string
	GroupSignature string
	Files          []string
}

// ErrCheckpointNotFound indicates an unknown checkpoint ID.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// ErrManifestCorrupt indicates a checkpoint whose manifest or blobs do not
// match what was recorded at save time.
var ErrManifestCorrupt = errors.New("checkpoint manifest corrupt")
