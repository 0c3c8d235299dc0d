package models

// WorkspaceType identifies the storage backing a workspace entry.
type WorkspaceType string

const (
	WorkspaceLocal   WorkspaceType = "local"
	WorkspaceS3      WorkspaceType = "s3"
	WorkspaceAzure   WorkspaceType = "azure"
	WorkspaceUploads WorkspaceType = "uploads"
	WorkspaceProject WorkspaceType = "project"
)

// WorkspaceEntry is one storage root visible to workspace-capable tools.
// The uploads and project entries are fixed per user and never persisted.
type WorkspaceEntry struct {
	Name         string        `json:"name"`
	Description  string        `json:"description,omitempty"`
	PathOrBucket string        `json:"path_or_bucket"`
	ReadOnly     bool          `json:"read_only"`
	Type         WorkspaceType `json:"type"`
}

// Fixed returns whether the entry is one of the per-user fixed roots.
func (e WorkspaceEntry) Fixed() bool {
	return e.Name == "uploads" || e.Name == "project"
}
