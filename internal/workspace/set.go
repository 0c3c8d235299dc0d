// Package workspace owns the per-user ordered list of storage roots that
// workspace-capable tools consult. Two fixed entries (uploads, and project
// outside container mode) are always present and never persisted;
// user-added entries live in a small JSON file.
package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/loomctl/loom/pkg/models"
)

// FileName is the fixed name of the persisted workspace file, created
// under a per-user directory below the store root.
const FileName = "workspaces.json"

// legacyKey is the pre-array persistence key; dict-shaped values under it
// are migrated to the array form on read and persisted back.
const legacyKey = "local_workspaces"

// ErrFixedEntry is returned when a caller tries to add an entry named
// after one of the fixed roots.
var ErrFixedEntry = errors.New("workspace: uploads and project are fixed entries")

// ErrDuplicate is returned when an entry name is already present.
var ErrDuplicate = errors.New("workspace: entry name already present")

// ErrUnloadable marks a set whose persisted file could not be read; the
// set serves the fixed entries only and refuses writes so the file is
// never overwritten with partial state.
var ErrUnloadable = errors.New("workspace: persisted file unreadable, additions disabled")

// BucketChecker validates that a remote bucket is reachable. A nil checker
// accepts every bucket.
type BucketChecker interface {
	CheckBucket(ctx context.Context, bucket string) error
}

// Store creates per-user workspace sets rooted at a process-relative
// directory.
type Store struct {
	root      string
	container bool
	checker   BucketChecker
	logger    *slog.Logger
}

// NewStore creates a workspace store. container suppresses the project
// entry (a container has no project root).
func NewStore(root string, container bool, checker BucketChecker, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{root: root, container: container, checker: checker, logger: logger}
}

// Set is one user's ordered workspace collection.
//
// Thread Safety:
// Writes are serialized per user; reads are concurrent-safe.
type Set struct {
	store  *Store
	userID string

	mu sync.RWMutex
	// active are the validated user-added entries served to tools.
	active []models.WorkspaceEntry
	// persisted mirrors the file contents, including entries that failed
	// validation; they are excluded from active but never dropped on write.
	persisted  []models.WorkspaceEntry
	unloadable bool
}

// Load reads the user's persisted workspace file and returns the set.
// Invalid entries are excluded from the active set but left in the file.
// An unreadable or malformed file yields a set with only the fixed
// entries; the file is not overwritten.
func (s *Store) Load(ctx context.Context, userID string) *Set {
	set := &Set{store: s, userID: userID}

	raw, err := os.ReadFile(s.filePath(userID))
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Error("workspace file unreadable, serving fixed entries only",
				"user", userID, "error", err)
			set.unloadable = true
		}
		return set
	}

	entries, migrated, err := decodeEntries(raw)
	if err != nil {
		s.logger.Error("workspace file malformed, serving fixed entries only",
			"user", userID, "error", err)
		set.unloadable = true
		return set
	}

	for _, e := range entries {
		if e.Fixed() {
			continue
		}
		set.persisted = append(set.persisted, e)
		if err := s.validate(ctx, e); err != nil {
			s.logger.Warn("workspace entry excluded", "user", userID,
				"entry", e.Name, "error", err)
			continue
		}
		set.active = append(set.active, e)
	}

	if migrated {
		if err := set.persist(); err != nil {
			s.logger.Warn("workspace migration persist failed", "user", userID, "error", err)
		}
	}
	return set
}

// Entries returns the ordered entry list: uploads, project (outside
// container mode), then the valid user-added entries.
func (s *Set) Entries() []models.WorkspaceEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.WorkspaceEntry, 0, len(s.active)+2)
	out = append(out, models.WorkspaceEntry{
		Name:         "uploads",
		Description:  "files uploaded by the user",
		PathOrBucket: filepath.Join(s.store.root, s.userID, "uploads"),
		Type:         models.WorkspaceUploads,
	})
	if !s.store.container {
		if wd, err := os.Getwd(); err == nil {
			out = append(out, models.WorkspaceEntry{
				Name:         "project",
				Description:  "local project root",
				PathOrBucket: wd,
				Type:         models.WorkspaceProject,
			})
		}
	}
	out = append(out, s.active...)
	return out
}

// Add validates, records, and persists a user-added entry. Fixed names are
// rejected; the caller broadcasts the workspace events.
func (s *Set) Add(ctx context.Context, entry models.WorkspaceEntry) error {
	if entry.Fixed() {
		return ErrFixedEntry
	}
	if entry.Name == "" {
		return errors.New("workspace: entry name is required")
	}
	if entry.Type == "" {
		entry.Type = models.WorkspaceLocal
	}
	if err := s.store.validate(ctx, entry); err != nil {
		return fmt.Errorf("workspace: invalid entry %s: %w", entry.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unloadable {
		return ErrUnloadable
	}
	for _, e := range s.persisted {
		if e.Name == entry.Name {
			return ErrDuplicate
		}
	}
	s.active = append(s.active, entry)
	s.persisted = append(s.persisted, entry)
	return s.persist()
}

// persist writes the user-added entries back to the file. Fixed entries
// are filtered out before write. Callers hold s.mu.
func (s *Set) persist() error {
	out := make([]models.WorkspaceEntry, 0, len(s.persisted))
	for _, e := range s.persisted {
		if e.Fixed() {
			continue
		}
		out = append(out, e)
	}

	path := s.store.filePath(s.userID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (s *Store) filePath(userID string) string {
	return filepath.Join(s.root, userID, FileName)
}

// validate excludes entries whose backing storage is unusable: missing
// local paths and unreachable S3 buckets. Azure entries are accepted as-is.
func (s *Store) validate(ctx context.Context, e models.WorkspaceEntry) error {
	switch e.Type {
	case models.WorkspaceLocal, "":
		info, err := os.Stat(e.PathOrBucket)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return fmt.Errorf("not a directory: %s", e.PathOrBucket)
		}
		return nil
	case models.WorkspaceS3:
		if s.checker == nil {
			return nil
		}
		return s.checker.CheckBucket(ctx, e.PathOrBucket)
	case models.WorkspaceAzure:
		return nil
	default:
		return fmt.Errorf("unknown workspace type %q", e.Type)
	}
}

// decodeEntries parses the persisted file, handling the legacy dict shape
// under local_workspaces and entries persisted before the type field
// existed. The migrated flag requests a persist-back.
func decodeEntries(raw []byte) ([]models.WorkspaceEntry, bool, error) {
	var entries []models.WorkspaceEntry
	if err := json.Unmarshal(raw, &entries); err == nil {
		migrated := false
		for i := range entries {
			if entries[i].Type == "" {
				entries[i].Type = models.WorkspaceLocal
				migrated = true
			}
		}
		return entries, migrated, nil
	}

	var legacy struct {
		LocalWorkspaces map[string]string `json:"local_workspaces"`
	}
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return nil, false, err
	}
	if legacy.LocalWorkspaces == nil {
		return nil, false, fmt.Errorf("missing %s key", legacyKey)
	}
	// The dict carries no order; sort by name so the persisted-back array
	// is stable across migrations.
	names := make([]string, 0, len(legacy.LocalWorkspaces))
	for name := range legacy.LocalWorkspaces {
		names = append(names, name)
	}
	sort.Strings(names)
	entries = make([]models.WorkspaceEntry, 0, len(names))
	for _, name := range names {
		entries = append(entries, models.WorkspaceEntry{
			Name:         name,
			PathOrBucket: legacy.LocalWorkspaces[name],
			Type:         models.WorkspaceLocal,
		})
	}
	return entries, true, nil
}
