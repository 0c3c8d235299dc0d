package prompt

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// DirBlockLoader resolves block variables against markdown files in a
// directory: block name "style" maps to <dir>/style.md. Loaded blocks are
// cached for the loader's lifetime.
type DirBlockLoader struct {
	dir string

	mu    sync.Mutex
	cache map[string]string
}

// NewDirBlockLoader creates a loader over dir.
func NewDirBlockLoader(dir string) *DirBlockLoader {
	return &DirBlockLoader{dir: dir, cache: make(map[string]string)}
}

// LoadBlock implements BlockLoader.
func (l *DirBlockLoader) LoadBlock(ctx context.Context, name string) (string, bool, error) {
	if name == "" {
		return "", false, nil
	}

	l.mu.Lock()
	if cached, ok := l.cache[name]; ok {
		l.mu.Unlock()
		return cached, true, nil
	}
	l.mu.Unlock()

	// Block names are identifiers, never paths.
	if strings.ContainsAny(name, `/\.`) {
		return "", false, nil
	}

	data, err := os.ReadFile(filepath.Join(l.dir, name+".md"))
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	value := strings.TrimRight(string(data), "\n")
	l.mu.Lock()
	l.cache[name] = value
	l.mu.Unlock()
	return value, true, nil
}

// MapBlockLoader serves blocks from a fixed in-memory map.
type MapBlockLoader map[string]string

// LoadBlock implements BlockLoader.
func (m MapBlockLoader) LoadBlock(ctx context.Context, name string) (string, bool, error) {
	value, ok := m[name]
	return value, ok, nil
}
