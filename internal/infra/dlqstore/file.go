package dlqstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/minhvu/mapflow/internal/core/domain"
)

// FileStore keeps one JSON document per entry, named <id>.json, in a single
// directory. A crash between enqueue and Save loses the entry; enable Fsync
// to narrow that window at the cost of a sync per write.
type FileStore struct {
	dir   string
	fsync bool
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string, fsync bool) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create dlq directory: %w", err)
	}
	return &FileStore{dir: dir, fsync: fsync}, nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *FileStore) Save(_ context.Context, entry *domain.Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	f, err := os.OpenFile(s.path(entry.ID), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open entry file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to write entry file: %w", err)
	}
	if s.fsync {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("failed to sync entry file: %w", err)
		}
	}
	return nil
}

func (s *FileStore) Delete(_ context.Context, id string) error {
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete entry file: %w", err)
	}
	return nil
}

// LoadAll scans the directory and reconstitutes the queue. Directory
// iteration order is not guaranteed by the OS, so entries are sorted by the
// monotonic timestamp prefix embedded in the id.
func (s *FileStore) LoadAll(_ context.Context) ([]*domain.Entry, error) {
	files, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read dlq directory: %w", err)
	}

	entries := make([]*domain.Entry, 0, len(files))
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, f.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read entry file %s: %w", f.Name(), err)
		}
		var entry domain.Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			// Skip corrupt files rather than refusing to start.
			continue
		}
		entries = append(entries, &entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		return idTimestamp(entries[i].ID) < idTimestamp(entries[j].ID)
	})
	return entries, nil
}

func (s *FileStore) Close() error { return nil }

// idTimestamp extracts the unixnano prefix from ids of the form
// "dlq-<unixnano>-<suffix>". Unparseable ids sort first.
func idTimestamp(id string) int64 {
	parts := strings.SplitN(id, "-", 3)
	if len(parts) < 3 {
		return 0
	}
	ts, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0
	}
	return ts
}
