package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/fieldgate-io/fieldgate/internal/protocol"
)

// Optional restart survival for the outage queue. The snapshot is
// best-effort and at-least-once: a crash between a replayed send and the
// next snapshot flush re-sends that frame after restart. The remote side
// must tolerate duplicates.

type snapshotFile struct {
	Serial  string        `json:"serial"`
	SavedAt time.Time     `json:"saved_at"`
	Entries []entryRecord `json:"entries"`
}

type entryRecord struct {
	ID         string    `json:"id"`
	Raw        string    `json:"raw"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Store persists queue snapshots under a directory, one file per serial.
type Store struct {
	dir string
}

// NewStore creates a snapshot store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) path(serial string) string {
	if serial == "" {
		serial = "unknown"
	}
	return filepath.Join(s.dir, serial+".queue.json")
}

// Load reads the persisted queue for a device serial. Missing snapshots
// return an empty slice and no error. Entries that no longer parse are
// skipped rather than failing the whole load.
func (s *Store) Load(serial string) ([]Entry, error) {
	data, err := os.ReadFile(s.path(serial))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var file snapshotFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode queue snapshot: %w", err)
	}

	out := make([]Entry, 0, len(file.Entries))
	for _, rec := range file.Entries {
		id, uerr := uuid.Parse(rec.ID)
		if uerr != nil {
			id = uuid.New()
		}
		f, perr := protocol.Parse([]byte(rec.Raw), rec.EnqueuedAt)
		if perr != nil {
			continue
		}
		out = append(out, Entry{ID: id, Frame: f, EnqueuedAt: rec.EnqueuedAt})
	}
	return out, nil
}

// Save writes the queue for a device serial atomically.
func (s *Store) Save(serial string, entries []Entry) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return err
	}

	file := snapshotFile{
		Serial:  serial,
		SavedAt: time.Now(),
		Entries: make([]entryRecord, 0, len(entries)),
	}
	for _, e := range entries {
		file.Entries = append(file.Entries, entryRecord{
			ID:         e.ID.String(),
			Raw:        string(e.Frame.Bytes()),
			EnqueuedAt: e.EnqueuedAt,
		})
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}

	path := s.path(serial)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
