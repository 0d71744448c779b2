package learner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fieldgate-io/fieldgate/internal/protocol"
)

// Snapshot persistence for learned templates, one JSON file per device
// serial. Writes are atomic (temp file + rename); a missing or corrupt
// snapshot degrades to an empty learner rather than a startup failure.

type snapshotFile struct {
	Serial    string           `json:"serial"`
	SavedAt   time.Time        `json:"saved_at"`
	Templates []templateRecord `json:"templates"`
}

type templateRecord struct {
	Class      string    `json:"class"`
	Raw        string    `json:"raw"`
	Confidence int       `json:"confidence"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
}

// Store persists learner snapshots under a directory.
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
	return filepath.Join(s.dir, serial+".responses.json")
}

// Load reads the persisted template set for a device serial. A missing or
// unreadable snapshot returns an empty set and no error; corruption is
// reported but callers are expected to treat it as empty.
func (s *Store) Load(serial string) ([]Template, error) {
	data, err := os.ReadFile(s.path(serial))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var file snapshotFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}

	out := make([]Template, 0, len(file.Templates))
	for _, rec := range file.Templates {
		f, perr := protocol.Parse([]byte(rec.Raw), rec.LastSeen)
		if perr != nil {
			continue
		}
		out = append(out, Template{
			Class:      protocol.ResponseClass(rec.Class),
			Frame:      f,
			Confidence: rec.Confidence,
			FirstSeen:  rec.FirstSeen,
			LastSeen:   rec.LastSeen,
		})
	}
	return out, nil
}

// Save writes the template set for a device serial atomically.
func (s *Store) Save(serial string, templates []Template) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return err
	}

	file := snapshotFile{
		Serial:    serial,
		SavedAt:   time.Now(),
		Templates: make([]templateRecord, 0, len(templates)),
	}
	for _, t := range templates {
		file.Templates = append(file.Templates, templateRecord{
			Class:      string(t.Class),
			Raw:        string(t.Frame.Bytes()),
			Confidence: t.Confidence,
			FirstSeen:  t.FirstSeen,
			LastSeen:   t.LastSeen,
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
