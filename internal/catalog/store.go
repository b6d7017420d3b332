package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// Store persists the catalog as {"processes":[...]} at Path. Only the
// supervisor calls it, holding the catalog lock across Save so the file is
// always consistent with memory.
type Store struct {
	Path string
	Log  logrus.FieldLogger
}

type fileFormat struct {
	Processes []ProcessConfig `json:"processes"`
}

// Load reads the catalog file. A missing file yields an empty catalog.
// Malformed JSON is logged and yields an empty catalog so the service still
// boots; individual entries failing validation are skipped with a warning.
func (s *Store) Load() *Catalog {
	cat := New()
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.Log.WithError(err).Warn("read catalog")
		}
		return cat
	}
	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		s.Log.WithError(err).Warn("catalog file is malformed, starting empty")
		return cat
	}
	for i := range ff.Processes {
		cfg := ff.Processes[i]
		if err := cfg.Validate(); err != nil {
			s.Log.WithError(err).Warnf("skipping invalid catalog entry %d", i)
			continue
		}
		if _, ok := cat.byID[cfg.ID]; ok {
			s.Log.Warnf("skipping duplicate catalog id %s", cfg.ID)
			continue
		}
		cat.Put(cfg)
	}
	return cat
}

// Save writes the catalog atomically: temp file in the same directory,
// chmod 0600, rename over the target.
func (s *Store) Save(cat *Catalog) error {
	ff := fileFormat{Processes: cat.Snapshot()}
	data, err := json.MarshalIndent(ff, "", "  ")
	if err != nil {
		return fmt.Errorf("catalog save: marshal: %w", err)
	}
	dir := filepath.Dir(filepath.Clean(s.Path))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("catalog save: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".process_configs-*.json.tmp")
	if err != nil {
		return fmt.Errorf("catalog save: create temp: %w", err)
	}
	tmpName := tmp.Name()
	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if writeErr != nil || closeErr != nil {
		os.Remove(tmpName)
		if writeErr != nil {
			return fmt.Errorf("catalog save: write: %w", writeErr)
		}
		return fmt.Errorf("catalog save: close: %w", closeErr)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("catalog save: chmod: %w", err)
	}
	if err := os.Rename(tmpName, s.Path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("catalog save: rename: %w", err)
	}
	return nil
}
