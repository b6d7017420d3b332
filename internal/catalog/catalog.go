package catalog

import (
	"fmt"

	"github.com/google/uuid"
)

// ProcessConfig is the persisted descriptor of one managed process.
// ID is assigned once and stays stable for the life of the entry.
type ProcessConfig struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	BinPath     string            `json:"bin_path"`
	Args        []string          `json:"args"`
	LogFile     string            `json:"log_file,omitempty"`
	WorkingDir  string            `json:"working_dir,omitempty"`
	EnvVars     map[string]string `json:"env_vars,omitempty"`
	AutoRestart bool              `json:"auto_restart"`
	RunAsAdmin  bool              `json:"run_as_admin"`
	CreatedAt   int64             `json:"created_at"`
	UpdatedAt   int64             `json:"updated_at"`
}

// Validate checks the entry invariants: non-empty name and bin_path, a
// parseable UUID id, and monotonic timestamps.
func (c *ProcessConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("id required")
	}
	if _, err := uuid.Parse(c.ID); err != nil {
		return fmt.Errorf("id %q: %w", c.ID, err)
	}
	if c.Name == "" {
		return fmt.Errorf("name required")
	}
	if c.BinPath == "" {
		return fmt.Errorf("bin_path required")
	}
	if c.UpdatedAt < c.CreatedAt {
		return fmt.Errorf("updated_at %d before created_at %d", c.UpdatedAt, c.CreatedAt)
	}
	return nil
}

// Clone returns a deep copy so configs handed out through the API never share
// mutable slices/maps with the catalog.
func (c ProcessConfig) Clone() ProcessConfig {
	out := c
	if c.Args != nil {
		out.Args = append([]string(nil), c.Args...)
	}
	if c.EnvVars != nil {
		out.EnvVars = make(map[string]string, len(c.EnvVars))
		for k, v := range c.EnvVars {
			out.EnvVars[k] = v
		}
	}
	return out
}

// Catalog is the in-memory set of process configs, insertion-ordered for
// enumeration. It is not goroutine-safe on its own: the supervisor guards it
// together with the runtime registry under one mutex, so the two can never
// diverge.
type Catalog struct {
	order []string
	byID  map[string]ProcessConfig
}

func New() *Catalog {
	return &Catalog{byID: make(map[string]ProcessConfig)}
}

func (c *Catalog) Len() int { return len(c.order) }

// IDs returns the ids in insertion order.
func (c *Catalog) IDs() []string {
	return append([]string(nil), c.order...)
}

// Get returns a copy of the entry.
func (c *Catalog) Get(id string) (ProcessConfig, bool) {
	cfg, ok := c.byID[id]
	if !ok {
		return ProcessConfig{}, false
	}
	return cfg.Clone(), true
}

// Put inserts or replaces an entry, keeping first-insertion order.
func (c *Catalog) Put(cfg ProcessConfig) {
	if _, ok := c.byID[cfg.ID]; !ok {
		c.order = append(c.order, cfg.ID)
	}
	c.byID[cfg.ID] = cfg.Clone()
}

// Remove deletes an entry; reports whether it existed.
func (c *Catalog) Remove(id string) bool {
	if _, ok := c.byID[id]; !ok {
		return false
	}
	delete(c.byID, id)
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return true
}

// Snapshot returns copies of all entries in insertion order.
func (c *Catalog) Snapshot() []ProcessConfig {
	out := make([]ProcessConfig, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id].Clone())
	}
	return out
}
