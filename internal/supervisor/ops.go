package supervisor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/OpenListTeam/openlist-desktop-service/internal/catalog"
	"github.com/OpenListTeam/openlist-desktop-service/internal/history"
	"github.com/OpenListTeam/openlist-desktop-service/internal/logsink"
	"github.com/OpenListTeam/openlist-desktop-service/internal/metrics"
)

// ProcessView is the read-only projection of one managed process: the config
// snapshot plus the runtime side. Pid is non-nil only while the child is
// running or stopping.
type ProcessView struct {
	Config       catalog.ProcessConfig `json:"config"`
	State        State                 `json:"state"`
	IsRunning    bool                  `json:"is_running"`
	Pid          *int                  `json:"pid"`
	StartedAt    int64                 `json:"started_at,omitempty"`
	RestartCount int                   `json:"restart_count"`
	LastExitCode *int                  `json:"last_exit_code"`
	CPUPercent   float64               `json:"cpu_percent,omitempty"`
	MemoryBytes  uint64                `json:"memory_bytes,omitempty"`
}

// CreateRequest carries the caller-supplied config fields. ID is optional; a
// fresh UUID is assigned when absent.
type CreateRequest struct {
	ID          string            `json:"id,omitempty"`
	Name        string            `json:"name"`
	BinPath     string            `json:"bin_path"`
	Args        []string          `json:"args"`
	LogFile     string            `json:"log_file,omitempty"`
	WorkingDir  string            `json:"working_dir,omitempty"`
	EnvVars     map[string]string `json:"env_vars,omitempty"`
	AutoRestart bool              `json:"auto_restart"`
	RunAsAdmin  bool              `json:"run_as_admin"`
}

// Patch carries a partial update; nil fields are left untouched. id and
// created_at are immutable.
type Patch struct {
	Name        *string            `json:"name,omitempty"`
	BinPath     *string            `json:"bin_path,omitempty"`
	Args        *[]string          `json:"args,omitempty"`
	LogFile     *string            `json:"log_file,omitempty"`
	WorkingDir  *string            `json:"working_dir,omitempty"`
	EnvVars     *map[string]string `json:"env_vars,omitempty"`
	AutoRestart *bool              `json:"auto_restart,omitempty"`
	RunAsAdmin  *bool              `json:"run_as_admin,omitempty"`
}

// Stats summarizes the registry for the status endpoint.
type Stats struct {
	Total         int            `json:"total"`
	ByState       map[string]int `json:"by_state"`
	UptimeSeconds int64          `json:"uptime_seconds"`
}

// List returns a snapshot view of every entry in insertion order.
func (s *Supervisor) List() []ProcessView {
	s.mu.Lock()
	views := make([]ProcessView, 0, s.cat.Len())
	for _, id := range s.cat.IDs() {
		views = append(views, s.viewLocked(id))
	}
	s.mu.Unlock()
	for i := range views {
		sampleUsage(&views[i])
	}
	return views
}

// Get returns the view for one id.
func (s *Supervisor) Get(id string) (ProcessView, error) {
	s.mu.Lock()
	if _, ok := s.reg[id]; !ok {
		s.mu.Unlock()
		return ProcessView{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	v := s.viewLocked(id)
	s.mu.Unlock()
	sampleUsage(&v)
	return v, nil
}

// Create validates, installs and persists a new entry in StateStopped.
func (s *Supervisor) Create(req CreateRequest) (ProcessView, error) {
	now := time.Now().Unix()
	cfg := catalog.ProcessConfig{
		ID:          req.ID,
		Name:        req.Name,
		BinPath:     req.BinPath,
		Args:        req.Args,
		LogFile:     req.LogFile,
		WorkingDir:  req.WorkingDir,
		EnvVars:     req.EnvVars,
		AutoRestart: req.AutoRestart,
		RunAsAdmin:  req.RunAsAdmin,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Args == nil {
		cfg.Args = []string{}
	}
	if cfg.EnvVars == nil {
		cfg.EnvVars = map[string]string{}
	}
	if err := cfg.Validate(); err != nil {
		return ProcessView{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.reg[cfg.ID]; exists {
		return ProcessView{}, fmt.Errorf("%w: %s", ErrAlreadyExists, cfg.ID)
	}
	s.cat.Put(cfg)
	s.reg[cfg.ID] = &procRuntime{state: StateStopped}
	if err := s.store.Save(s.cat); err != nil {
		s.cat.Remove(cfg.ID)
		delete(s.reg, cfg.ID)
		return ProcessView{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	s.record(cfg.ID, "created", cfg.Name, nil)
	s.updateMetricsLocked()
	return s.viewLocked(cfg.ID), nil
}

// Update applies a partial config change. A running child is not restarted;
// the new config takes effect on next start.
func (s *Supervisor) Update(id string, patch Patch) (ProcessView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.cat.Get(id)
	if !ok {
		return ProcessView{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cfg := prev.Clone()
	if patch.Name != nil {
		cfg.Name = *patch.Name
	}
	if patch.BinPath != nil {
		cfg.BinPath = *patch.BinPath
	}
	if patch.Args != nil {
		cfg.Args = append([]string(nil), (*patch.Args)...)
	}
	if patch.LogFile != nil {
		cfg.LogFile = *patch.LogFile
	}
	if patch.WorkingDir != nil {
		cfg.WorkingDir = *patch.WorkingDir
	}
	if patch.EnvVars != nil {
		cfg.EnvVars = make(map[string]string, len(*patch.EnvVars))
		for k, v := range *patch.EnvVars {
			cfg.EnvVars[k] = v
		}
	}
	if patch.AutoRestart != nil {
		cfg.AutoRestart = *patch.AutoRestart
	}
	if patch.RunAsAdmin != nil {
		cfg.RunAsAdmin = *patch.RunAsAdmin
	}
	cfg.UpdatedAt = time.Now().Unix()
	if err := cfg.Validate(); err != nil {
		return ProcessView{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	s.cat.Put(cfg)
	if err := s.store.Save(s.cat); err != nil {
		s.cat.Put(prev)
		return ProcessView{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	s.record(id, "updated", "", nil)
	return s.viewLocked(id), nil
}

// Delete stops any running child, then removes the entry and persists.
func (s *Supervisor) Delete(id string) error {
	s.mu.Lock()
	rt, ok := s.reg[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	needStop := rt.state == StateRunning || rt.state == StateStarting || rt.state == StateStopping
	s.mu.Unlock()

	if needStop {
		if _, err := s.Stop(id); err != nil && !errors.Is(err, ErrNotRunning) && !errors.Is(err, ErrNotFound) {
			s.log.WithField("id", id).WithError(err).Warn("stop before delete")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok = s.reg[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	prev, _ := s.cat.Get(id)
	if rt.pendingRestart != nil {
		rt.pendingRestart.Stop()
		rt.pendingRestart = nil
	}
	rt.gen++ // orphan any watcher exit still in flight
	s.cat.Remove(id)
	delete(s.reg, id)
	if err := s.store.Save(s.cat); err != nil {
		s.cat.Put(prev)
		s.reg[id] = rt
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	s.record(id, "deleted", "", nil)
	s.updateMetricsLocked()
	return nil
}

// Start launches a Stopped or Crashed process. Operator starts reset the
// involuntary-restart budget.
func (s *Supervisor) Start(id string) (ProcessView, error) {
	s.mu.Lock()
	rt, ok := s.reg[id]
	if !ok {
		s.mu.Unlock()
		return ProcessView{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if rt.state != StateStopped && rt.state != StateCrashed {
		s.mu.Unlock()
		return ProcessView{}, fmt.Errorf("%w: %s is %s", ErrAlreadyRunning, id, rt.state)
	}
	rt.state = StateStarting
	rt.lastExitCode = nil
	rt.restartCount = 0
	rt.windowStart = time.Time{}
	s.record(id, "starting", "", nil)
	s.updateMetricsLocked()
	err := s.launchLocked(id)
	if err != nil {
		s.mu.Unlock()
		return ProcessView{}, err
	}
	v := s.viewLocked(id)
	s.mu.Unlock()
	sampleUsage(&v)
	return v, nil
}

// Stop transitions a Running child through Stopping to Stopped: polite
// terminate, then kill after the grace period. A pending auto-restart is
// cancelled instead.
func (s *Supervisor) Stop(id string) (ProcessView, error) {
	s.mu.Lock()
	rt, ok := s.reg[id]
	if !ok {
		s.mu.Unlock()
		return ProcessView{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	switch rt.state {
	case StateStopped, StateCrashed:
		s.mu.Unlock()
		return ProcessView{}, fmt.Errorf("%w: %s", ErrNotRunning, id)

	case StateStarting:
		if rt.pendingRestart != nil {
			rt.pendingRestart.Stop()
			rt.pendingRestart = nil
			rt.state = StateStopped
			rt.restartCount = 0
			rt.windowStart = time.Time{}
			s.record(id, "stopped", "pending restart cancelled", nil)
			s.updateMetricsLocked()
			v := s.viewLocked(id)
			s.mu.Unlock()
			return v, nil
		}
		// spawn in flight; nothing to signal yet
		s.mu.Unlock()
		return ProcessView{}, fmt.Errorf("%w: %s is starting", ErrNotRunning, id)

	case StateStopping:
		done := rt.stopDone
		s.mu.Unlock()
		if done != nil {
			select {
			case <-done:
			case <-time.After(s.grace):
			}
		}
		return s.viewAfterStop(id)
	}

	// StateRunning
	rt.state = StateStopping
	rt.restartCount = 0
	rt.windowStart = time.Time{}
	done := make(chan struct{})
	rt.stopDone = done
	child := rt.child
	s.record(id, "stopping", "", nil)
	s.updateMetricsLocked()
	s.mu.Unlock()

	if err := child.Terminate(); err != nil {
		s.log.WithField("id", id).WithError(err).Warn("terminate")
	}
	select {
	case <-done:
	case <-time.After(s.grace):
		s.log.WithField("id", id).Warnf("no exit within %s, killing", s.grace)
		if err := child.Kill(); err != nil {
			s.log.WithField("id", id).WithError(err).Warn("kill")
		}
		select {
		case <-done:
		case <-time.After(s.grace):
			s.log.WithField("id", id).Warn("child still not reaped; watcher will finalize")
		}
	}
	metrics.StopsTotal.Inc()
	return s.viewAfterStop(id)
}

// viewAfterStop re-reads the entry once the stop settles; a concurrent delete
// may have removed it in the meantime.
func (s *Supervisor) viewAfterStop(id string) (ProcessView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reg[id]; !ok {
		return ProcessView{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.viewLocked(id), nil
}

// Logs tails the process log file.
func (s *Supervisor) Logs(id string, lines int) ([]string, error) {
	s.mu.Lock()
	cfg, ok := s.cat.Get(id)
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.mu.Unlock()
	logPath := cfg.LogFile
	if logPath == "" {
		logPath = logsink.DefaultPath(s.logDir, id)
	}
	return logsink.Tail(logPath, lines)
}

// Events returns the recent lifecycle journal for id.
func (s *Supervisor) Events(id string, limit int) ([]history.Event, error) {
	s.mu.Lock()
	_, ok := s.reg[id]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if s.hist == nil {
		return []history.Event{}, nil
	}
	return s.hist.Recent(id, limit)
}

// Stats returns counts by state plus supervisor uptime.
func (s *Supervisor) Stats() Stats {
	s.mu.Lock()
	counts := make(map[string]int, 5)
	for _, rt := range s.reg {
		counts[string(rt.state)]++
	}
	total := len(s.reg)
	s.mu.Unlock()
	return Stats{
		Total:         total,
		ByState:       counts,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}
}

// StartAll starts every entry sequentially. Individual failures are logged
// and do not abort the sweep; used for auto-start on boot.
func (s *Supervisor) StartAll() {
	s.mu.Lock()
	ids := s.cat.IDs()
	s.mu.Unlock()
	for _, id := range ids {
		if _, err := s.Start(id); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			s.log.WithField("id", id).WithError(err).Warn("auto-start")
		}
	}
}

// Shutdown stops every live child in parallel with the configured grace,
// persists the catalog and terminates the event loop.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	var live []string
	for id, rt := range s.reg {
		if rt.state == StateRunning || rt.state == StateStarting || rt.state == StateStopping {
			live = append(live, id)
		}
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range live {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := s.Stop(id); err != nil && !errors.Is(err, ErrNotRunning) {
				s.log.WithField("id", id).WithError(err).Warn("shutdown stop")
			}
		}(id)
	}
	wg.Wait()

	s.mu.Lock()
	if err := s.store.Save(s.cat); err != nil {
		s.log.WithError(err).Warn("persist catalog on shutdown")
	}
	s.mu.Unlock()
	close(s.done)
}

// viewLocked builds the projection for id. Caller holds the mutex.
func (s *Supervisor) viewLocked(id string) ProcessView {
	cfg, _ := s.cat.Get(id)
	rt := s.reg[id]
	v := ProcessView{
		Config:       cfg,
		State:        rt.state,
		IsRunning:    rt.state == StateRunning,
		StartedAt:    rt.startedAt,
		RestartCount: rt.restartCount,
	}
	if rt.lastExitCode != nil {
		code := *rt.lastExitCode
		v.LastExitCode = &code
	}
	if rt.state == StateRunning || rt.state == StateStopping {
		pid := rt.pid
		v.Pid = &pid
	}
	return v
}
