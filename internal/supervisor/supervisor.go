// Package supervisor owns the managed-process registry: one lifecycle state
// machine per child, the auto-restart policy, and catalog persistence. A
// single mutex guards the catalog and the registry together, so their key
// sets cannot diverge. Watchers run outside the mutex and post exit events
// through a channel into the supervisor's event loop.
package supervisor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"

	"github.com/OpenListTeam/openlist-desktop-service/internal/catalog"
	"github.com/OpenListTeam/openlist-desktop-service/internal/history"
	"github.com/OpenListTeam/openlist-desktop-service/internal/launcher"
	"github.com/OpenListTeam/openlist-desktop-service/internal/logsink"
	"github.com/OpenListTeam/openlist-desktop-service/internal/metrics"
)

var (
	ErrNotFound       = errors.New("process not found")
	ErrAlreadyExists  = errors.New("process already exists")
	ErrAlreadyRunning = errors.New("process already running")
	ErrNotRunning     = errors.New("process not running")
	ErrInvalidConfig  = errors.New("invalid config")
	ErrLaunchFailed   = errors.New("launch failed")
	ErrPersistence    = errors.New("persistence failed")
)

// State is one position in the per-process lifecycle.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateCrashed  State = "crashed"
)

// Child is the launched-process handle the supervisor drives. launcher.Handle
// implements it; tests substitute their own.
type Child interface {
	PID() int
	Wait() launcher.ExitStatus
	Terminate() error
	Kill() error
}

// SpawnFunc launches a child for cfg with output appended to logPath.
type SpawnFunc func(cfg catalog.ProcessConfig, logPath string) (Child, error)

// DefaultSpawn adapts launcher.Spawn.
func DefaultSpawn(cfg catalog.ProcessConfig, logPath string) (Child, error) {
	return launcher.Spawn(cfg, logPath)
}

// procRuntime is the in-memory side of one managed process. Guarded by
// Supervisor.mu.
type procRuntime struct {
	state        State
	pid          int
	startedAt    int64
	restartCount int
	windowStart  time.Time // first involuntary restart in the current window
	lastExitCode   *int
	child          Child
	gen            int // start generation; pairs watcher exits with launches
	pendingRestart *time.Timer
	stopDone       chan struct{} // non-nil while Stopping; closed on Stopped
}

type exitEvent struct {
	id     string
	gen    int
	status launcher.ExitStatus
}

// Options configures New. Store and Log are required; zero durations and
// counts get the documented defaults.
type Options struct {
	Store   *catalog.Store
	Spawn   SpawnFunc
	History *history.Store
	Log     logrus.FieldLogger
	LogDir  string

	GracePeriod   time.Duration
	MaxRestarts   int
	RestartWindow time.Duration

	// Backoff between involuntary restarts: min(base * 2^(n-1), cap).
	RestartBackoffBase time.Duration
	RestartBackoffCap  time.Duration
}

type Supervisor struct {
	mu  sync.Mutex
	cat *catalog.Catalog
	reg map[string]*procRuntime

	store  *catalog.Store
	spawn  SpawnFunc
	hist   *history.Store
	log    logrus.FieldLogger
	logDir string

	grace         time.Duration
	maxRestarts   int
	restartWindow time.Duration
	backoffBase   time.Duration
	backoffCap    time.Duration

	events    chan exitEvent
	done      chan struct{}
	startedAt time.Time
}

// New loads the catalog from opts.Store and builds a registry entry in
// StateStopped for every config, then starts the event loop.
func New(opts Options) *Supervisor {
	s := &Supervisor{
		store:         opts.Store,
		spawn:         opts.Spawn,
		hist:          opts.History,
		log:           opts.Log,
		logDir:        opts.LogDir,
		grace:         opts.GracePeriod,
		maxRestarts:   opts.MaxRestarts,
		restartWindow: opts.RestartWindow,
		backoffBase:   opts.RestartBackoffBase,
		backoffCap:    opts.RestartBackoffCap,
		reg:           make(map[string]*procRuntime),
		events:        make(chan exitEvent, 64),
		done:          make(chan struct{}),
		startedAt:     time.Now(),
	}
	if s.spawn == nil {
		s.spawn = DefaultSpawn
	}
	if s.grace <= 0 {
		s.grace = 5 * time.Second
	}
	if s.maxRestarts <= 0 {
		s.maxRestarts = 5
	}
	if s.restartWindow <= 0 {
		s.restartWindow = 60 * time.Second
	}
	if s.backoffBase <= 0 {
		s.backoffBase = 500 * time.Millisecond
	}
	if s.backoffCap <= 0 {
		s.backoffCap = 30 * time.Second
	}
	s.cat = s.store.Load()
	for _, id := range s.cat.IDs() {
		s.reg[id] = &procRuntime{state: StateStopped}
	}
	s.updateMetricsLocked()
	go s.loop()
	return s
}

func (s *Supervisor) loop() {
	for {
		select {
		case ev := <-s.events:
			s.handleExit(ev)
		case <-s.done:
			return
		}
	}
}

// watch blocks on one child's exit and posts it back to the event loop.
func (s *Supervisor) watch(id string, gen int, child Child) {
	st := child.Wait()
	select {
	case s.events <- exitEvent{id: id, gen: gen, status: st}:
	case <-s.done:
	}
}

// handleExit applies the restart policy to a watcher-reported exit.
func (s *Supervisor) handleExit(ev exitEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.reg[ev.id]
	if !ok || rt.gen != ev.gen {
		return // entry deleted or launch superseded; stale event
	}
	code := ev.status.Code
	rt.lastExitCode = &code
	rt.pid = 0
	rt.child = nil
	rt.startedAt = 0
	prev := rt.state

	switch prev {
	case StateStopping:
		rt.state = StateStopped
		rt.restartCount = 0
		rt.windowStart = time.Time{}
		if rt.stopDone != nil {
			close(rt.stopDone)
			rt.stopDone = nil
		}
		s.record(ev.id, "stopped", "", &code)
		s.log.WithField("id", ev.id).Infof("process stopped, exit code %d", code)

	case StateRunning:
		cfg, _ := s.cat.Get(ev.id)
		if !rt.windowStart.IsZero() && time.Since(rt.windowStart) > s.restartWindow {
			// the run outlived the restart window; the budget starts over
			rt.restartCount = 0
			rt.windowStart = time.Time{}
		}
		if !cfg.AutoRestart {
			rt.state = StateCrashed
			s.record(ev.id, "crashed", "", &code)
			s.log.WithField("id", ev.id).Warnf("process exited with code %d", code)
			break
		}
		if rt.restartCount >= s.maxRestarts {
			rt.state = StateCrashed
			s.record(ev.id, "crashed", "restart budget exhausted", &code)
			s.log.WithField("id", ev.id).Warnf("giving up after %d restarts", rt.restartCount)
			break
		}
		rt.restartCount++
		if rt.windowStart.IsZero() {
			rt.windowStart = time.Now()
		}
		backoff := s.backoff(rt.restartCount)
		rt.state = StateStarting
		gen := rt.gen
		metrics.RestartsTotal.Inc()
		s.record(ev.id, "restarting", fmt.Sprintf("attempt %d, backoff %s", rt.restartCount, backoff), &code)
		s.log.WithField("id", ev.id).Infof("restarting in %s (attempt %d/%d)", backoff, rt.restartCount, s.maxRestarts)
		rt.pendingRestart = time.AfterFunc(backoff, func() { s.autoRestart(ev.id, gen) })

	default:
		// Stopped/Starting/Crashed never own a live watcher; nothing to do.
	}
	s.updateMetricsLocked()
}

// autoRestart fires after the backoff and relaunches, unless the entry was
// stopped, deleted, or restarted by the operator in the meantime.
func (s *Supervisor) autoRestart(id string, gen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.reg[id]
	if !ok || rt.gen != gen || rt.state != StateStarting || rt.pendingRestart == nil {
		return
	}
	rt.pendingRestart = nil
	rt.lastExitCode = nil
	if err := s.launchLocked(id); err != nil {
		s.log.WithField("id", id).WithError(err).Warn("auto-restart failed")
	}
}

func (s *Supervisor) backoff(attempt int) time.Duration {
	d := s.backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= s.backoffCap {
			return s.backoffCap
		}
	}
	if d > s.backoffCap {
		return s.backoffCap
	}
	return d
}

// launchLocked spawns the child for id. Caller holds the mutex with
// reg[id].state == StateStarting; the lock is released across the OS spawn
// and reacquired to commit the transition.
func (s *Supervisor) launchLocked(id string) error {
	cfg, ok := s.cat.Get(id)
	if !ok {
		return ErrNotFound
	}
	logPath := cfg.LogFile
	if logPath == "" {
		logPath = logsink.DefaultPath(s.logDir, id)
	}
	s.mu.Unlock()
	child, err := s.spawn(cfg, logPath)
	s.mu.Lock()

	rt, stillThere := s.reg[id]
	if !stillThere {
		// deleted while we were spawning; reap the orphan
		if err == nil {
			child.Kill()
			go child.Wait()
		}
		return ErrNotFound
	}
	if err != nil {
		rt.state = StateCrashed
		s.record(id, "crashed", err.Error(), nil)
		s.updateMetricsLocked()
		return fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}
	rt.gen++
	rt.child = child
	rt.pid = child.PID()
	rt.startedAt = time.Now().Unix()
	rt.state = StateRunning
	metrics.StartsTotal.Inc()
	s.record(id, "running", "", nil)
	s.updateMetricsLocked()
	s.log.WithField("id", id).Infof("process %s running, pid %d", cfg.Name, rt.pid)
	go s.watch(id, rt.gen, child)
	return nil
}

func (s *Supervisor) record(id, event, detail string, exitCode *int) {
	if s.hist != nil {
		s.hist.Record(id, event, detail, exitCode)
	}
}

func (s *Supervisor) updateMetricsLocked() {
	counts := make(map[string]int, 5)
	for _, rt := range s.reg {
		counts[string(rt.state)]++
	}
	metrics.SetStates(counts)
}

// sampleUsage fills CPU/RSS for a running child. Best effort, outside the
// mutex; failures leave the fields zero.
func sampleUsage(v *ProcessView) {
	if v.Pid == nil {
		return
	}
	p, err := process.NewProcess(int32(*v.Pid))
	if err != nil {
		return
	}
	if cpu, err := p.CPUPercent(); err == nil {
		v.CPUPercent = cpu
	}
	if mi, err := p.MemoryInfo(); err == nil && mi != nil {
		v.MemoryBytes = mi.RSS
	}
}
