package scheduler

import (
	"fmt"
	"log/slog"
	"os"
	"runtime/pprof"
	"sync"
	"time"
)

// ThreadMonitor tracks long-running operations (tool calls, LLM requests,
// background jobs) and escalates when one runs suspiciously long: a warning
// at WarnAfter, and a full goroutine dump at ErrAfter so a stuck operation
// can be diagnosed after the fact instead of just timing out silently.
type ThreadMonitor struct {
	WarnAfter time.Duration
	ErrAfter  time.Duration
	DumpDir   string

	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	active  map[string]*trackedOp
	nextID  uint64
}

type trackedOp struct {
	name    string
	started time.Time
	timer   *time.Timer
	errTimer *time.Timer
}

// NewThreadMonitor constructs a monitor with the default thresholds (30s
// warn, 300s error) unless overridden on the returned value.
func NewThreadMonitor(logger *slog.Logger) *ThreadMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ThreadMonitor{
		WarnAfter: 30 * time.Second,
		ErrAfter:  300 * time.Second,
		DumpDir:   os.TempDir(),
		logger:    logger,
		now:       time.Now,
		active:    make(map[string]*trackedOp),
	}
}

// Handle identifies one tracked operation, returned by Begin and passed to
// End.
type Handle string

// Begin starts tracking an operation named name (a human-readable label,
// not required to be unique) and returns a Handle to stop tracking it.
func (m *ThreadMonitor) Begin(name string) Handle {
	m.mu.Lock()
	m.nextID++
	id := Handle(fmt.Sprintf("%s#%d", name, m.nextID))
	op := &trackedOp{name: name, started: m.now()}
	m.active[string(id)] = op
	m.mu.Unlock()

	op.timer = time.AfterFunc(m.WarnAfter, func() {
		m.logger.Warn("long-running operation", "operation", name, "elapsed", m.WarnAfter)
	})
	op.errTimer = time.AfterFunc(m.ErrAfter, func() {
		m.logger.Error("operation appears stuck, dumping goroutines", "operation", name, "elapsed", m.ErrAfter)
		path, err := m.dumpGoroutines()
		if err != nil {
			m.logger.Error("goroutine dump failed", "operation", name, "error", err)
			return
		}
		m.logger.Error("goroutine dump written", "operation", name, "path", path)
	})
	return id
}

// End stops tracking the operation identified by h. Safe to call on an
// already-ended or unknown handle.
func (m *ThreadMonitor) End(h Handle) {
	m.mu.Lock()
	op, ok := m.active[string(h)]
	if ok {
		delete(m.active, string(h))
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	op.timer.Stop()
	op.errTimer.Stop()
}

// Active returns the handle ids and elapsed durations of currently tracked
// operations, for a health/debug endpoint.
func (m *ThreadMonitor) Active() map[string]time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := make(map[string]time.Duration, len(m.active))
	for id, op := range m.active {
		out[id] = now.Sub(op.started)
	}
	return out
}

func (m *ThreadMonitor) dumpGoroutines() (string, error) {
	path := fmt.Sprintf("%s/thread_dump_%d.txt", m.DumpDir, m.now().Unix())
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("scheduler: create thread dump file: %w", err)
	}
	defer f.Close()
	if err := pprof.Lookup("goroutine").WriteTo(f, 1); err != nil {
		return "", fmt.Errorf("scheduler: write goroutine profile: %w", err)
	}
	return path, nil
}
