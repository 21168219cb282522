package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// SegmentTimeoutConfig configures the per-local-hour inactivity threshold
// the scheduler's segment-timeout scan compares idle durations against.
type SegmentTimeoutConfig struct {
	// ScanInterval is how often the scan runs. Default 60s.
	ScanInterval time.Duration `yaml:"scan_interval"`

	// ThresholdMinutesByHour maps a local hour-of-day (0-23) to the idle
	// threshold, in minutes, that triggers a SegmentTimeoutEvent for
	// continuums active at that hour. Hours not present fall back to
	// DefaultThresholdMinutes.
	ThresholdMinutesByHour map[int]int `yaml:"threshold_minutes_by_hour"`

	// DefaultThresholdMinutes is used for any hour absent from
	// ThresholdMinutesByHour.
	DefaultThresholdMinutes int `yaml:"default_threshold_minutes"`
}

// Threshold returns the configured idle threshold for localHour (0-23).
func (c SegmentTimeoutConfig) Threshold(localHour int) time.Duration {
	if m, ok := c.ThresholdMinutesByHour[localHour]; ok {
		return time.Duration(m) * time.Minute
	}
	minutes := c.DefaultThresholdMinutes
	if minutes <= 0 {
		minutes = 30
	}
	return time.Duration(minutes) * time.Minute
}

// SearchIntentConfig configures the leg weights hybrid search applies to
// BM25 vs. vector legs per query intent, and the entity-priming constants.
type SearchIntentConfig struct {
	// LegWeightsByIntent maps an intent label ("factual", "conversational",
	// "temporal", ...) to a {bm25, vector} weight pair summing to 1.0.
	LegWeightsByIntent map[string]IntentLegWeights `yaml:"leg_weights_by_intent"`
	DefaultLegWeights  IntentLegWeights            `yaml:"default_leg_weights"`

	MinImportance         float64 `yaml:"min_importance"`
	RefinementMinImportance float64 `yaml:"refinement_min_importance"`
}

// IntentLegWeights is the BM25/vector split for one query intent.
type IntentLegWeights struct {
	BM25   float64 `yaml:"bm25"`
	Vector float64 `yaml:"vector"`
}

// LegWeights returns the configured weights for intent, falling back to
// DefaultLegWeights when intent is unrecognized.
func (c SearchIntentConfig) LegWeights(intent string) IntentLegWeights {
	if w, ok := c.LegWeightsByIntent[intent]; ok {
		return w
	}
	return c.DefaultLegWeights
}

// MiraConfig is the subset of runtime configuration specific to the
// conversational core: segment-timeout thresholds and search intent
// weighting. It is loaded and hot-reloaded independently of the larger
// application Config, since only this subset is safe to change without a
// restart.
type MiraConfig struct {
	SegmentTimeout SegmentTimeoutConfig `yaml:"segment_timeout"`
	Search         SearchIntentConfig   `yaml:"search"`
}

// DefaultMiraConfig returns conservative defaults: a 60s scan interval, a
// 0.1 importance floor for search results, and a much lower 0.001 floor for
// the refinement pass that links related memories.
func DefaultMiraConfig() MiraConfig {
	return MiraConfig{
		SegmentTimeout: SegmentTimeoutConfig{
			ScanInterval:            60 * time.Second,
			DefaultThresholdMinutes: 30,
		},
		Search: SearchIntentConfig{
			DefaultLegWeights:       IntentLegWeights{BM25: 0.5, Vector: 0.5},
			LegWeightsByIntent: map[string]IntentLegWeights{
				"factual":         {BM25: 0.7, Vector: 0.3},
				"conversational":  {BM25: 0.3, Vector: 0.7},
				"temporal":        {BM25: 0.6, Vector: 0.4},
			},
			MinImportance:           0.1,
			RefinementMinImportance: 0.001,
		},
	}
}

func loadMiraConfigFile(path string) (MiraConfig, error) {
	cfg := DefaultMiraConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return MiraConfig{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return MiraConfig{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	applyMiraEnvOverrides(&cfg)
	return cfg, nil
}

// applyMiraEnvOverrides lets a deployment override the default threshold
// without editing the config file, matching the env-var-override precedent
// elsewhere in this package.
func applyMiraEnvOverrides(cfg *MiraConfig) {
	if v := os.Getenv("MIRA_SEGMENT_TIMEOUT_DEFAULT_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SegmentTimeout.DefaultThresholdMinutes = n
		}
	}
	if v := os.Getenv("MIRA_SEARCH_MIN_IMPORTANCE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Search.MinImportance = f
		}
	}
}

// MiraConfigWatcher hot-reloads MiraConfig from path whenever it changes on
// disk, notifying subscribers with the newly loaded value. Only this
// narrow config subset is hot-reloadable; server/database/auth settings
// still require a restart.
type MiraConfigWatcher struct {
	path   string
	logger *slog.Logger

	mu        sync.RWMutex
	current   MiraConfig
	listeners []func(MiraConfig)

	watcher     *fsnotify.Watcher
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewMiraConfigWatcher loads path once synchronously and returns a watcher
// ready to be started with Start.
func NewMiraConfigWatcher(path string, logger *slog.Logger) (*MiraConfigWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := loadMiraConfigFile(path)
	if err != nil {
		return nil, err
	}
	return &MiraConfigWatcher{path: path, logger: logger, current: cfg}, nil
}

// Current returns the most recently loaded configuration.
func (w *MiraConfigWatcher) Current() MiraConfig {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnChange registers fn to be called, on the watch goroutine, every time
// the config file is successfully reloaded.
func (w *MiraConfigWatcher) OnChange(fn func(MiraConfig)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// Start begins watching the config file for changes until ctx is done or
// Close is called.
func (w *MiraConfigWatcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	if err := watcher.Add(w.path); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("config: watch %s: %w", w.path, err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w.watcher = watcher
	w.cancel = cancel

	w.wg.Add(1)
	go w.loop(watchCtx)
	return nil
}

// Close stops the watch goroutine and releases the underlying fsnotify
// watcher.
func (w *MiraConfigWatcher) Close() error {
	if w.cancel != nil {
		w.cancel()
	}
	var err error
	if w.watcher != nil {
		err = w.watcher.Close()
	}
	w.wg.Wait()
	return err
}

func (w *MiraConfigWatcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("mira config watch error", "error", err)
		}
	}
}

func (w *MiraConfigWatcher) reload() {
	cfg, err := loadMiraConfigFile(w.path)
	if err != nil {
		w.logger.Warn("mira config reload failed, keeping previous value", "path", w.path, "error", err)
		return
	}
	w.mu.Lock()
	w.current = cfg
	listeners := append([]func(MiraConfig){}, w.listeners...)
	w.mu.Unlock()

	w.logger.Info("mira config reloaded", "path", w.path)
	for _, fn := range listeners {
		fn(cfg)
	}
}
