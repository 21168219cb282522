package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSegmentTimeoutConfigThresholdFallback(t *testing.T) {
	cfg := SegmentTimeoutConfig{
		ThresholdMinutesByHour:  map[int]int{2: 90},
		DefaultThresholdMinutes: 30,
	}
	if got := cfg.Threshold(2); got != 90*time.Minute {
		t.Fatalf("hour 2 threshold = %v, want 90m", got)
	}
	if got := cfg.Threshold(14); got != 30*time.Minute {
		t.Fatalf("hour 14 threshold = %v, want default 30m", got)
	}
}

func TestSearchIntentConfigLegWeightsFallback(t *testing.T) {
	cfg := DefaultMiraConfig().Search
	if w := cfg.LegWeights("factual"); w.BM25 != 0.7 {
		t.Fatalf("factual bm25 weight = %v, want 0.7", w.BM25)
	}
	if w := cfg.LegWeights("unknown_intent"); w != cfg.DefaultLegWeights {
		t.Fatalf("unknown intent should fall back to default weights, got %+v", w)
	}
}

func TestMiraConfigWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mira.yaml")
	initial := "segment_timeout:\n  default_threshold_minutes: 30\n"
	if err := os.WriteFile(path, []byte(initial), 0o600); err != nil {
		t.Fatalf("write initial config: %v", err)
	}

	watcher, err := NewMiraConfigWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewMiraConfigWatcher: %v", err)
	}
	if got := watcher.Current().SegmentTimeout.DefaultThresholdMinutes; got != 30 {
		t.Fatalf("initial default threshold = %d, want 30", got)
	}

	changed := make(chan MiraConfig, 1)
	watcher.OnChange(func(cfg MiraConfig) { changed <- cfg })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := watcher.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer watcher.Close()

	updated := "segment_timeout:\n  default_threshold_minutes: 45\n"
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatalf("write updated config: %v", err)
	}

	select {
	case cfg := <-changed:
		if cfg.SegmentTimeout.DefaultThresholdMinutes != 45 {
			t.Fatalf("reloaded default threshold = %d, want 45", cfg.SegmentTimeout.DefaultThresholdMinutes)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config reload notification")
	}
}

func TestMiraConfigEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mira.yaml")
	if err := os.WriteFile(path, []byte("segment_timeout:\n  default_threshold_minutes: 30\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("MIRA_SEGMENT_TIMEOUT_DEFAULT_MINUTES", "15")
	cfg, err := loadMiraConfigFile(path)
	if err != nil {
		t.Fatalf("loadMiraConfigFile: %v", err)
	}
	if cfg.SegmentTimeout.DefaultThresholdMinutes != 15 {
		t.Fatalf("env override did not apply, got %d", cfg.SegmentTimeout.DefaultThresholdMinutes)
	}
}
