package cli

import (
	"testing"
	"time"

	"github.com/lucasnoah/recdeploy/internal/config"
)

func TestTestConfigCountsRerunsAfterFirstRun(t *testing.T) {
	tests := []struct {
		reruns int
		want   int
	}{
		{1, 2},
		{2, 3},
		{4, 5},
	}
	for _, tt := range tests {
		got := testConfig(config.TestsConfig{Command: "go test ./...", Timeout: "90s", Reruns: tt.reruns})
		if got.Runs != tt.want {
			t.Errorf("reruns %d: runs = %d, want %d", tt.reruns, got.Runs, tt.want)
		}
		if got.Timeout != 90*time.Second {
			t.Errorf("timeout = %s", got.Timeout)
		}
	}
}

func TestTestConfigDefaultIsTwoRuns(t *testing.T) {
	path, _ := writeConfig(t, "")
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := testConfig(cfg.Tests).Runs; got != 2 {
		t.Errorf("default runs = %d, want 2", got)
	}
}
