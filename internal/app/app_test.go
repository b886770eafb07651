package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Keralin/WodSniper/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func testConfig(t *testing.T, dbPath string) string {
	t.Helper()
	return writeConfig(t, `
logging:
  level: error
  console: false
storage:
  path: `+dbPath+`
secrets:
  key: test-master-key
detector:
  enabled: false
`)
}

func TestAppLifecycle(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "app.db")
	a, err := New(testConfig(t, dbPath))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("database not created: %v", err)
	}
}

func TestNewRejectsBrokenConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
	}{
		{"missing storage path", "secrets:\n  key: k\n"},
		{"missing secrets key", "storage:\n  path: ./x.db\n"},
		{"unknown field", "storage:\n  path: ./x.db\nsecrets:\n  key: k\nbogus: 1\n"},
		{"bad duration", "storage:\n  path: ./x.db\nsecrets:\n  key: k\nbooking:\n  retry_delay: nope\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := New(writeConfig(t, tc.body)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestMappingDefaults(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	cfg.Storage.Path = "./x.db"
	cfg.Secrets.Key = "k"

	det, err := mapDetectorConfig(cfg)
	if err != nil {
		t.Fatalf("mapDetectorConfig: %v", err)
	}
	if det.PollInterval != time.Minute || det.RefreshLead != 10*time.Minute || det.BookLead != 5*time.Minute {
		t.Errorf("detector defaults = %+v", det)
	}

	n, err := mapNotifierConfig(cfg)
	if err != nil {
		t.Fatalf("mapNotifierConfig: %v", err)
	}
	if !n.Enabled {
		t.Error("omitted notifier section should default to enabled")
	}

	ref, err := mapRefresherConfig(cfg)
	if err != nil {
		t.Fatalf("mapRefresherConfig: %v", err)
	}
	if ref.UserDelay != 2*time.Second {
		t.Errorf("refresher default = %v", ref.UserDelay)
	}
}
