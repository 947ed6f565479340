package doctor

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/PiGrieco/mcp-memory-server/internal/config"
	"github.com/PiGrieco/mcp-memory-server/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findCheck(t *testing.T, d *Diagnostics, name string) CheckResult {
	t.Helper()
	for _, c := range d.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("check %q not reported", name)
	return CheckResult{}
}

func TestHealthyInstallation(t *testing.T) {
	cfg := config.Default(t.TempDir())
	db, err := storage.Open(cfg.SnapshotPath)
	require.NoError(t, err)
	defer db.Close()

	d := NewRunner(cfg, db).RunAll(context.Background())
	assert.Equal(t, "healthy", d.Status)
	assert.Empty(t, d.Issues)
	assert.Equal(t, "pass", findCheck(t, d, "snapshot_schema").Status)
	assert.Equal(t, "pass", findCheck(t, d, "snapshot_integrity").Status)
	assert.Equal(t, "pass", findCheck(t, d, "trigger_rules").Status)

	var buf bytes.Buffer
	d.PrintReport(&buf)
	assert.Contains(t, buf.String(), "Status: healthy")
	assert.Contains(t, buf.String(), "System is operating normally")
}

func TestReportsProblems(t *testing.T) {
	cfg := config.Default(t.TempDir())
	cfg.RulesFile = filepath.Join(cfg.DataDir, "rules.yaml")
	require.NoError(t, os.WriteFile(cfg.RulesFile, []byte("rules: [oops"), 0644))
	cfg.TopN = 0

	d := NewRunner(cfg, nil).RunAll(context.Background())
	assert.Equal(t, "issues_found", d.Status)
	assert.Equal(t, "fail", findCheck(t, d, "configuration_validation").Status)
	assert.Equal(t, "fail", findCheck(t, d, "trigger_rules").Status)
	assert.Equal(t, "fail", findCheck(t, d, "snapshot_database").Status)
	assert.Len(t, d.Issues, 3)

	var buf bytes.Buffer
	d.PrintReport(&buf)
	assert.Contains(t, buf.String(), "Issues Found:")
	assert.Contains(t, buf.String(), "✗ trigger_rules")
}

func TestOptionalBackendsWarn(t *testing.T) {
	cfg := config.Default(t.TempDir())
	cfg.SnapshotEnabled = false
	cfg.AdaptiveMode = config.AdaptiveClassifier
	cfg.ClassifierModelPath = filepath.Join(cfg.DataDir, "missing.onnx")
	cfg.NATSURL = "nats://127.0.0.1:1"

	d := NewRunner(cfg, nil).RunAll(context.Background())
	assert.Equal(t, "healthy", d.Status, "optional backends only warn")
	assert.Equal(t, "warn", findCheck(t, d, "classifier_model").Status)
	assert.Equal(t, "warn", findCheck(t, d, "event_bus").Status)
	assert.Equal(t, "pass", findCheck(t, d, "snapshot_database").Status)
}

func TestEmbeddingEndpointProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	cfg := config.Default(t.TempDir())
	cfg.SnapshotEnabled = false
	cfg.Ranker = config.RankerEmbedding
	cfg.EmbeddingBaseURL = srv.URL

	d := NewRunner(cfg, nil).RunAll(context.Background())
	assert.Equal(t, "pass", findCheck(t, d, "embedding_endpoint").Status)

	srv.Close()
	d = NewRunner(cfg, nil).RunAll(context.Background())
	assert.Equal(t, "warn", findCheck(t, d, "embedding_endpoint").Status)
}
