// Package doctor runs health checks against a configured installation.
package doctor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/PiGrieco/mcp-memory-server/internal/config"
	"github.com/PiGrieco/mcp-memory-server/internal/storage"
	"github.com/PiGrieco/mcp-memory-server/internal/trigger"
	"github.com/nats-io/nats.go"
)

const probeTimeout = 3 * time.Second

// Diagnostics holds diagnostic information
type Diagnostics struct {
	Checks []CheckResult `json:"checks"`
	Issues []string      `json:"issues"`
	Status string        `json:"status"`
}

// CheckResult represents the result of a single check
type CheckResult struct {
	Name     string `json:"name"`
	Status   string `json:"status"` // "pass", "fail", "warn"
	Message  string `json:"message"`
	Severity string `json:"severity"` // "info", "warning", "error"
}

func pass(name, msg string) CheckResult {
	return CheckResult{Name: name, Status: "pass", Message: msg, Severity: "info"}
}

func fail(name, msg string) CheckResult {
	return CheckResult{Name: name, Status: "fail", Message: msg, Severity: "error"}
}

func warn(name, msg string) CheckResult {
	return CheckResult{Name: name, Status: "warn", Message: msg, Severity: "warning"}
}

// Runner runs diagnostic checks. db may be nil when snapshots are disabled.
type Runner struct {
	config *config.Config
	db     *storage.DB
	client *http.Client
}

// NewRunner creates a new diagnostic runner
func NewRunner(cfg *config.Config, db *storage.DB) *Runner {
	return &Runner{
		config: cfg,
		db:     db,
		client: &http.Client{Timeout: probeTimeout},
	}
}

// RunAll runs all diagnostic checks
func (d *Runner) RunAll(ctx context.Context) *Diagnostics {
	var results []CheckResult
	var issues []string

	results = append(results, d.checkConfiguration()...)
	results = append(results, d.checkDataDirectory()...)
	results = append(results, d.checkSnapshots(ctx)...)
	results = append(results, d.checkRules()...)
	results = append(results, d.checkClassifier()...)
	results = append(results, d.checkEmbeddings(ctx)...)
	results = append(results, d.checkEventBus()...)

	for _, result := range results {
		if result.Status == "fail" {
			issues = append(issues, result.Message)
		}
	}

	status := "healthy"
	if len(issues) > 0 {
		status = "issues_found"
	}

	return &Diagnostics{
		Checks: results,
		Issues: issues,
		Status: status,
	}
}

func (d *Runner) checkConfiguration() []CheckResult {
	if err := d.config.Validate(); err != nil {
		return []CheckResult{fail("configuration_validation", fmt.Sprintf("Configuration validation failed: %v", err))}
	}
	return []CheckResult{pass("configuration_validation", "Configuration is valid")}
}

func (d *Runner) checkDataDirectory() []CheckResult {
	dir := d.config.DataDir
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return []CheckResult{fail("data_directory_exists", fmt.Sprintf("Data directory does not exist: %s", dir))}
	} else if err != nil {
		return []CheckResult{fail("data_directory_access", fmt.Sprintf("Cannot access data directory: %v", err))}
	}
	if !info.IsDir() {
		return []CheckResult{fail("data_directory_exists", fmt.Sprintf("Data directory is not a directory: %s", dir))}
	}

	if err := testDirectoryPermissions(dir); err != nil {
		return []CheckResult{fail("data_directory_permissions", fmt.Sprintf("Insufficient permissions for data directory: %v", err))}
	}
	return []CheckResult{pass("data_directory_permissions", fmt.Sprintf("Data directory is writable: %s", dir))}
}

// testDirectoryPermissions tests if we can read and write to a directory
func testDirectoryPermissions(dir string) error {
	testFile := filepath.Join(dir, ".permission_test")
	if err := os.WriteFile(testFile, []byte("test"), 0644); err != nil {
		return err
	}
	return os.Remove(testFile)
}

func (d *Runner) checkSnapshots(ctx context.Context) []CheckResult {
	if !d.config.SnapshotEnabled {
		return []CheckResult{pass("snapshot_database", "Snapshots are disabled")}
	}
	if d.db == nil {
		return []CheckResult{fail("snapshot_database", fmt.Sprintf("Snapshot database is not open: %s", d.config.SnapshotPath))}
	}

	var results []CheckResult
	if err := d.db.GetConnection().PingContext(ctx); err != nil {
		return append(results, fail("snapshot_connectivity", fmt.Sprintf("Cannot connect to snapshot database: %v", err)))
	}
	results = append(results, pass("snapshot_connectivity", "Snapshot database connection successful"))

	v, err := d.db.CurrentVersion(ctx)
	switch {
	case err != nil:
		results = append(results, fail("snapshot_schema", fmt.Sprintf("Cannot read schema version: %v", err)))
	case v != storage.SchemaVersion:
		results = append(results, fail("snapshot_schema", fmt.Sprintf("Schema version %d, expected %d", v, storage.SchemaVersion)))
	default:
		results = append(results, pass("snapshot_schema", fmt.Sprintf("Schema version %d", v)))
	}

	var integrity string
	if err := d.db.GetConnection().QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&integrity); err != nil {
		results = append(results, fail("snapshot_integrity", fmt.Sprintf("Database integrity check failed: %v", err)))
	} else if integrity != "ok" {
		results = append(results, fail("snapshot_integrity", fmt.Sprintf("Database integrity check reported: %s", integrity)))
	} else {
		results = append(results, pass("snapshot_integrity", "Database integrity check passed"))
	}
	return results
}

func (d *Runner) checkRules() []CheckResult {
	if d.config.RulesFile == "" {
		return []CheckResult{pass("trigger_rules", fmt.Sprintf("Using %d built-in rules", trigger.DefaultRuleSet().Len()))}
	}
	rs, err := trigger.LoadRules(d.config.RulesFile)
	if err != nil {
		return []CheckResult{fail("trigger_rules", fmt.Sprintf("Cannot load rules file: %v", err))}
	}
	return []CheckResult{pass("trigger_rules", fmt.Sprintf("Loaded %d rules from %s", rs.Len(), d.config.RulesFile))}
}

func (d *Runner) checkClassifier() []CheckResult {
	if d.config.AdaptiveMode != config.AdaptiveClassifier {
		return nil
	}
	if _, err := os.Stat(d.config.ClassifierModelPath); err != nil {
		// Decisions fall back to the rules, so this is not fatal.
		return []CheckResult{warn("classifier_model", fmt.Sprintf("Classifier model unavailable: %v", err))}
	}
	return []CheckResult{pass("classifier_model", fmt.Sprintf("Classifier model found: %s", d.config.ClassifierModelPath))}
}

func (d *Runner) checkEmbeddings(ctx context.Context) []CheckResult {
	if d.config.Ranker != config.RankerEmbedding {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.config.EmbeddingBaseURL, nil)
	if err != nil {
		return []CheckResult{fail("embedding_endpoint", fmt.Sprintf("Invalid embedding URL: %v", err))}
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return []CheckResult{warn("embedding_endpoint", fmt.Sprintf("Embedding endpoint unreachable, keyword ranking will be used: %v", err))}
	}
	resp.Body.Close()
	return []CheckResult{pass("embedding_endpoint", fmt.Sprintf("Embedding endpoint reachable: %s", d.config.EmbeddingBaseURL))}
}

func (d *Runner) checkEventBus() []CheckResult {
	if d.config.NATSURL == "" {
		return nil
	}
	nc, err := nats.Connect(d.config.NATSURL, nats.Name("mcp-memory-doctor"), nats.Timeout(probeTimeout))
	if err != nil {
		return []CheckResult{warn("event_bus", fmt.Sprintf("Cannot reach NATS at %s: %v", d.config.NATSURL, err))}
	}
	nc.Close()
	return []CheckResult{pass("event_bus", fmt.Sprintf("Connected to NATS at %s", d.config.NATSURL))}
}

// PrintReport writes a formatted diagnostic report
func (d *Diagnostics) PrintReport(w io.Writer) {
	fmt.Fprintf(w, "=== mcp-memory Diagnostic Report ===\n")
	fmt.Fprintf(w, "Status: %s\n\n", d.Status)

	if len(d.Issues) > 0 {
		fmt.Fprintf(w, "Issues Found:\n")
		for i, issue := range d.Issues {
			fmt.Fprintf(w, "  %d. %s\n", i+1, issue)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Detailed Checks:\n")
	for _, check := range d.Checks {
		statusSymbol := "✓"
		if check.Status == "fail" {
			statusSymbol = "✗"
		} else if check.Status == "warn" {
			statusSymbol = "!"
		}

		fmt.Fprintf(w, "  %s %s: %s\n", statusSymbol, check.Name, check.Message)
	}

	fmt.Fprintln(w, "\nRecommendations:")
	if len(d.Issues) == 0 {
		fmt.Fprintln(w, "  ✓ System is operating normally")
	} else {
		fmt.Fprintln(w, "  • Check the data directory permissions")
		fmt.Fprintln(w, "  • Validate the rules file with `mcp-memory rules validate`")
		fmt.Fprintln(w, "  • Review configuration settings")
	}
}
