package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"go.uber.org/zap"

	"floryn/internal/config"
	"floryn/internal/domain"
)

func TestWriteStatsTable(t *testing.T) {
	var buf bytes.Buffer
	writeStats(&buf, domain.FreshnessStats{Fresh: 2, Good: 1, LastSale: 1, Expired: 1, Total: 5})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 6 {
		t.Fatalf("expected header and five rows, got %q", buf.String())
	}
	if !strings.HasPrefix(lines[3], "Last Sale") || !strings.HasSuffix(lines[3], "1") {
		t.Fatalf("unexpected Last Sale row %q", lines[3])
	}
	if !strings.HasSuffix(lines[5], "5") {
		t.Fatalf("unexpected Total row %q", lines[5])
	}
}

func TestRunSweepsSeededCatalog(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.Config{StoreTimezone: "UTC", SweepBatchSize: 2, LockTimeoutSeconds: 1}

	if err := run(context.Background(), cfg, 4, zap.NewNop(), &buf); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "Total") || !strings.Contains(out, "Low stock (below 4): 1") {
		t.Fatalf("unexpected output:\n%s", out)
	}
	if !strings.Contains(out, "flw-seed-tulip") {
		t.Fatalf("expected tulip in low stock list:\n%s", out)
	}
}
