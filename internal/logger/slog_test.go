package logger

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitSlog_WritesDailyFile(t *testing.T) {
	dir := t.TempDir()
	var console strings.Builder

	if err := InitSlog(dir, true, &console); err != nil {
		t.Fatalf("InitSlog() error = %v", err)
	}
	defer func() { _ = CloseSlog() }()

	ctx := WithTask(WithSession(context.Background(), "sess-1"), "task-9")
	InfoContext(ctx, "state changed", "to", "running")

	if !strings.Contains(console.String(), `"session_id":"sess-1"`) {
		t.Errorf("console output missing session_id: %s", console.String())
	}
	if !strings.Contains(console.String(), `"task_id":"task-9"`) {
		t.Errorf("console output missing task_id: %s", console.String())
	}

	matches, err := filepath.Glob(filepath.Join(dir, "agentbridge-*.jsonl"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("log files = %v (err %v), want exactly one", matches, err)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.Contains(string(data), "state changed") {
		t.Errorf("log file missing record: %s", data)
	}
}
