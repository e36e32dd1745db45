package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := rootCMD()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "kioku ") {
		t.Errorf("output: %q", out)
	}
}

func TestRetryList_RejectsUnknownState(t *testing.T) {
	if _, err := execute(t, "retry", "list", "--state", "done"); err == nil {
		t.Error("expected error for unknown state")
	}
}

func TestRetryList_EmptyQueue(t *testing.T) {
	t.Setenv("KIOKU_DATABASE_PATH", filepath.Join(t.TempDir(), "kioku.db"))
	t.Setenv("KIOKU_EMBEDDING_PROVIDER", "hash")
	t.Setenv("KIOKU_VECTOR_BACKEND", "sqlite")

	out, err := execute(t, "retry", "list")
	if err != nil {
		t.Fatalf("retry list: %v", err)
	}
	if !strings.Contains(out, "MEMORY ID") {
		t.Errorf("missing header: %q", out)
	}
}

func TestIngest_UnknownSource(t *testing.T) {
	t.Setenv("KIOKU_DATABASE_PATH", filepath.Join(t.TempDir(), "kioku.db"))
	t.Setenv("KIOKU_EMBEDDING_PROVIDER", "hash")
	t.Setenv("KIOKU_VECTOR_BACKEND", "sqlite")

	if _, err := execute(t, "ingest", "--source", "csv"); err == nil {
		t.Error("expected error for unknown source")
	}
}
