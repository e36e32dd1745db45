package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/bdobrica/kioku/internal/kioku/config"
)

func TestOpenSource_Legacy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "export.jsonl")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()

	src, err := OpenSource(context.Background(), cfg, SourceLegacy, path, nil)
	if err != nil {
		t.Fatalf("OpenSource: %v", err)
	}
	defer src.Close()
	if src.Name() != SourceLegacy {
		t.Errorf("name: got %q", src.Name())
	}
}

func TestOpenSource_Errors(t *testing.T) {
	cfg := config.Default()
	cases := []struct {
		name, kind string
	}{
		{"legacy without file", SourceLegacy},
		{"live without dsn", SourceLive},
		{"unknown kind", "csv"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := OpenSource(context.Background(), cfg, tc.kind, "", nil); err == nil {
				t.Error("expected error")
			}
		})
	}
}
