package environment_test

import (
	"testing"
	"time"

	"github.com/bdobrica/kioku/common/environment"
)

func TestStringOr(t *testing.T) {
	t.Setenv("TEST_STRING", "hello")
	if got := environment.StringOr("TEST_STRING", "default"); got != "hello" {
		t.Errorf("expected %q, got %q", "hello", got)
	}
	if got := environment.StringOr("TEST_STRING_MISSING", "default"); got != "default" {
		t.Errorf("expected %q, got %q", "default", got)
	}
}

func TestOverlay_OnlyTouchesSetVariables(t *testing.T) {
	t.Setenv("TEST_NAME", " kioku ")
	t.Setenv("TEST_EMPTY", "")

	name, untouched, empty := "before", "keep", "keep"
	o := environment.NewOverlay("TEST_")
	o.String(&name, "NAME")
	o.String(&untouched, "MISSING")
	o.String(&empty, "EMPTY")

	if name != "kioku" {
		t.Errorf("name: got %q, want %q", name, "kioku")
	}
	if untouched != "keep" || empty != "keep" {
		t.Errorf("unset/empty variables must not overwrite: %q %q", untouched, empty)
	}
	if err := o.Err(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestOverlay_ParsesTypedValues(t *testing.T) {
	t.Setenv("TEST_BATCH", "64")
	t.Setenv("TEST_DRY", "true")
	t.Setenv("TEST_DELAY", "250ms")

	var (
		batch int
		dry   bool
		delay time.Duration
	)
	o := environment.NewOverlay("TEST_")
	o.Int(&batch, "BATCH")
	o.Bool(&dry, "DRY")
	o.Duration(&delay, "DELAY")

	if err := o.Err(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if batch != 64 || !dry || delay != 250*time.Millisecond {
		t.Errorf("unexpected values: batch=%d dry=%v delay=%v", batch, dry, delay)
	}
}

func TestOverlay_CollectsParseErrors(t *testing.T) {
	t.Setenv("TEST_BATCH", "lots")
	t.Setenv("TEST_DELAY", "soon")

	batch := 7
	delay := time.Second
	o := environment.NewOverlay("TEST_")
	o.Int(&batch, "BATCH")
	o.Duration(&delay, "DELAY")

	if o.Err() == nil {
		t.Fatal("expected parse errors")
	}
	if batch != 7 || delay != time.Second {
		t.Errorf("bad values must leave destinations unchanged: batch=%d delay=%v", batch, delay)
	}
}
