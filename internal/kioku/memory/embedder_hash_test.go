package memory

import (
	"context"
	"math"
	"testing"
)

func TestHashEmbedder_DeterministicUnitVectors(t *testing.T) {
	e := NewHashEmbedder(16)
	ctx := context.Background()

	a, err := e.Embed(ctx, "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	b, _ := e.Embed(ctx, "hello")
	c, _ := e.Embed(ctx, "goodbye")

	if len(a) != 16 {
		t.Fatalf("expected 16 dims, got %d", len(a))
	}
	var norm float64
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("dimension %d differs between identical inputs", i)
		}
		norm += float64(a[i]) * float64(a[i])
	}
	if math.Abs(norm-1) > 1e-5 {
		t.Errorf("expected unit vector, got squared norm %f", norm)
	}
	same := true
	for i := range a {
		if a[i] != c[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("different inputs produced identical vectors")
	}
}

func TestHashEmbedder_Defaults(t *testing.T) {
	if d := NewHashEmbedder(0).Dimensions(); d != DefaultHashDimensions {
		t.Errorf("expected %d dims, got %d", DefaultHashDimensions, d)
	}
	if _, err := NewHashEmbedder(4).Embed(context.Background(), ""); err == nil {
		t.Error("expected error for empty text")
	}
}
