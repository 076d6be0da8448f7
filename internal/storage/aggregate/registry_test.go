package aggregate

import (
	"testing"

	"github.com/xtxerr/statline/internal/errors"
	"github.com/xtxerr/statline/internal/storage/types"
	testutil "github.com/xtxerr/statline/internal/testing"
)

func TestRegistryBuiltins(t *testing.T) {
	r := NewRegistry()

	tests := []struct {
		bucketType string
		want       Aggregator
	}{
		{types.BucketCounter, Sum},
		{types.BucketAverage, Mean},
		{types.BucketDatapoint, CarryForward},
	}

	for _, tt := range tests {
		got, err := r.Lookup(tt.bucketType)
		if err != nil {
			t.Fatalf("Lookup(%q): %v", tt.bucketType, err)
		}
		if got != tt.want {
			t.Errorf("Lookup(%q) = %s, want %s", tt.bucketType, got.Name(), tt.want.Name())
		}
	}
}

func TestRegistryFallback(t *testing.T) {
	r := NewRegistry()

	agg, err := r.Lookup("gauge")
	if err != nil {
		t.Fatalf("expected fallback, got %v", err)
	}
	if agg.Name() != "custom" || agg.EmptyValue() != 0 {
		t.Errorf("unexpected fallback %s/%v", agg.Name(), agg.EmptyValue())
	}

	stats := r.Stats()
	if stats.Fallbacks != 1 || stats.Lookups != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestRegistryCustomFallback(t *testing.T) {
	r := NewRegistry(WithFallback(Sum))

	agg, err := r.Lookup("whatever")
	if err != nil {
		t.Fatal(err)
	}
	if agg != Sum {
		t.Errorf("expected Sum fallback, got %s", agg.Name())
	}
}

func TestRegistryStrict(t *testing.T) {
	r := NewRegistry(StrictTypes())

	if !r.Strict() {
		t.Error("expected strict registry")
	}
	if _, err := r.Lookup("gauge"); !errors.Is(err, errors.ErrUnknownBucketType) {
		t.Errorf("expected ErrUnknownBucketType, got %v", err)
	}
	if _, err := r.Lookup(types.BucketCounter); err != nil {
		t.Errorf("built-ins must still resolve: %v", err)
	}
	if r.Stats().Misses != 1 {
		t.Errorf("expected one miss, got %+v", r.Stats())
	}
}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry(StrictTypes())

	if err := r.Register("gauge", CarryForward); err != nil {
		t.Fatal(err)
	}
	agg, err := r.Lookup("gauge")
	if err != nil {
		t.Fatal(err)
	}
	if agg != CarryForward {
		t.Errorf("expected CarryForward, got %s", agg.Name())
	}

	want := []string{"average", "counter", "datapoint", "gauge"}
	got := r.Types()
	if len(got) != len(want) {
		t.Fatalf("Types() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Types()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRegistryRegisterRejectsInvalid(t *testing.T) {
	r := NewRegistry()

	if err := r.Register("  ", Sum); !errors.Is(err, errors.ErrInvalidName) {
		t.Errorf("expected ErrInvalidName, got %v", err)
	}
	if err := r.Register("x", nil); !errors.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()

	gt := testutil.NewGoroutineTest(t)
	defer gt.Wait()

	for i := 0; i < 8; i++ {
		gt.Go(func() error {
			return r.Register("custom-"+string(rune('a'+i)), Mean)
		})
		gt.Go(func() error {
			_, err := r.Lookup(types.BucketCounter)
			return err
		})
	}
}
