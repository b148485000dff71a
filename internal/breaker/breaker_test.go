package breaker

import (
	"context"
	"errors"
	"testing"

	"github.com/nanjiek/dbd-gateway/internal/config"
)

func TestDisabledBreakerPassesThrough(t *testing.T) {
	b, err := New("test-resource-disabled", config.BreakerCfg{Enabled: false})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	called := false
	want := errors.New("boom")
	err = b.Do(context.Background(), func(ctx context.Context) error {
		called = true
		return want
	})
	if !called {
		t.Fatal("expected fn to be called when breaker disabled")
	}
	if !errors.Is(err, want) {
		t.Fatalf("Do returned %v, want %v", err, want)
	}
}
