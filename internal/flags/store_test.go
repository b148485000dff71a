package flags

import (
	"testing"

	"github.com/nanjiek/dbd-gateway/internal/config"
	"github.com/nanjiek/dbd-gateway/internal/identity"
)

func mustJoin(t *testing.T, st *Store) *Reader {
	t.Helper()
	r, err := st.Join()
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	t.Cleanup(r.Close)
	return r
}

func TestEvaluateDisabledFlag(t *testing.T) {
	st := NewStore([]config.Flag{{Key: "f1", Enabled: false, Rollout: 100}})
	r := mustJoin(t, st)
	d, err := r.Evaluate("f1", identity.ClientKey{Key: "user:1"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.On {
		t.Fatal("disabled flag evaluated on")
	}
}

func TestEvaluateFullRollout(t *testing.T) {
	st := NewStore([]config.Flag{{Key: "f1", Enabled: true, Rollout: 100, Variant: "v2"}})
	r := mustJoin(t, st)
	d, err := r.Evaluate("f1", identity.ClientKey{Key: "user:1"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !d.On || d.Variant != "v2" {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

func TestEvaluateUnknownFlag(t *testing.T) {
	st := NewStore(nil)
	r := mustJoin(t, st)
	d, err := r.Evaluate("missing", identity.ClientKey{Key: "user:1"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.On {
		t.Fatal("unknown flag evaluated on")
	}
}

func TestEvaluateRolloutIsStablePerClient(t *testing.T) {
	st := NewStore([]config.Flag{{Key: "f1", Enabled: true, Rollout: 50}})
	r := mustJoin(t, st)
	client := identity.ClientKey{Key: "user:42"}
	first, err := r.Evaluate("f1", client)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	for i := 0; i < 20; i++ {
		d, err := r.Evaluate("f1", client)
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if d.On != first.On {
			t.Fatalf("rollout flapped for the same client across reads")
		}
	}
}

func TestReplaceIsVisibleToExistingReader(t *testing.T) {
	st := NewStore(nil)
	r := mustJoin(t, st)

	d, _ := r.Evaluate("f1", identity.ClientKey{Key: "user:1"})
	if d.On {
		t.Fatal("expected flag absent before Replace")
	}

	st.Replace([]config.Flag{{Key: "f1", Enabled: true, Rollout: 100}})

	d, err := r.Evaluate("f1", identity.ClientKey{Key: "user:1"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !d.On {
		t.Fatal("expected flag on after Replace")
	}
}

func TestEvaluateAllReturnsConsistentSet(t *testing.T) {
	st := NewStore([]config.Flag{
		{Key: "f1", Enabled: true, Rollout: 100},
		{Key: "f2", Enabled: true, Rollout: 100},
	})
	r := mustJoin(t, st)
	decisions, err := r.EvaluateAll(identity.ClientKey{Key: "user:1"})
	if err != nil {
		t.Fatalf("EvaluateAll: %v", err)
	}
	if len(decisions) != 2 {
		t.Fatalf("expected 2 decisions, got %d", len(decisions))
	}
}
