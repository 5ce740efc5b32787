package observerbus

import (
	"context"
	"testing"
)

func TestFireOrderAndLastNonNil(t *testing.T) {
	b := New()
	var calls []int
	b.Add(func(ctx context.Context, details any) any {
		calls = append(calls, 1)
		return nil
	})
	b.Add(func(ctx context.Context, details any) any {
		calls = append(calls, 2)
		return "second"
	})
	b.Add(func(ctx context.Context, details any) any {
		calls = append(calls, 3)
		return nil
	})

	result := b.Fire("topic", nil)
	if len(calls) != 3 || calls[0] != 1 || calls[1] != 2 || calls[2] != 3 {
		t.Fatalf("unexpected call order: %v", calls)
	}
	if result != "second" {
		t.Fatalf("expected last non-nil return value, got %v", result)
	}
}

func TestBeforeAssetUpdatedVeto(t *testing.T) {
	b := New()
	b.Add(func(ctx context.Context, details any) any {
		return true
	})
	if veto, _ := b.Fire("before-asset-updated", "k").(bool); !veto {
		t.Fatalf("expected veto true")
	}
}

func TestAddRemoveIdempotent(t *testing.T) {
	b := New()
	calls := 0
	obs := func(ctx context.Context, details any) any {
		calls++
		return nil
	}
	b.Add(obs)
	b.Add(obs) // no-op, already registered
	b.Fire("x", nil)
	if calls != 1 {
		t.Fatalf("expected single registration to fire once, got %d calls", calls)
	}

	b.Remove(obs)
	b.Remove(obs) // no-op, already removed
	b.Fire("x", nil)
	if calls != 1 {
		t.Fatalf("expected no further calls after remove, got %d", calls)
	}
}
