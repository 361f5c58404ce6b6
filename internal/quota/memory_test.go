package quota

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
)

func TestCheckAndConsume_FirstUseCounts(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	allowed, err := s.CheckAndConsume(ctx, "anthropic:a@b.com", 3)
	if err != nil {
		t.Fatalf("CheckAndConsume failed: %v", err)
	}
	if !allowed {
		t.Fatal("Expected first use to be allowed")
	}

	count, _ := s.Count(ctx, "anthropic:a@b.com")
	if count != 1 {
		t.Errorf("Expected counter initialized to 1, got %d", count)
	}
}

func TestCheckAndConsume_RejectsAtMax(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, _ := s.CheckAndConsume(ctx, "k", 3)
		if !allowed {
			t.Fatalf("Request %d unexpectedly rejected", i+1)
		}
	}

	allowed, _ := s.CheckAndConsume(ctx, "k", 3)
	if allowed {
		t.Error("Expected rejection after max requests")
	}

	// A rejected call must not increment.
	count, _ := s.Count(ctx, "k")
	if count != 3 {
		t.Errorf("Expected counter to stay at 3, got %d", count)
	}
}

func TestCheckAndConsume_KeysAreIndependent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		s.CheckAndConsume(ctx, "anthropic:a@b.com", 2)
	}
	allowed, _ := s.CheckAndConsume(ctx, "openai:a@b.com", 2)
	if !allowed {
		t.Error("Expected a different provider key to have its own counter")
	}
	allowed, _ = s.CheckAndConsume(ctx, "anthropic:c@d.com", 2)
	if !allowed {
		t.Error("Expected a different identity to have its own counter")
	}
}

func TestCheckAndConsume_Linearizable(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	const n = 100
	const max = 10

	var accepted int64
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			allowed, err := s.CheckAndConsume(ctx, "anthropic:a@b.com", max)
			if err != nil {
				t.Errorf("CheckAndConsume failed: %v", err)
				return
			}
			if allowed {
				atomic.AddInt64(&accepted, 1)
			}
		}()
	}

	close(start)
	wg.Wait()

	if accepted != max {
		t.Errorf("Expected exactly %d accepted under %d concurrent requests, got %d", max, n, accepted)
	}
	count, _ := s.Count(ctx, "anthropic:a@b.com")
	if count != max {
		t.Errorf("Expected counter at %d, got %d", max, count)
	}
}

func TestRefund(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.CheckAndConsume(ctx, "k", 5)
	s.CheckAndConsume(ctx, "k", 5)

	if err := s.Refund(ctx, "k"); err != nil {
		t.Fatalf("Refund failed: %v", err)
	}
	count, _ := s.Count(ctx, "k")
	if count != 1 {
		t.Errorf("Expected counter 1 after refund, got %d", count)
	}

	// Refunding below zero is a no-op.
	s.Refund(ctx, "k")
	s.Refund(ctx, "k")
	count, _ = s.Count(ctx, "k")
	if count != 0 {
		t.Errorf("Expected counter floored at 0, got %d", count)
	}
}

func TestTracker_UnlimitedProvider(t *testing.T) {
	s := NewMemoryStore()
	tr := NewTracker(s, map[string]int64{"anthropic": 0})
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		allowed, err := tr.Allow(ctx, "anthropic", "a@b.com")
		if err != nil || !allowed {
			t.Fatalf("Expected untracked provider to always allow, got %v %v", allowed, err)
		}
	}
	if tr.Enabled() {
		t.Error("Expected tracker with no positive limits to report disabled")
	}

	count, _ := s.Count(ctx, Key("anthropic", "a@b.com"))
	if count != 0 {
		t.Errorf("Expected no counter writes for untracked provider, got %d", count)
	}
}

func TestTracker_EnforcesPerProviderLimits(t *testing.T) {
	tr := NewTracker(NewMemoryStore(), map[string]int64{"anthropic": 2, "openai": 1})
	ctx := context.Background()

	if !tr.Enabled() {
		t.Fatal("Expected tracker to be enabled")
	}

	for i := 0; i < 2; i++ {
		allowed, _ := tr.Allow(ctx, "anthropic", "a@b.com")
		if !allowed {
			t.Fatalf("anthropic request %d unexpectedly rejected", i+1)
		}
	}
	allowed, _ := tr.Allow(ctx, "anthropic", "a@b.com")
	if allowed {
		t.Error("Expected anthropic quota exhausted")
	}

	allowed, _ = tr.Allow(ctx, "openai", "a@b.com")
	if !allowed {
		t.Error("Expected openai quota untouched by anthropic usage")
	}
}
