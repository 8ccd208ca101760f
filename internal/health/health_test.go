package health

import (
	"context"
	"sync"
	"testing"
)

func TestEmptyRegistryIsReady(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("no dependencies means ready")
	}
	if len(statuses) != 0 {
		t.Fatalf("got %d statuses, want 0", len(statuses))
	}
}

func TestAllDependenciesUp(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(_ context.Context) Status {
		return Status{Name: "database", Healthy: true}
	})
	r.Register("chain", func(_ context.Context) Status {
		return Status{Name: "chain", Healthy: true, Detail: "block 1042"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("healthy dependencies should report ready")
	}
	if len(statuses) != 2 {
		t.Fatalf("got %d statuses, want 2", len(statuses))
	}
	if statuses[0].Name != "database" || statuses[1].Name != "chain" {
		t.Fatalf("statuses out of registration order: %v", statuses)
	}
}

func TestDownDependencyFailsReadiness(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(_ context.Context) Status {
		return Status{Name: "database", Healthy: true}
	})
	r.Register("chain", func(_ context.Context) Status {
		return Status{Name: "chain", Healthy: false, Detail: "rpc dial refused"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("a down dependency should fail readiness")
	}
	if statuses[1].Detail != "rpc dial refused" {
		t.Fatalf("detail = %q", statuses[1].Detail)
	}
}

func TestReRegisterReplacesChecker(t *testing.T) {
	r := NewRegistry()
	r.Register("chain", func(_ context.Context) Status {
		return Status{Name: "chain", Healthy: false}
	})
	r.Register("chain", func(_ context.Context) Status {
		return Status{Name: "chain", Healthy: true}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("replacement checker should win")
	}
	if len(statuses) != 1 {
		t.Fatalf("got %d statuses, want 1", len(statuses))
	}
}

func TestConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Register("database", func(_ context.Context) Status {
				return Status{Name: "database", Healthy: true}
			})
		}()
	}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}

	wg.Wait()
}
