package pool_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/10088/haproxy/pool"
)

func TestCreate_SharedPoolsMerge(t *testing.T) {
	reg := pool.NewRegistry()

	a := reg.Create("client-req", 16384, pool.Shared)
	b := reg.Create("client-res", 16384, pool.Shared)

	if a != b {
		t.Fatal("expected identical size+shared pools to merge")
	}
	if got := a.Name(); got != "client-req" {
		t.Errorf("expected first creator's name to win, got %q", got)
	}

	stats := reg.Stats()
	if len(stats) != 1 {
		t.Fatalf("expected a single pool, got %d", len(stats))
	}
	if stats[0].Users != 2 {
		t.Errorf("expected 2 users, got %d", stats[0].Users)
	}
}

func TestCreate_UnsharedPoolsStayDistinct(t *testing.T) {
	reg := pool.NewRegistry()

	a := reg.Create("a", 1024, 0)
	b := reg.Create("b", 1024, 0)

	if a == b {
		t.Fatal("pools without the shared flag must not merge")
	}
}

func TestCreate_SizeRoundingMergesClasses(t *testing.T) {
	reg := pool.NewRegistry()

	// 1009 and 1024 land in the same 16-byte-aligned class.
	a := reg.Create("a", 1009, pool.Shared)
	b := reg.Create("b", 1024, pool.Shared)

	if a != b {
		t.Fatalf("expected sizes 1009 and 1024 to share a class, got %d and %d", a.Size(), b.Size())
	}
	if a.Size() != 1024 {
		t.Errorf("expected rounded size 1024, got %d", a.Size())
	}
}

func TestCreate_KeepsSizeOrder(t *testing.T) {
	reg := pool.NewRegistry()

	reg.Create("large", 4096, 0)
	reg.Create("small", 64, 0)
	reg.Create("mid", 1024, 0)

	var sizes []int
	for _, s := range reg.Stats() {
		sizes = append(sizes, s.Size)
	}

	if diff := cmp.Diff([]int{64, 1024, 4096}, sizes); diff != "" {
		t.Errorf("registry order mismatch (-want +got):\n%s", diff)
	}
}

func TestGetPut_ReusesChunks(t *testing.T) {
	reg := pool.NewRegistry()
	p := reg.Create("bufs", 512, 0)

	chunk, err := p.Get()
	if err != nil {
		t.Fatalf("failed to get chunk: %v", err)
	}
	if len(chunk) != 512 {
		t.Fatalf("expected 512-byte chunk, got %d", len(chunk))
	}

	p.Put(chunk)

	again, err := p.Get()
	if err != nil {
		t.Fatalf("failed to get chunk: %v", err)
	}
	if &again[0] != &chunk[0] {
		t.Error("expected the freed chunk to be reused")
	}

	stats := reg.Stats()[0]
	if stats.Allocated != 1 || stats.Used != 1 {
		t.Errorf("expected allocated=1 used=1, got allocated=%d used=%d", stats.Allocated, stats.Used)
	}
}

func TestGet_LimitExhaustion(t *testing.T) {
	reg := pool.NewRegistry()
	p := reg.Create("bounded", 64, 0)
	p.SetLimit(2)

	if _, err := p.Get(); err != nil {
		t.Fatalf("failed to get first chunk: %v", err)
	}
	if _, err := p.Get(); err != nil {
		t.Fatalf("failed to get second chunk: %v", err)
	}

	_, err := p.Get()
	if !errors.Is(err, pool.ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
}

func TestGet_LimitRecoveredByPut(t *testing.T) {
	reg := pool.NewRegistry()
	p := reg.Create("bounded", 64, 0)
	p.SetLimit(1)

	chunk, err := p.Get()
	if err != nil {
		t.Fatalf("failed to get chunk: %v", err)
	}
	p.Put(chunk)

	if _, err := p.Get(); err != nil {
		t.Fatalf("expected freed chunk to satisfy the limit, got %v", err)
	}
}

func TestGC_NeverDropsAllocatedBelowUsed(t *testing.T) {
	reg := pool.NewRegistry()
	p := reg.Create("gc", 128, 0)

	held, err := p.Get()
	if err != nil {
		t.Fatalf("failed to get chunk: %v", err)
	}
	loose, err := p.Get()
	if err != nil {
		t.Fatalf("failed to get chunk: %v", err)
	}
	p.Put(loose)

	reg.GC()

	stats := reg.Stats()[0]
	if stats.Allocated < stats.Used {
		t.Fatalf("allocated %d fell below used %d", stats.Allocated, stats.Used)
	}
	if stats.Allocated != 1 {
		t.Errorf("expected GC to trim the free chunk only, allocated=%d", stats.Allocated)
	}

	p.Put(held)
}

func TestGC_RespectsMinAvail(t *testing.T) {
	reg := pool.NewRegistry()
	p := reg.Create("reserved", 128, 0)
	p.SetMinAvail(2)

	var chunks [][]byte
	for range 3 {
		c, err := p.Get()
		if err != nil {
			t.Fatalf("failed to get chunk: %v", err)
		}
		chunks = append(chunks, c)
	}
	for _, c := range chunks {
		p.Put(c)
	}

	reg.GC()

	stats := reg.Stats()[0]
	if stats.Allocated != 2 {
		t.Errorf("expected GC to keep minavail=2 chunks, allocated=%d", stats.Allocated)
	}
}

func TestFlush_IgnoresMinAvail(t *testing.T) {
	reg := pool.NewRegistry()
	p := reg.Create("flushed", 128, 0)
	p.SetMinAvail(2)

	c, err := p.Get()
	if err != nil {
		t.Fatalf("failed to get chunk: %v", err)
	}
	p.Put(c)

	p.Flush()

	stats := reg.Stats()[0]
	if stats.Allocated != 0 || stats.Free != 0 {
		t.Errorf("expected empty pool after flush, allocated=%d free=%d", stats.Allocated, stats.Free)
	}
}

func TestDestroy_LastUserUnlinks(t *testing.T) {
	reg := pool.NewRegistry()
	p := reg.Create("short-lived", 256, pool.Shared)
	reg.Create("alias", 256, pool.Shared)

	if err := p.Destroy(); err != nil {
		t.Fatalf("first destroy should only drop a user: %v", err)
	}
	if len(reg.Stats()) != 1 {
		t.Fatal("pool unlinked while a user remained")
	}

	if err := p.Destroy(); err != nil {
		t.Fatalf("final destroy failed: %v", err)
	}
	if len(reg.Stats()) != 0 {
		t.Fatal("expected pool to be unlinked from the registry")
	}
}

func TestDestroy_FailsWhileInUse(t *testing.T) {
	reg := pool.NewRegistry()
	p := reg.Create("busy", 256, 0)

	chunk, err := p.Get()
	if err != nil {
		t.Fatalf("failed to get chunk: %v", err)
	}

	if err := p.Destroy(); !errors.Is(err, pool.ErrInUse) {
		t.Fatalf("expected ErrInUse, got %v", err)
	}

	p.Put(chunk)
	if err := p.Destroy(); err != nil {
		t.Fatalf("destroy after put failed: %v", err)
	}
}
