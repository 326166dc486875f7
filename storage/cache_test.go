package storage

import "testing"

func newTestCache(t *testing.T) (*PageCache, int) {
	t.Helper()
	const pageSize = 4096
	file := NewMemFile()
	io := NewPageIO(file, pageSize)
	return NewPageCache(io, 4), pageSize
}

func TestCacheWriteReadRoundTrip(t *testing.T) {
	cache, pageSize := newTestCache(t)
	buf := make([]byte, pageSize)
	buf[0] = 0x42
	if err := cache.WritePage(3, buf); err != nil {
		t.Fatalf("write: %v", err)
	}
	out := make([]byte, pageSize)
	if err := cache.ReadPage(3, out); err != nil {
		t.Fatalf("read: %v", err)
	}
	if out[0] != 0x42 {
		t.Errorf("got %x, want 0x42", out[0])
	}
}

func TestCacheRejectsWrongBufferLength(t *testing.T) {
	cache, _ := newTestCache(t)
	if err := cache.ReadPage(0, make([]byte, 10)); err == nil {
		t.Error("expected error for short buffer")
	}
	if err := cache.WritePage(0, make([]byte, 10)); err == nil {
		t.Error("expected error for short buffer")
	}
}

func TestCacheEvictsUnderCapacity(t *testing.T) {
	cache, pageSize := newTestCache(t)
	buf := make([]byte, pageSize)
	for i := uint32(0); i < 10; i++ {
		if err := cache.WritePage(i, buf); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	_, _, size, capacity := cache.Stats()
	if capacity != 4 {
		t.Errorf("capacity = %d, want 4", capacity)
	}
	if size > capacity {
		t.Errorf("size %d exceeds capacity %d", size, capacity)
	}
}

func TestCacheInvalidateForcesReload(t *testing.T) {
	cache, pageSize := newTestCache(t)
	buf := make([]byte, pageSize)
	buf[0] = 7
	if err := cache.WritePage(1, buf); err != nil {
		t.Fatalf("write: %v", err)
	}
	cache.Invalidate(1)

	out := make([]byte, pageSize)
	if err := cache.ReadPage(1, out); err != nil {
		t.Fatalf("read: %v", err)
	}
	if out[0] != 7 {
		t.Errorf("expected write-through to survive invalidate, got %x", out[0])
	}
}

func TestCacheHitRate(t *testing.T) {
	cache, pageSize := newTestCache(t)
	buf := make([]byte, pageSize)
	if err := cache.WritePage(0, buf); err != nil {
		t.Fatalf("write: %v", err)
	}
	out := make([]byte, pageSize)
	cache.ReadPage(0, out)
	cache.ReadPage(0, out)
	hits, misses, _, _ := cache.Stats()
	if hits == 0 {
		t.Errorf("expected at least one hit, got hits=%d misses=%d", hits, misses)
	}
	if rate := cache.HitRate(); rate <= 0 {
		t.Errorf("expected positive hit rate, got %f", rate)
	}
}
