package cache

import (
	"context"
	"testing"
	"time"

	"dealbase/internal/config"
)

func TestMemoryStoreExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.Set(ctx, "short", []byte("a"), 10*time.Millisecond)
	_ = s.Set(ctx, "forever", []byte("b"), 0)

	if v, ok, _ := s.Get(ctx, "short"); !ok || string(v) != "a" {
		t.Fatalf("fresh get v=%q ok=%v", v, ok)
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok, _ := s.Get(ctx, "short"); ok {
		t.Fatalf("expired entry returned")
	}
	if _, ok, _ := s.Get(ctx, "forever"); !ok {
		t.Fatalf("entry without ttl expired")
	}
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	buf := []byte("view")
	_ = s.Set(ctx, "k", buf, time.Minute)
	buf[0] = 'X'
	v, _, _ := s.Get(ctx, "k")
	if string(v) != "view" {
		t.Fatalf("stored value aliased caller buffer: %q", v)
	}
}

func TestPrefixIsolatesKeys(t *testing.T) {
	ctx := context.Background()
	base := NewMemoryStore()
	a := WithPrefix(base, "a:")
	b := WithPrefix(base, "b:")
	_ = a.Set(ctx, "k", []byte("1"), time.Minute)
	if _, ok, _ := b.Get(ctx, "k"); ok {
		t.Fatalf("prefix leak")
	}
	if _, ok, _ := base.Get(ctx, "a:k"); !ok {
		t.Fatalf("prefixed key missing")
	}
	_ = a.Delete(ctx, "k")
	if base.Len() != 0 {
		t.Fatalf("len=%d want=0", base.Len())
	}
}

func TestNewDisabled(t *testing.T) {
	s, closeFn, err := New(context.Background(), config.CacheConfig{Backend: "none"})
	if err != nil || s != nil || closeFn == nil {
		t.Fatalf("store=%v err=%v", s, err)
	}
	s, _, err = New(context.Background(), config.CacheConfig{Backend: "memory", KeyPrefix: "dealbase:"})
	if err != nil || s == nil {
		t.Fatalf("memory store err=%v", err)
	}
}
