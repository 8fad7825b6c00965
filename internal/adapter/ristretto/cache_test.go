package ristretto_test

import (
	"context"
	"testing"
	"time"

	"github.com/somahq/arbiter/internal/adapter/ristretto"
)

func newTestCache(t *testing.T) *ristretto.Cache {
	t.Helper()
	c, err := ristretto.New(1 << 20)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestSetGetRoundTrip(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, "classify:q1", []byte(`{"domain":"medical"}`), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	c.Wait()

	val, ok, err := c.Get(ctx, "classify:q1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !ok {
		t.Fatal("expected hit after Set")
	}
	if string(val) != `{"domain":"medical"}` {
		t.Fatalf("unexpected value: %s", val)
	}
}

func TestGetMiss(t *testing.T) {
	c := newTestCache(t)

	_, ok, err := c.Get(context.Background(), "absent")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if ok {
		t.Fatal("expected miss for absent key")
	}
}

func TestDelete(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	c.Wait()
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Fatal("expected miss after Delete")
	}
}
