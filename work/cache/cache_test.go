package cache

import (
	"testing"
	"time"
)

func TestSetGet(t *testing.T) {
	c := NewCache(time.Minute)
	c.Set("playlist", "#EXTM3U\n")

	got, ok := c.Get("playlist")
	if !ok || got != "#EXTM3U\n" {
		t.Fatalf("Get = %q, %v", got, ok)
	}
	if _, ok := c.Get("missing"); ok {
		t.Error("missing key reported as present")
	}
}

func TestExpiry(t *testing.T) {
	c := NewCache(time.Minute)
	c.SetWithTTL("guide", "<tv/>", time.Millisecond)

	time.Sleep(5 * time.Millisecond)
	if _, ok := c.Get("guide"); ok {
		t.Error("expired entry reported as present")
	}
}

func TestInvalidate(t *testing.T) {
	c := NewCache(time.Minute)
	c.Set("a", "1")
	c.Set("b", "2")
	c.Invalidate()

	if _, ok := c.Get("a"); ok {
		t.Error("entry survived Invalidate")
	}
	if _, ok := c.Get("b"); ok {
		t.Error("entry survived Invalidate")
	}
}
