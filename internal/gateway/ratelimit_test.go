package gateway

import (
	"testing"
	"time"
)

func TestLimiterBurstThenReject(t *testing.T) {
	l := newLimiter(true, 60, 2)
	for i := 0; i < 2; i++ {
		if ok, _ := l.allow("alice"); !ok {
			t.Fatalf("request %d rejected within burst", i)
		}
	}
	ok, retry := l.allow("alice")
	if ok {
		t.Fatal("request beyond burst accepted")
	}
	if retry < 1 {
		t.Errorf("retry_after = %d, want >= 1", retry)
	}
}

func TestLimiterPerIdentityIsolation(t *testing.T) {
	l := newLimiter(true, 60, 1)
	if ok, _ := l.allow("alice"); !ok {
		t.Fatal("alice first request rejected")
	}
	if ok, _ := l.allow("alice"); ok {
		t.Fatal("alice second request accepted")
	}
	if ok, _ := l.allow("bob"); !ok {
		t.Fatal("bob throttled by alice's bucket")
	}
}

func TestLimiterDisabled(t *testing.T) {
	l := newLimiter(false, 1, 1)
	for i := 0; i < 10; i++ {
		if ok, _ := l.allow("x"); !ok {
			t.Fatal("disabled limiter rejected a request")
		}
	}
}

func TestLimiterUpdate(t *testing.T) {
	l := newLimiter(false, 60, 1)
	l.update(true, 60, 1)
	if ok, _ := l.allow("x"); !ok {
		t.Fatal("first request rejected")
	}
	if ok, _ := l.allow("x"); ok {
		t.Fatal("limits not applied after update")
	}
	l.update(false, 60, 1)
	if ok, _ := l.allow("x"); !ok {
		t.Fatal("disable not applied after update")
	}
}

func TestEvictStale(t *testing.T) {
	l := newLimiter(true, 60, 5)
	l.allow("old")
	l.mu.Lock()
	l.buckets["old"].lastRefill = time.Now().Add(-time.Hour)
	l.mu.Unlock()
	l.allow("fresh")

	if n := l.evictStale(30 * time.Minute); n != 1 {
		t.Errorf("evicted %d buckets, want 1", n)
	}
	l.mu.Lock()
	_, oldGone := l.buckets["old"]
	_, freshKept := l.buckets["fresh"]
	l.mu.Unlock()
	if oldGone || !freshKept {
		t.Errorf("old kept=%t fresh kept=%t", oldGone, freshKept)
	}
}
