package marker

import (
	"context"
	"testing"
	"time"
)

func TestLocalMarker(t *testing.T) {
	ctx := context.Background()
	m := NewLocalMarker(time.Minute)

	if got, err := m.Acquire(ctx, "m1"); err != nil || !got {
		t.Fatalf("first Acquire got=%t err=%v", got, err)
	}
	if got, _ := m.Acquire(ctx, "m1"); got {
		t.Errorf("second Acquire must fail")
	}
	if got, _ := m.Acquire(ctx, "m2"); !got {
		t.Errorf("other message must be acquirable")
	}

	if err := m.Release(ctx, "m1"); err != nil {
		t.Fatal(err)
	}
	if got, _ := m.Acquire(ctx, "m1"); !got {
		t.Errorf("Acquire after Release must succeed")
	}
}

func TestLocalMarkerExpires(t *testing.T) {
	ctx := context.Background()
	m := NewLocalMarker(20 * time.Millisecond)

	if got, _ := m.Acquire(ctx, "m1"); !got {
		t.Fatal("first Acquire must succeed")
	}
	time.Sleep(40 * time.Millisecond)
	if got, _ := m.Acquire(ctx, "m1"); !got {
		t.Errorf("Acquire after ttl must succeed")
	}
}

func TestRedisMarkerKey(t *testing.T) {
	m := NewRedisMarker(nil, "pageviews:", time.Minute)
	if got, want := m.key("123"), "pageviews:processed-check:123"; got != want {
		t.Errorf("got=%s, want=%s", got, want)
	}
}
