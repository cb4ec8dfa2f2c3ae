package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tckz/go-pageview-counter/internal/counterstore"
	"github.com/tckz/go-pageview-counter/internal/marker"
	"github.com/tckz/go-pageview-counter/internal/tracking"
)

type fakeRecorder struct {
	errs  []error
	paths []string
}

func (r *fakeRecorder) RecordView(ctx context.Context, rawPath string) error {
	r.paths = append(r.paths, rawPath)
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		return err
	}
	return nil
}

func TestHandleAppliesOnceAcrossRedelivery(t *testing.T) {
	ctx := context.Background()
	b := counterstore.NewMemoryBackend()
	p := NewProcessor(tracking.NewTracker(counterstore.New(b)), marker.NewLocalMarker(time.Minute), nil)

	for i := 0; i < 3; i++ {
		if d := p.Handle(ctx, "m1", []byte(`{"pagePath":"/home"}`)); d != Ack {
			t.Fatalf("delivery %d: decision=%s, want ack", i, d)
		}
	}

	if got := b.Snapshot()[counterstore.TotalKey].Count; got != 1 {
		t.Errorf("total=%d, want 1", got)
	}
	if s := p.Stats(); s.Applied != 1 || s.Duplicate != 2 {
		t.Errorf("stats=%+v", s)
	}
}

func TestHandleRetryableReleasesMarker(t *testing.T) {
	ctx := context.Background()
	rec := &fakeRecorder{errs: []error{&tracking.Error{Kind: tracking.KindUnavailable, Err: errors.New("down")}}}
	p := NewProcessor(rec, marker.NewLocalMarker(time.Minute), nil)

	if d := p.Handle(ctx, "m1", []byte(`{"path":"/a"}`)); d != Nack {
		t.Fatalf("decision=%s, want nack", d)
	}
	if d := p.Handle(ctx, "m1", []byte(`{"path":"/a"}`)); d != Ack {
		t.Fatalf("decision=%s, want ack", d)
	}
	if len(rec.paths) != 2 {
		t.Errorf("RecordView called %d times, want 2", len(rec.paths))
	}
	if s := p.Stats(); s.Applied != 1 || s.Retried != 1 {
		t.Errorf("stats=%+v", s)
	}
}

func TestHandleDropsInvalid(t *testing.T) {
	ctx := context.Background()
	b := counterstore.NewMemoryBackend()
	p := NewProcessor(tracking.NewTracker(counterstore.New(b)), marker.NewLocalMarker(time.Minute), nil)

	for i, data := range []string{`{}`, `not json`, `{"path":""}`} {
		if d := p.Handle(ctx, string(rune('a'+i)), []byte(data)); d != Ack {
			t.Errorf("%s: decision=%s, want ack", data, d)
		}
	}
	if len(b.Snapshot()) != 0 {
		t.Errorf("invalid events must not be counted")
	}
	if s := p.Stats(); s.Dropped != 3 {
		t.Errorf("stats=%+v", s)
	}
}

type brokenMarker struct{}

func (brokenMarker) Acquire(ctx context.Context, msgID string) (bool, error) {
	return false, errors.New("redis down")
}

func (brokenMarker) Release(ctx context.Context, msgID string) error {
	return nil
}

func TestHandleMarkerFailureNacks(t *testing.T) {
	rec := &fakeRecorder{}
	p := NewProcessor(rec, brokenMarker{}, nil)

	if d := p.Handle(context.Background(), "m1", []byte(`{"path":"/a"}`)); d != Nack {
		t.Fatalf("decision=%s, want nack", d)
	}
	if len(rec.paths) != 0 {
		t.Errorf("nothing must be recorded without the marker")
	}
}

func TestDedupeKey(t *testing.T) {
	tests := []struct {
		msgID string
		attrs map[string]string
		want  string
	}{
		{"m1", nil, "msg:m1"},
		{"m1", map[string]string{}, "msg:m1"},
		{"m1", map[string]string{EventIDAttribute: ""}, "msg:m1"},
		{"m1", map[string]string{EventIDAttribute: "e1"}, "event:e1"},
		{"m2", map[string]string{EventIDAttribute: "e1", "other": "x"}, "event:e1"},
	}
	for _, tt := range tests {
		if got := DedupeKey(tt.msgID, tt.attrs); got != tt.want {
			t.Errorf("DedupeKey(%s, %v)=%s, want %s", tt.msgID, tt.attrs, got, tt.want)
		}
	}
}

func TestHandleRepublishedEventCountsOnce(t *testing.T) {
	ctx := context.Background()
	b := counterstore.NewMemoryBackend()
	p := NewProcessor(tracking.NewTracker(counterstore.New(b)), marker.NewLocalMarker(time.Minute), nil)

	attrs := map[string]string{EventIDAttribute: "e1"}
	for _, msgID := range []string{"m1", "m2"} {
		if d := p.Handle(ctx, DedupeKey(msgID, attrs), []byte(`{"pagePath":"/home"}`)); d != Ack {
			t.Fatalf("%s: decision=%s, want ack", msgID, d)
		}
	}

	if got := b.Snapshot()[counterstore.TotalKey].Count; got != 1 {
		t.Errorf("total=%d, want 1", got)
	}
	if s := p.Stats(); s.Applied != 1 || s.Duplicate != 1 {
		t.Errorf("stats=%+v", s)
	}
}
