// Package ingest applies page-view events delivered at least once by a message transport.
package ingest

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/tckz/go-pageview-counter/internal/marker"
	"github.com/tckz/go-pageview-counter/internal/tracking"
)

type Decision int

const (
	// Ack the message is done with, applied or dropped.
	Ack Decision = iota
	// Nack the message should be redelivered.
	Nack
)

func (d Decision) String() string {
	if d == Nack {
		return "nack"
	}
	return "ack"
}

// EventIDAttribute is the message attribute carrying the publisher's id of the event.
const EventIDAttribute = "eventID"

// DedupeKey is the event id when the publisher set one, the transport message id otherwise.
// A republished event gets a new message id but keeps its event id.
func DedupeKey(msgID string, attrs map[string]string) string {
	if id := attrs[EventIDAttribute]; id != "" {
		return "event:" + id
	}
	return "msg:" + msgID
}

type Recorder interface {
	RecordView(ctx context.Context, rawPath string) error
}

type Stats struct {
	Applied   int64
	Duplicate int64
	Dropped   int64
	Retried   int64
}

type Processor struct {
	recorder Recorder
	marker   marker.ProcessMarker
	logger   *zap.SugaredLogger

	applied   atomic.Int64
	duplicate atomic.Int64
	dropped   atomic.Int64
	retried   atomic.Int64
}

func NewProcessor(recorder Recorder, m marker.ProcessMarker, logger *zap.SugaredLogger) *Processor {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Processor{recorder: recorder, marker: m, logger: logger}
}

// Handle records the view carried by one message, dedupeKey identifying it across deliveries. The marker keeps a redelivered
// message from being counted twice; it is released again when the view was not applied
// for a retryable reason so that the redelivery can count it.
func (p *Processor) Handle(ctx context.Context, dedupeKey string, data []byte) Decision {
	logger := p.logger.With(zap.String("dedupeKey", dedupeKey))

	if got, err := p.marker.Acquire(ctx, dedupeKey); err != nil {
		logger.Errorf("Acquire: %v", err)
		p.retried.Add(1)
		return Nack
	} else if !got {
		logger.Infof("already marked to be processed by other")
		p.duplicate.Add(1)
		return Ack
	}

	ev, err := tracking.ParseEvent(data)
	if err == nil {
		err = p.recorder.RecordView(ctx, ev.Page())
	}

	switch {
	case err == nil:
		if n := p.applied.Add(1); n%1000 == 0 {
			logger.Infof("applied=%d", n)
		}
		return Ack
	case tracking.Retryable(err):
		logger.Warnf("RecordView: %v", err)
		if err := p.marker.Release(context.WithoutCancel(ctx), dedupeKey); err != nil {
			logger.Errorf("Release: %v", err)
		}
		p.retried.Add(1)
		return Nack
	default:
		logger.Errorf("*** drop message: %v", err)
		p.dropped.Add(1)
		return Ack
	}
}

func (p *Processor) Stats() Stats {
	return Stats{
		Applied:   p.applied.Load(),
		Duplicate: p.duplicate.Load(),
		Dropped:   p.dropped.Load(),
		Retried:   p.retried.Load(),
	}
}
