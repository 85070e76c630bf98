package notify

import (
	"context"
	"sync/atomic"

	"cryptoRiskGuard/internal/domain"
	"cryptoRiskGuard/internal/ports"
)

// ChannelSink delivers alerts and position events on buffered typed channels. A full
// channel drops the value instead of blocking the publisher.
type ChannelSink struct {
	alerts  chan domain.PositionAlert
	events  chan domain.PositionEvent
	dropped atomic.Int64
}

// NewChannelSink returns a sink whose channels hold up to buffer values each.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 256
	}
	return &ChannelSink{
		alerts: make(chan domain.PositionAlert, buffer),
		events: make(chan domain.PositionEvent, buffer),
	}
}

func (s *ChannelSink) Alerts() <-chan domain.PositionAlert { return s.alerts }
func (s *ChannelSink) Events() <-chan domain.PositionEvent { return s.events }

// Dropped reports how many values were discarded because a channel was full.
func (s *ChannelSink) Dropped() int64 { return s.dropped.Load() }

func (s *ChannelSink) PublishAlert(ctx context.Context, alert domain.PositionAlert) {
	select {
	case s.alerts <- alert:
	default:
		s.dropped.Add(1)
	}
}

func (s *ChannelSink) PublishPositionEvent(ctx context.Context, event domain.PositionEvent) {
	select {
	case s.events <- event:
	default:
		s.dropped.Add(1)
	}
}

// FanOut forwards every value to each sink in order.
type FanOut []ports.EventSink

func (f FanOut) PublishAlert(ctx context.Context, alert domain.PositionAlert) {
	for _, s := range f {
		s.PublishAlert(ctx, alert)
	}
}

func (f FanOut) PublishPositionEvent(ctx context.Context, event domain.PositionEvent) {
	for _, s := range f {
		s.PublishPositionEvent(ctx, event)
	}
}
