package feed

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"cryptoRiskGuard/internal/domain"
	"cryptoRiskGuard/internal/ports"
)

// DefaultBuffer is the capacity of the dispatcher channel.
const DefaultBuffer = 1024

var symbolPattern = regexp.MustCompile(`^[A-Z0-9]{2,20}$`)

var (
	// ErrClosed is returned by Publish after Close.
	ErrClosed = errors.New("feed dispatcher closed")
	// ErrBufferFull is returned when a tick is dropped because the consumer is behind.
	ErrBufferFull = errors.New("feed buffer full")
)

// Normalize converts an exchange tick into the canonical price update.
func Normalize(raw domain.RawTick) (domain.PriceUpdate, error) {
	symbol := strings.ToUpper(strings.TrimSpace(raw.Symbol))
	if !symbolPattern.MatchString(symbol) {
		return domain.PriceUpdate{}, fmt.Errorf("%w: malformed symbol %q", ports.ErrInvalidRequest, raw.Symbol)
	}
	switch raw.Kind {
	case domain.PriceFromMark, domain.PriceFromTrade, domain.PriceFromFunding:
	default:
		return domain.PriceUpdate{}, fmt.Errorf("%w: unknown tick kind %q", ports.ErrInvalidRequest, raw.Kind)
	}
	price, err := domain.ParseMoney(raw.Price)
	if err != nil {
		return domain.PriceUpdate{}, fmt.Errorf("%w: price %q: %v", ports.ErrInvalidRequest, raw.Price, err)
	}
	if !price.IsPositive() {
		return domain.PriceUpdate{}, fmt.Errorf("%w: price must be positive, got %s", ports.ErrInvalidRequest, price)
	}
	if raw.EventTime <= 0 {
		return domain.PriceUpdate{}, fmt.Errorf("%w: missing event time", ports.ErrInvalidRequest)
	}

	upd := domain.PriceUpdate{
		Symbol:    symbol,
		MarkPrice: price,
		Timestamp: time.UnixMilli(raw.EventTime).UTC(),
		Source:    raw.Kind,
	}
	if raw.FundingRate != "" {
		rate, err := domain.ParseMoney(raw.FundingRate)
		if err != nil {
			return domain.PriceUpdate{}, fmt.Errorf("%w: funding rate %q: %v", ports.ErrInvalidRequest, raw.FundingRate, err)
		}
		upd.FundingRate = &rate
	}
	return upd, nil
}

// Dispatcher normalizes raw ticks and delivers them on a typed channel. Closing the
// dispatcher closes the channel, which is how consumers learn the feed ended.
type Dispatcher struct {
	logger  ports.Logger
	metrics ports.Metrics

	mu     sync.RWMutex
	closed bool
	out    chan domain.PriceUpdate
}

// NewDispatcher returns a dispatcher with a channel of the given capacity.
// metrics may be nil.
func NewDispatcher(buffer int, logger ports.Logger, metrics ports.Metrics) *Dispatcher {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Dispatcher{logger: logger, metrics: metrics, out: make(chan domain.PriceUpdate, buffer)}
}

// Updates is the channel normalized ticks are delivered on.
func (d *Dispatcher) Updates() <-chan domain.PriceUpdate { return d.out }

// Publish normalizes raw and sends it without blocking. Malformed ticks, and ticks that
// find the channel full, are dropped, counted and reported as an error; the next mark
// supersedes a dropped one.
func (d *Dispatcher) Publish(ctx context.Context, raw domain.RawTick) error {
	upd, err := Normalize(raw)
	if err != nil {
		if d.metrics != nil {
			d.metrics.TickDropped(raw.Symbol)
		}
		d.logger.Warn(ctx, "Feed: dropping malformed tick", map[string]interface{}{"symbol": raw.Symbol, "kind": string(raw.Kind), "error": err.Error()})
		return err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case d.out <- upd:
		return nil
	default:
	}
	if d.metrics != nil {
		d.metrics.TickDropped(upd.Symbol)
	}
	d.logger.Warn(ctx, "Feed: consumer behind, dropping tick", map[string]interface{}{"symbol": upd.Symbol, "buffer": cap(d.out)})
	return ErrBufferFull
}

// Handler adapts Publish to the callback shape of ports.MarketStream.
func (d *Dispatcher) Handler(ctx context.Context) func(domain.RawTick) {
	return func(raw domain.RawTick) {
		_ = d.Publish(ctx, raw)
	}
}

// Close closes the updates channel. It is safe to call more than once.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	close(d.out)
}

// FillDispatcher delivers fills on a typed channel.
type FillDispatcher struct {
	mu     sync.RWMutex
	closed bool
	out    chan domain.FillEvent
}

// NewFillDispatcher returns a fill dispatcher with the given capacity.
func NewFillDispatcher(buffer int) *FillDispatcher {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &FillDispatcher{out: make(chan domain.FillEvent, buffer)}
}

// Fills is the channel fills are delivered on.
func (d *FillDispatcher) Fills() <-chan domain.FillEvent { return d.out }

// Publish sends a fill, blocking until the consumer has room or ctx is done.
func (d *FillDispatcher) Publish(ctx context.Context, fill domain.FillEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.out <- fill:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler adapts Publish to the callback shape of ports.FillStream.
func (d *FillDispatcher) Handler(ctx context.Context) func(domain.FillEvent) {
	return func(fill domain.FillEvent) {
		_ = d.Publish(ctx, fill)
	}
}

// Close closes the fills channel. It is safe to call more than once.
func (d *FillDispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	close(d.out)
}
