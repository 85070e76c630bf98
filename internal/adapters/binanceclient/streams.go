package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cryptoRiskGuard/internal/domain"
	"cryptoRiskGuard/internal/ports"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/jpillora/backoff"
)

// connectFunc dials one websocket session and returns its done and stop channels.
type connectFunc func(ctx context.Context) (doneCh, stopCh chan struct{}, cleanup func(), err error)

// StreamMarkPrices streams mark price ticks for symbols until ctx is cancelled or the
// reconnect attempts are exhausted. The returned channel closes when streaming stops.
func (c *Client) StreamMarkPrices(ctx context.Context, symbols []string, handler func(tick domain.RawTick), errHandler func(err error)) (chan struct{}, error) {
	op := "StreamMarkPrices"
	if len(symbols) == 0 {
		return nil, fmt.Errorf("%s: %w: no symbols", op, ports.ErrInvalidRequest)
	}

	connect := func(wsCtx context.Context) (chan struct{}, chan struct{}, func(), error) {
		onEvent := func(event *futures.WsMarkPriceEvent) {
			tick, err := translateMarkPrice(event)
			if err != nil {
				c.logger.Error(wsCtx, err, op+": Failed to translate WebSocket mark price event")
				return
			}
			handler(tick)
		}
		onErr := func(err error) {
			translatedErr := c.handleError(wsCtx, err, op+" WebSocket")
			errHandler(translatedErr)
		}
		doneCh, stopCh, err := c.markPriceServe(symbols, onEvent, onErr)
		return doneCh, stopCh, nil, err
	}
	return c.serveWithReconnect(ctx, op, map[string]interface{}{"symbols": symbols}, connect), nil
}

// StreamFills streams fills from the user data stream. Each session opens a fresh listen
// key and keeps it alive until the session ends.
func (c *Client) StreamFills(ctx context.Context, accountID string, handler func(fill domain.FillEvent), errHandler func(err error)) (chan struct{}, error) {
	op := "StreamFills"

	connect := func(wsCtx context.Context) (chan struct{}, chan struct{}, func(), error) {
		listenKey, err := c.futuresClient.NewStartUserStreamService().Do(wsCtx)
		if err != nil {
			return nil, nil, nil, err
		}

		onEvent := func(event *futures.WsUserDataEvent) {
			fill, ok, err := translateFill(accountID, c.marginAsset, event)
			if err != nil {
				c.logger.Error(wsCtx, err, op+": Failed to translate user data event")
				return
			}
			if ok && foreignCommission(c.marginAsset, &event.OrderTradeUpdate) {
				c.logger.Warn(wsCtx, op+": commission charged in another asset, not booked as a fee", map[string]interface{}{
					"orderID": fill.OrderID, "symbol": fill.Symbol,
					"commission": event.OrderTradeUpdate.Commission, "asset": event.OrderTradeUpdate.CommissionAsset,
				})
			}
			if ok {
				handler(fill)
			}
		}
		onErr := func(err error) {
			errHandler(c.handleError(wsCtx, err, op+" WebSocket"))
		}
		doneCh, stopCh, err := c.userDataServe(listenKey, onEvent, onErr)
		if err != nil {
			return nil, nil, nil, err
		}

		keepaliveCtx, stopKeepalive := context.WithCancel(wsCtx)
		go c.keepListenKey(keepaliveCtx, listenKey)
		cleanup := func() {
			stopKeepalive()
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.futuresClient.NewCloseUserStreamService().ListenKey(listenKey).Do(closeCtx); err != nil {
				c.logger.Warn(closeCtx, op+": failed to close listen key", map[string]interface{}{"error": err.Error()})
			}
		}
		return doneCh, stopCh, cleanup, nil
	}
	return c.serveWithReconnect(ctx, op, map[string]interface{}{"accountID": accountID}, connect), nil
}

func (c *Client) keepListenKey(ctx context.Context, listenKey string) {
	ticker := time.NewTicker(c.keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.futuresClient.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
				c.handleError(ctx, err, "KeepaliveUserStream")
			}
		}
	}
}

// serveWithReconnect keeps a websocket session alive, reconnecting with exponential
// backoff when it drops. The returned channel closes when the loop exits.
func (c *Client) serveWithReconnect(ctx context.Context, op string, fields map[string]interface{}, connect connectFunc) chan struct{} {
	doneCh := make(chan struct{})
	b := &backoff.Backoff{Min: c.reconnectDelay, Max: c.reconnectDelay * 64, Factor: 2, Jitter: true}

	go func() {
		defer close(doneCh)

		attempt := 0
		for {
			if ctx.Err() != nil {
				c.logger.Info(ctx, op+": Context cancelled, stopping connection attempts.", fields)
				return
			}

			c.logger.Info(ctx, op+": Attempting WebSocket connection...", withField(fields, "attempt", attempt+1))
			innerDoneCh, innerStopCh, cleanup, connectErr := connect(ctx)
			if connectErr != nil {
				c.handleError(ctx, connectErr, op+" connection attempt")
				attempt++
				if attempt >= c.maxReconnectAttempts {
					c.logger.Error(ctx, connectErr, op+": Max reconnection attempts exceeded, giving up.", withField(fields, "maxAttempts", c.maxReconnectAttempts))
					return
				}
				delay := b.Duration()
				c.logger.Info(ctx, op+": Connection failed, retrying...", withField(fields, "delay", delay.String()))
				select {
				case <-time.After(delay):
					continue
				case <-ctx.Done():
					c.logger.Info(ctx, op+": Context cancelled during backoff.", fields)
					return
				}
			}

			c.logger.Info(ctx, op+": WebSocket connection established.", fields)
			attempt = 0
			b.Reset()

			select {
			case <-innerDoneCh:
				c.logger.Warn(ctx, op+": WebSocket connection closed unexpectedly. Reconnecting...", fields)
				if cleanup != nil {
					cleanup()
				}
			case <-ctx.Done():
				c.logger.Info(ctx, op+": Context cancelled, stopping WebSocket.", fields)
				if innerStopCh != nil {
					close(innerStopCh)
				}
				if cleanup != nil {
					cleanup()
				}
				return
			}
		}
	}()

	return doneCh
}

func withField(fields map[string]interface{}, key string, value interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out[key] = value
	return out
}

func translateMarkPrice(event *futures.WsMarkPriceEvent) (domain.RawTick, error) {
	if event == nil {
		return domain.RawTick{}, errors.New("received nil mark price event")
	}
	return domain.RawTick{
		Kind:        domain.PriceFromMark,
		Symbol:      event.Symbol,
		Price:       event.MarkPrice,
		FundingRate: event.FundingRate,
		EventTime:   event.Time,
	}, nil
}

// translateFill extracts a fill from an order trade update. ok is false for events that
// carry no execution. Commission paid in anything but marginAsset (e.g. BNB) is not a fee.
func translateFill(accountID, marginAsset string, event *futures.WsUserDataEvent) (fill domain.FillEvent, ok bool, err error) {
	if event == nil {
		return fill, false, errors.New("received nil user data event")
	}
	if event.Event != futures.UserDataEventTypeOrderTradeUpdate {
		return fill, false, nil
	}
	u := event.OrderTradeUpdate
	if u.ExecutionType != futures.OrderExecutionTypeTrade {
		return fill, false, nil
	}

	price, err := domain.ParseMoney(u.LastFilledPrice)
	if err != nil {
		return fill, false, fmt.Errorf("parsing fill price '%s': %w", u.LastFilledPrice, err)
	}
	qty, err := domain.ParseMoney(u.LastFilledQty)
	if err != nil {
		return fill, false, fmt.Errorf("parsing fill quantity '%s': %w", u.LastFilledQty, err)
	}
	fee, err := parseOptional(u.Commission)
	if err != nil {
		return fill, false, fmt.Errorf("parsing commission '%s': %w", u.Commission, err)
	}
	if foreignCommission(marginAsset, &u) {
		fee = domain.Zero
	}

	fill = domain.FillEvent{
		AccountID:  accountID,
		OrderID:    u.ClientOrderID,
		Symbol:     u.Symbol,
		Side:       domain.OrderSide(u.Side),
		Price:      price,
		Quantity:   qty,
		Fee:        fee.Abs(),
		ReduceOnly: u.IsReduceOnly,
		Timestamp:  time.UnixMilli(u.TradeTime).UTC(),
	}
	switch u.PositionSide {
	case futures.PositionSideTypeLong:
		fill.PositionSide = domain.Long
	case futures.PositionSideTypeShort:
		fill.PositionSide = domain.Short
	}
	return fill, true, nil
}

func foreignCommission(marginAsset string, u *futures.WsOrderTradeUpdate) bool {
	return u.CommissionAsset != "" && u.CommissionAsset != marginAsset
}
