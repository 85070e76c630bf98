package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptoRiskGuard/internal/domain"
	"cryptoRiskGuard/internal/ports"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestChannelSink(t *testing.T) {
	s := NewChannelSink(1)
	ctx := context.Background()

	s.PublishAlert(ctx, domain.PositionAlert{Type: domain.AlertMarginCall})
	s.PublishAlert(ctx, domain.PositionAlert{Type: domain.AlertLiquidation}) // Dropped
	s.PublishPositionEvent(ctx, domain.PositionEvent{Type: domain.PositionOpened})

	assert.Equal(t, domain.AlertMarginCall, (<-s.Alerts()).Type)
	assert.Equal(t, domain.PositionOpened, (<-s.Events()).Type)
	assert.Equal(t, int64(1), s.Dropped())
}

func TestFanOut(t *testing.T) {
	a := NewChannelSink(4)
	b := NewChannelSink(4)
	var sink ports.EventSink = FanOut{a, b}

	sink.PublishAlert(context.Background(), domain.PositionAlert{Type: domain.AlertHighDrawdown})
	sink.PublishPositionEvent(context.Background(), domain.PositionEvent{Type: domain.PositionClosed})

	assert.Len(t, a.Alerts(), 1)
	assert.Len(t, b.Alerts(), 1)
	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1)
}

func TestHub_BroadcastsToClients(t *testing.T) {
	hub := NewHub(&mockLogger{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	hub.PublishAlert(ctx, domain.PositionAlert{
		Type:         domain.AlertLiquidationWarning,
		AccountID:    "acc-1",
		PositionID:   "pos-1",
		Symbol:       "BTCUSDT",
		Threshold:    domain.M("0.9"),
		CurrentValue: domain.M("0.93"),
		Message:      "margin ratio 0.93 crossed 0.9",
		Timestamp:    t0,
	})

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Type string `json:"type"`
		Data struct {
			AlertType    string `json:"alertType"`
			AccountID    string `json:"accountId"`
			CurrentValue string `json:"currentValue"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &msg))
	assert.Equal(t, "alert", msg.Type)
	assert.Equal(t, "LIQUIDATION_WARNING", msg.Data.AlertType)
	assert.Equal(t, "acc-1", msg.Data.AccountID)
	assert.Equal(t, "0.93", msg.Data.CurrentValue)

	hub.PublishPositionEvent(ctx, domain.PositionEvent{
		Type:      domain.PositionLiquidated,
		AccountID: "acc-1",
		Position:  domain.Position{ID: "pos-1", Symbol: "BTCUSDT", Status: domain.StatusLiquidated},
		Timestamp: t0,
	})
	_, raw, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"eventType":"LIQUIDATION"`)

	cancel()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func TestHub_DropsWhenQueueFull(t *testing.T) {
	hub := NewHub(&mockLogger{}, nil) // Not running, so nothing drains the queue
	for i := 0; i < sendBuffer+3; i++ {
		hub.PublishAlert(context.Background(), domain.PositionAlert{Type: domain.AlertMarginCall})
	}
	assert.Equal(t, int64(3), hub.Dropped())
}
