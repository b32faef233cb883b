package broker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mt5-risk-engine-go/internal/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTickStreamDeliversQuotes(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ws/ticks", r.URL.Path)
		assert.Equal(t, "EURUSD", r.URL.Query().Get("symbol"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteJSON(models.Tick{Symbol: "GBPUSD", Bid: 1.3, Ask: 1.3002})
		conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		conn.WriteJSON(models.Tick{Symbol: "EURUSD", Bid: 1.1, Ask: 1.1002, Time: time.Unix(1700000000, 0)})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	stream := NewTickStream("ws"+strings.TrimPrefix(srv.URL, "http"), "EURUSD", time.Minute, zap.NewNop())
	got := make(chan models.Tick, 1)
	stream.OnTick = func(tk models.Tick) { got <- tk }

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		stream.Run(ctx)
		close(stopped)
	}()

	select {
	case tk := <-got:
		assert.Equal(t, 1.1, tk.Bid)
	case <-time.After(5 * time.Second):
		t.Fatal("no tick received")
	}

	latest, ok := stream.Latest()
	require.True(t, ok)
	assert.Equal(t, "EURUSD", latest.Symbol)

	cancel()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop")
	}
}

func TestTickStreamLatestExpires(t *testing.T) {
	s := NewTickStream("ws://unused", "EURUSD", time.Second, zap.NewNop())
	_, ok := s.Latest()
	assert.False(t, ok)

	now := time.Now()
	s.now = func() time.Time { return now }
	s.latest = models.Tick{Symbol: "EURUSD", Bid: 1, Ask: 1}
	s.received = now
	_, ok = s.Latest()
	assert.True(t, ok)

	now = now.Add(2 * time.Second)
	_, ok = s.Latest()
	assert.False(t, ok)
}
