package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"mt5-risk-engine-go/internal/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10 // 必须小于 pongWait
	reconnectDelay = 5 * time.Second
)

// TickStream 维持到桥接服务的 WebSocket 行情连接, 断线后自动重连.
type TickStream struct {
	wsURL  string
	symbol string
	maxAge time.Duration
	logger *zap.Logger

	// OnTick, when set, is called for every decoded quote.
	OnTick func(models.Tick)

	mu       sync.RWMutex
	latest   models.Tick
	received time.Time
	now      func() time.Time
	delay    time.Duration
}

// NewTickStream creates a stream for symbol. Quotes older than maxAge are not
// served by Latest.
func NewTickStream(wsURL, symbol string, maxAge time.Duration, logger *zap.Logger) *TickStream {
	return &TickStream{
		wsURL:  wsURL,
		symbol: symbol,
		maxAge: maxAge,
		logger: logger,
		now:    time.Now,
		delay:  reconnectDelay,
	}
}

// Latest returns the most recent quote if it is still fresh.
func (s *TickStream) Latest() (models.Tick, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.received.IsZero() || (s.maxAge > 0 && s.now().Sub(s.received) > s.maxAge) {
		return models.Tick{}, false
	}
	return s.latest, true
}

func (s *TickStream) url() string {
	q := url.Values{}
	q.Set("symbol", s.symbol)
	return fmt.Sprintf("%s/ws/ticks?%s", s.wsURL, q.Encode())
}

// Run 负责维持连接和重连, 直到 ctx 被取消.
func (s *TickStream) Run(ctx context.Context) {
	for {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url(), nil)
		if err != nil {
			s.logger.Warn("tick stream connect failed, retrying", zap.Error(err), zap.Duration("delay", s.delay))
		} else {
			s.logger.Info("tick stream connected", zap.String("symbol", s.symbol))
			if err := s.handle(ctx, conn); err != nil {
				s.logger.Warn("tick stream disconnected", zap.Error(err))
			}
			conn.Close()
		}

		select {
		case <-ctx.Done():
			s.logger.Info("tick stream stopped")
			return
		case <-time.After(s.delay):
		}
	}
}

// handle 为一个已建立的连接读取消息并维持心跳, 直到连接断开或 ctx 被取消.
func (s *TickStream) handle(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)

	var writeMu sync.Mutex
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				writeMu.Unlock()
				if err != nil {
					s.logger.Warn("tick stream ping failed", zap.Error(err))
					return
				}
			case <-ctx.Done():
				// 优雅关闭, 让 ReadMessage 返回
				writeMu.Lock()
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				writeMu.Unlock()
				conn.SetReadDeadline(time.Now())
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("读取消息失败: %w", err)
		}

		var tick models.Tick
		if err := json.Unmarshal(message, &tick); err != nil {
			s.logger.Warn("tick stream: bad message", zap.Error(err))
			continue
		}
		if tick.Symbol == "" {
			tick.Symbol = s.symbol
		}
		if tick.Symbol != s.symbol || tick.Bid <= 0 || tick.Ask <= 0 {
			continue
		}

		s.mu.Lock()
		s.latest = tick
		s.received = s.now()
		s.mu.Unlock()

		if s.OnTick != nil {
			s.OnTick(tick)
		}
	}
}
