package broker

import (
	"context"
	"errors"
	"time"

	"mt5-risk-engine-go/internal/models"
)

// ErrOffline is returned by a terminal that cannot be reached.
var ErrOffline = errors.New("terminal offline")

// Broker 定义了与交易终端交互的同步接口.
// 读取类调用在终端不可用时返回 *models.AccountUnavailableError;
// OrderSend 的传输错误原样返回, 由网关分类和重试.
type Broker interface {
	AccountInfo(ctx context.Context) (models.AccountSnapshot, error)
	SymbolInfo(ctx context.Context, symbol string) (models.SymbolSpec, error)
	CurrentTick(ctx context.Context, symbol string) (models.Tick, error)
	Positions(ctx context.Context, symbol string) ([]models.Position, error)
	Orders(ctx context.Context, symbol string) ([]models.PendingOrder, error)
	OrderSend(ctx context.Context, req models.TradeRequest) (models.TradeResult, error)
	HistoryDeals(ctx context.Context, from, to time.Time) ([]models.Deal, error)
}

// FilterPositions keeps positions carrying magic. A zero magic keeps everything.
func FilterPositions(in []models.Position, magic int64) []models.Position {
	if magic == 0 {
		return in
	}
	out := in[:0:0]
	for _, p := range in {
		if p.Magic == magic {
			out = append(out, p)
		}
	}
	return out
}

// FilterOrders keeps pending orders carrying magic. A zero magic keeps everything.
func FilterOrders(in []models.PendingOrder, magic int64) []models.PendingOrder {
	if magic == 0 {
		return in
	}
	out := in[:0:0]
	for _, o := range in {
		if o.Magic == magic {
			out = append(out, o)
		}
	}
	return out
}

// FilterDeals keeps history deals carrying magic. A zero magic keeps everything.
func FilterDeals(in []models.Deal, magic int64) []models.Deal {
	if magic == 0 {
		return in
	}
	out := in[:0:0]
	for _, d := range in {
		if d.Magic == magic {
			out = append(out, d)
		}
	}
	return out
}

func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &models.AccountUnavailableError{Op: op, Err: err}
}
