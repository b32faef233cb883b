package gateway

import (
	"context"
	"time"

	"mt5-risk-engine-go/internal/broker"
	"mt5-risk-engine-go/internal/models"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"
)

// Outcome is the final result of one gateway call, handed to the Recorder.
type Outcome struct {
	Symbol   string
	Kind     models.RequestKind
	Request  models.TradeRequest
	Result   models.TradeResult
	Status   string // success | rejected | invalid | exhausted
	Attempts int
	Err      error
	At       time.Time
	Elapsed  time.Duration
}

// Recorder persists gateway outcomes (the order journal).
type Recorder interface {
	Record(ctx context.Context, o Outcome) error
}

// Gateway is the only component that sends order traffic to the broker. Every
// call validates the request, then sends it synchronously with a per-attempt
// timeout, retrying retryable outcomes with exponential backoff.
type Gateway struct {
	broker   broker.Broker
	symbol   string
	cfg      models.GatewayConfig
	recorder Recorder
	comments *Comments
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a gateway over b for symbol.
func New(b broker.Broker, symbol, tag string, cfg models.GatewayConfig, logger *zap.Logger) *Gateway {
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}
	if cfg.CallTimeoutMs <= 0 {
		cfg.CallTimeoutMs = 30000
	}
	return &Gateway{
		broker:   b,
		symbol:   symbol,
		cfg:      cfg,
		comments: NewComments(tag),
		logger:   logger,
		now:      time.Now,
	}
}

// SetRecorder attaches the order journal.
func (g *Gateway) SetRecorder(r Recorder) {
	g.recorder = r
}

// Comments returns the comment source used for orders placed through g.
func (g *Gateway) Comments() *Comments {
	return g.comments
}

// PlaceMarket sends a market order.
func (g *Gateway) PlaceMarket(ctx context.Context, req models.PlaceMarketOrder) (models.TradeResult, error) {
	return g.send(ctx, req)
}

// PlacePending places a limit or stop order.
func (g *Gateway) PlacePending(ctx context.Context, req models.PlacePendingOrder) (models.TradeResult, error) {
	return g.send(ctx, req)
}

// ModifySLTP moves the stop loss and take profit of an open position.
func (g *Gateway) ModifySLTP(ctx context.Context, req models.ModifySLTP) (models.TradeResult, error) {
	return g.send(ctx, req)
}

// Cancel deletes a pending order.
func (g *Gateway) Cancel(ctx context.Context, req models.CancelOrder) (models.TradeResult, error) {
	return g.send(ctx, req)
}

// Close closes all or part of an open position with an opposite deal.
func (g *Gateway) Close(ctx context.Context, req models.CloseDeal) (models.TradeResult, error) {
	return g.send(ctx, req)
}

func (g *Gateway) send(ctx context.Context, req models.TradeRequest) (models.TradeResult, error) {
	kind := req.Kind()
	start := g.now()
	defer func() {
		metricLatency.WithLabelValues(string(kind)).Observe(g.now().Sub(start).Seconds())
	}()

	if err := req.Validate(); err != nil {
		rerr := &models.RejectedOrderError{Kind: kind, Err: err}
		g.finish(ctx, Outcome{Kind: kind, Request: req, Status: "invalid", Err: rerr, At: start})
		return models.TradeResult{}, rerr
	}

	b := &backoff.Backoff{
		Min:    time.Duration(g.cfg.RetryInitialDelayMs) * time.Millisecond,
		Max:    time.Duration(g.cfg.RetryMaxDelayMs) * time.Millisecond,
		Factor: 2,
	}

	var (
		res      models.TradeResult
		lastErr  error
		attempts int
	)
	for attempt := 1; attempt <= g.cfg.RetryAttempts; attempt++ {
		if attempt > 1 {
			if err := g.sleep(ctx, b.Duration()); err != nil {
				lastErr = err
				break
			}
			req = g.reprice(ctx, req)
		}

		var class Class
		res, class, lastErr = g.attempt(ctx, req)
		attempts = attempt
		switch class {
		case Success:
			g.finish(ctx, Outcome{Kind: kind, Request: req, Result: res, Status: "success", Attempts: attempt, At: start})
			return res, nil
		case Fatal:
			rerr := &models.RejectedOrderError{Kind: kind, Retcode: res.Retcode, Comment: res.Comment, Err: lastErr}
			g.finish(ctx, Outcome{Kind: kind, Request: req, Result: res, Status: "rejected", Attempts: attempt, Err: rerr, At: start})
			return res, rerr
		}
		g.logger.Warn("retryable broker outcome",
			zap.String("kind", string(kind)),
			zap.Int("attempt", attempt),
			zap.Int("retcode", res.Retcode),
			zap.Error(lastErr))
	}
	terr := &models.TransientBrokerError{Kind: kind, Retcode: res.Retcode, Attempts: attempts, Err: lastErr}
	g.finish(ctx, Outcome{Kind: kind, Request: req, Result: res, Status: "exhausted", Attempts: attempts, Err: terr, At: start})
	return res, terr
}

// attempt performs one order_send under its own timeout.
func (g *Gateway) attempt(ctx context.Context, req models.TradeRequest) (models.TradeResult, Class, error) {
	metricAttempts.WithLabelValues(string(req.Kind())).Inc()

	callCtx, cancel := context.WithTimeout(ctx, time.Duration(g.cfg.CallTimeoutMs)*time.Millisecond)
	defer cancel()

	res, err := g.broker.OrderSend(callCtx, req)
	if err != nil {
		return res, classifyErr(ctx, err), err
	}
	observeRetcode(res.Retcode)
	return res, Classify(res.Retcode), nil
}

// reprice refreshes the price of market and close requests before a retry.
func (g *Gateway) reprice(ctx context.Context, req models.TradeRequest) models.TradeRequest {
	switch r := req.(type) {
	case models.PlaceMarketOrder:
		tick, err := g.tick(ctx, r.Symbol)
		if err != nil {
			return req
		}
		r.Price = tick.EntryFor(r.Side)
		return r
	case models.CloseDeal:
		tick, err := g.tick(ctx, r.Symbol)
		if err != nil {
			return req
		}
		r.Price = tick.PriceFor(r.Side)
		return r
	}
	return req
}

func (g *Gateway) tick(ctx context.Context, symbol string) (models.Tick, error) {
	if symbol == "" {
		symbol = g.symbol
	}
	callCtx, cancel := context.WithTimeout(ctx, time.Duration(g.cfg.CallTimeoutMs)*time.Millisecond)
	defer cancel()
	tick, err := g.broker.CurrentTick(callCtx, symbol)
	if err != nil {
		g.logger.Warn("reprice: tick unavailable", zap.Error(err))
		return tick, err
	}
	if tick.Bid <= 0 || tick.Ask <= 0 {
		return tick, broker.ErrOffline
	}
	return tick, nil
}

func (g *Gateway) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (g *Gateway) finish(ctx context.Context, o Outcome) {
	o.Symbol = g.symbol
	o.Elapsed = g.now().Sub(o.At)
	metricRequests.WithLabelValues(string(o.Kind), o.Status).Inc()

	if o.Err != nil {
		g.logger.Warn("broker request failed",
			zap.String("kind", string(o.Kind)),
			zap.String("status", o.Status),
			zap.Int("attempts", o.Attempts),
			zap.Error(o.Err))
	} else {
		g.logger.Info("broker request done",
			zap.String("kind", string(o.Kind)),
			zap.Uint64("order", o.Result.Order),
			zap.Float64("price", o.Result.Price),
			zap.Int("attempts", o.Attempts))
	}

	if g.recorder == nil {
		return
	}
	// 日志写入不受调用方取消影响
	if err := g.recorder.Record(context.WithoutCancel(ctx), o); err != nil {
		g.logger.Error("journal write failed", zap.Error(err))
	}
}
