package broker

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"mt5-risk-engine-go/internal/models"
)

// SimBroker 模拟一个交易终端: 按报价撮合限价单, 触发止损止盈, 记录成交历史.
// 纸面交易模式和测试都使用它.
type SimBroker struct {
	mu sync.Mutex

	symbol   string
	spec     models.SymbolSpec
	balance  float64
	currency string
	quote    models.Tick

	positions  map[uint64]*models.Position
	orders     map[uint64]*models.PendingOrder
	deals      []models.Deal
	nextTicket uint64

	scripted map[models.RequestKind][]int
	sendErrs []error
	offline  bool
	calls    map[models.RequestKind]int
	requests []models.TradeRequest

	initial     float64
	equityCurve []float64
}

// NewSimBroker creates a simulated terminal for one symbol.
func NewSimBroker(symbol string, spec models.SymbolSpec, balance float64, currency string) *SimBroker {
	if spec.Name == "" {
		spec.Name = symbol
	}
	return &SimBroker{
		symbol:      symbol,
		spec:        spec,
		balance:     balance,
		currency:    currency,
		positions:   make(map[uint64]*models.Position),
		orders:      make(map[uint64]*models.PendingOrder),
		nextTicket:  1000,
		scripted:    make(map[models.RequestKind][]int),
		calls:       make(map[models.RequestKind]int),
		initial:     balance,
		equityCurve: make([]float64, 0, 1024),
	}
}

// SetQuote moves the market. Pending orders fill first, then stops and targets
// are checked, then floating profit is marked to the new quote.
func (s *SimBroker) SetQuote(bid, ask float64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.quote = models.Tick{Symbol: s.symbol, Bid: bid, Ask: ask, Time: at}
	if s.spec.PointSize > 0 {
		s.spec.SpreadPoints = math.Round((ask - bid) / s.spec.PointSize)
	}

	s.fillPendingOrders()
	s.checkStops()
	s.markToMarket()
	s.equityCurve = append(s.equityCurve, s.equity())
}

func (s *SimBroker) fillPendingOrders() {
	for _, ticket := range s.sortedOrderTickets() {
		o := s.orders[ticket]
		fill := (o.Side == models.BuyLimit && s.quote.Ask <= o.Price) ||
			(o.Side == models.SellLimit && s.quote.Bid >= o.Price)
		if !fill {
			continue
		}
		side := models.Long
		if o.Side == models.SellLimit {
			side = models.Short
		}
		delete(s.orders, ticket)
		s.openPosition(ticket, side, o.Volume, o.Price, o.StopLoss, o.TakeProfit, o.Magic, o.Comment)
	}
}

func (s *SimBroker) checkStops() {
	for _, ticket := range s.sortedPositionTickets() {
		p := s.positions[ticket]
		price := s.quote.PriceFor(p.Side)
		switch {
		case p.Side == models.Long && p.StopLoss > 0 && price <= p.StopLoss:
			s.closePosition(p, p.Volume, p.StopLoss)
		case p.Side == models.Long && p.TakeProfit > 0 && price >= p.TakeProfit:
			s.closePosition(p, p.Volume, p.TakeProfit)
		case p.Side == models.Short && p.StopLoss > 0 && price >= p.StopLoss:
			s.closePosition(p, p.Volume, p.StopLoss)
		case p.Side == models.Short && p.TakeProfit > 0 && price <= p.TakeProfit:
			s.closePosition(p, p.Volume, p.TakeProfit)
		}
	}
}

func (s *SimBroker) markToMarket() {
	for _, p := range s.positions {
		p.CurrentPrice = s.quote.PriceFor(p.Side)
		p.Profit = s.profit(p.Side, p.OpenPrice, p.CurrentPrice, p.Volume)
	}
}

func (s *SimBroker) profit(side models.Side, open, price, volume float64) float64 {
	if s.spec.PointSize <= 0 {
		return 0
	}
	points := (price - open) * side.Sign() / s.spec.PointSize
	return points * s.spec.TickValue * volume
}

func (s *SimBroker) equity() float64 {
	eq := s.balance
	for _, p := range s.positions {
		eq += p.Profit
	}
	return eq
}

func (s *SimBroker) openPosition(ticket uint64, side models.Side, volume, price, sl, tp float64, magic int64, comment string) *models.Position {
	p := &models.Position{
		Ticket:       ticket,
		Symbol:       s.symbol,
		Side:         side,
		Volume:       volume,
		OpenPrice:    price,
		CurrentPrice: s.quote.PriceFor(side),
		StopLoss:     sl,
		TakeProfit:   tp,
		Magic:        magic,
		Comment:      comment,
		OpenedAt:     s.quote.Time,
	}
	p.Profit = s.profit(side, price, p.CurrentPrice, volume)
	s.positions[ticket] = p
	s.deals = append(s.deals, models.Deal{
		Ticket:     s.newTicket(),
		Order:      ticket,
		PositionID: ticket,
		Symbol:     s.symbol,
		Entry:      models.DealIn,
		Side:       side,
		Volume:     volume,
		Price:      price,
		Magic:      magic,
		Time:       s.quote.Time,
	})
	return p
}

func (s *SimBroker) closePosition(p *models.Position, volume, price float64) models.Deal {
	pnl := s.profit(p.Side, p.OpenPrice, price, volume)
	s.balance += pnl
	deal := models.Deal{
		Ticket:     s.newTicket(),
		Order:      s.newTicket(),
		PositionID: p.Ticket,
		Symbol:     s.symbol,
		Entry:      models.DealOut,
		Side:       p.Side.Opposite(),
		Volume:     volume,
		Price:      price,
		Profit:     pnl,
		Magic:      p.Magic,
		Time:       s.quote.Time,
	}
	s.deals = append(s.deals, deal)

	remaining := p.Volume - volume
	if remaining <= 1e-9 {
		delete(s.positions, p.Ticket)
	} else {
		p.Volume = math.Round(remaining*1e8) / 1e8
		p.Profit = s.profit(p.Side, p.OpenPrice, p.CurrentPrice, p.Volume)
	}
	return deal
}

func (s *SimBroker) newTicket() uint64 {
	s.nextTicket++
	return s.nextTicket
}

func (s *SimBroker) sortedOrderTickets() []uint64 {
	ids := make([]uint64, 0, len(s.orders))
	for id := range s.orders {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *SimBroker) sortedPositionTickets() []uint64 {
	ids := make([]uint64, 0, len(s.positions))
	for id := range s.positions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Script queues retcodes returned, in order, by the next requests of kind,
// before the simulation handles them normally.
func (s *SimBroker) Script(kind models.RequestKind, retcodes ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripted[kind] = append(s.scripted[kind], retcodes...)
}

// FailSend queues transport errors returned by the next OrderSend calls.
func (s *SimBroker) FailSend(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErrs = append(s.sendErrs, errs...)
}

// SetOffline makes every call fail as if the terminal were disconnected.
func (s *SimBroker) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

// Calls returns how many OrderSend calls of kind reached the terminal.
func (s *SimBroker) Calls(kind models.RequestKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[kind]
}

// Requests returns every request that reached the terminal.
func (s *SimBroker) Requests() []models.TradeRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.TradeRequest(nil), s.requests...)
}

// AddPosition injects an open position, e.g. one opened by hand in the terminal.
func (s *SimBroker) AddPosition(p models.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Ticket == 0 {
		p.Ticket = s.newTicket()
	}
	if p.Symbol == "" {
		p.Symbol = s.symbol
	}
	cp := p
	s.positions[p.Ticket] = &cp
}

// AddDeal appends a history row.
func (s *SimBroker) AddDeal(d models.Deal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deals = append(s.deals, d)
}

// RemoveOrder deletes a pending order without a history row, as if it were
// filled and closed elsewhere.
func (s *SimBroker) RemoveOrder(ticket uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.orders, ticket)
}

// Session returns the starting balance, the equity sampled after every quote
// and a copy of the deal history.
func (s *SimBroker) Session() (initial float64, equity []float64, deals []models.Deal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initial, append([]float64(nil), s.equityCurve...), append([]models.Deal(nil), s.deals...)
}

// Balance returns the realized balance.
func (s *SimBroker) Balance() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance
}

func (s *SimBroker) AccountInfo(ctx context.Context) (models.AccountSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "account_info"); err != nil {
		return models.AccountSnapshot{}, err
	}
	eq := s.equity()
	return models.AccountSnapshot{
		Balance:    s.balance,
		Equity:     eq,
		FreeMargin: eq,
		Currency:   s.currency,
		Timestamp:  s.quote.Time,
	}, nil
}

func (s *SimBroker) SymbolInfo(ctx context.Context, symbol string) (models.SymbolSpec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "symbol_info"); err != nil {
		return models.SymbolSpec{}, err
	}
	if symbol != s.symbol {
		return models.SymbolSpec{}, fmt.Errorf("symbol %s not found", symbol)
	}
	return s.spec, nil
}

func (s *SimBroker) CurrentTick(ctx context.Context, symbol string) (models.Tick, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "symbol_info_tick"); err != nil {
		return models.Tick{}, err
	}
	if symbol != s.symbol {
		return models.Tick{}, fmt.Errorf("symbol %s not found", symbol)
	}
	return s.quote, nil
}

func (s *SimBroker) Positions(ctx context.Context, symbol string) ([]models.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "positions_get"); err != nil {
		return nil, err
	}
	out := make([]models.Position, 0, len(s.positions))
	for _, id := range s.sortedPositionTickets() {
		if p := s.positions[id]; symbol == "" || p.Symbol == symbol {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *SimBroker) Orders(ctx context.Context, symbol string) ([]models.PendingOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "orders_get"); err != nil {
		return nil, err
	}
	out := make([]models.PendingOrder, 0, len(s.orders))
	for _, id := range s.sortedOrderTickets() {
		if o := s.orders[id]; symbol == "" || o.Symbol == symbol {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (s *SimBroker) HistoryDeals(ctx context.Context, from, to time.Time) ([]models.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "history_deals_get"); err != nil {
		return nil, err
	}
	var out []models.Deal
	for _, d := range s.deals {
		if !d.Time.Before(from) && !d.Time.After(to) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *SimBroker) check(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return unavailable(op, err)
	}
	if s.offline {
		return unavailable(op, ErrOffline)
	}
	return nil
}

func (s *SimBroker) OrderSend(ctx context.Context, req models.TradeRequest) (models.TradeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return models.TradeResult{}, err
	}
	if s.offline {
		return models.TradeResult{}, ErrOffline
	}
	s.calls[req.Kind()]++
	s.requests = append(s.requests, req)

	if len(s.sendErrs) > 0 {
		err := s.sendErrs[0]
		s.sendErrs = s.sendErrs[1:]
		return models.TradeResult{}, err
	}
	if q := s.scripted[req.Kind()]; len(q) > 0 {
		s.scripted[req.Kind()] = q[1:]
		return models.TradeResult{Retcode: q[0], Comment: models.RetcodeText(q[0])}, nil
	}

	switch r := req.(type) {
	case models.PlaceMarketOrder:
		return s.market(r), nil
	case models.PlacePendingOrder:
		return s.pending(r), nil
	case models.ModifySLTP:
		return s.modify(r), nil
	case models.CancelOrder:
		return s.cancel(r), nil
	case models.CloseDeal:
		return s.close(r), nil
	}
	return reject(models.RetcodeInvalid), nil
}

func reject(code int) models.TradeResult {
	return models.TradeResult{Retcode: code, Comment: models.RetcodeText(code)}
}

func (s *SimBroker) market(r models.PlaceMarketOrder) models.TradeResult {
	if s.quote.Bid <= 0 || s.quote.Ask <= 0 {
		return reject(models.RetcodePriceOff)
	}
	if r.Volume < s.spec.VolumeMin || (s.spec.VolumeMax > 0 && r.Volume > s.spec.VolumeMax) {
		return reject(models.RetcodeInvalidVolume)
	}
	price := s.quote.EntryFor(r.Side)
	if r.Deviation > 0 && s.spec.PointSize > 0 && math.Abs(price-r.Price)/s.spec.PointSize > float64(r.Deviation) {
		return reject(models.RetcodeRequote)
	}
	ticket := s.newTicket()
	p := s.openPosition(ticket, r.Side, r.Volume, price, r.StopLoss, r.TakeProfit, r.Magic, r.Comment)
	return models.TradeResult{Retcode: models.RetcodeDone, Order: ticket, Deal: s.deals[len(s.deals)-1].Ticket, Volume: p.Volume, Price: price}
}

func (s *SimBroker) pending(r models.PlacePendingOrder) models.TradeResult {
	if r.Volume < s.spec.VolumeMin || (s.spec.VolumeMax > 0 && r.Volume > s.spec.VolumeMax) {
		return reject(models.RetcodeInvalidVolume)
	}
	if s.quote.Ask > 0 && r.Side == models.BuyLimit && r.Price >= s.quote.Ask {
		return reject(models.RetcodeInvalidPrice)
	}
	if s.quote.Bid > 0 && r.Side == models.SellLimit && r.Price <= s.quote.Bid {
		return reject(models.RetcodeInvalidPrice)
	}
	ticket := s.newTicket()
	s.orders[ticket] = &models.PendingOrder{
		Ticket:     ticket,
		Symbol:     r.Symbol,
		Side:       r.Side,
		Volume:     r.Volume,
		Price:      r.Price,
		StopLoss:   r.StopLoss,
		TakeProfit: r.TakeProfit,
		Magic:      r.Magic,
		Comment:    r.Comment,
	}
	return models.TradeResult{Retcode: models.RetcodeDone, Order: ticket, Volume: r.Volume, Price: r.Price}
}

func (s *SimBroker) modify(r models.ModifySLTP) models.TradeResult {
	p, ok := s.positions[r.Ticket]
	if !ok {
		return reject(models.RetcodeInvalid)
	}
	if p.StopLoss == r.StopLoss && p.TakeProfit == r.TakeProfit {
		return reject(models.RetcodeNoChanges)
	}
	price := s.quote.PriceFor(p.Side)
	if r.StopLoss > 0 && ((p.Side == models.Long && r.StopLoss >= price) || (p.Side == models.Short && r.StopLoss <= price)) {
		return reject(models.RetcodeInvalidStops)
	}
	p.StopLoss = r.StopLoss
	p.TakeProfit = r.TakeProfit
	return models.TradeResult{Retcode: models.RetcodeDone, Order: r.Ticket}
}

func (s *SimBroker) cancel(r models.CancelOrder) models.TradeResult {
	if _, ok := s.orders[r.Ticket]; !ok {
		return reject(models.RetcodeInvalid)
	}
	delete(s.orders, r.Ticket)
	return models.TradeResult{Retcode: models.RetcodeDone, Order: r.Ticket}
}

func (s *SimBroker) close(r models.CloseDeal) models.TradeResult {
	p, ok := s.positions[r.Ticket]
	if !ok {
		return reject(models.RetcodeInvalid)
	}
	if r.Volume <= 0 || r.Volume > p.Volume+1e-9 {
		return reject(models.RetcodeInvalidVolume)
	}
	if s.quote.Bid <= 0 || s.quote.Ask <= 0 {
		return reject(models.RetcodePriceOff)
	}
	price := s.quote.PriceFor(p.Side)
	deal := s.closePosition(p, math.Min(r.Volume, p.Volume), price)
	return models.TradeResult{Retcode: models.RetcodeDone, Order: deal.Order, Deal: deal.Ticket, Volume: deal.Volume, Price: price}
}
