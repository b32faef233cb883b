package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"mt5-risk-engine-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eurusd() models.SymbolSpec {
	return models.SymbolSpec{
		Name:       "EURUSD",
		PointSize:  0.0001,
		Digits:     4,
		TickValue:  1,
		VolumeMin:  0.01,
		VolumeMax:  50,
		VolumeStep: 0.01,
	}
}

var t0 = time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC)

func newSim() *SimBroker {
	s := NewSimBroker("EURUSD", eurusd(), 10000, "USD")
	s.SetQuote(1.1000, 1.1002, t0)
	return s
}

func TestSimMarketOrderOpensAndMarksToMarket(t *testing.T) {
	s := newSim()
	ctx := context.Background()

	res, err := s.OrderSend(ctx, models.PlaceMarketOrder{Symbol: "EURUSD", Side: models.Long, Volume: 1, Price: 1.1002, Magic: 5})
	require.NoError(t, err)
	assert.Equal(t, models.RetcodeDone, res.Retcode)
	assert.Equal(t, 1.1002, res.Price)

	s.SetQuote(1.1012, 1.1014, t0.Add(time.Minute))
	positions, err := s.Positions(ctx, "EURUSD")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, res.Order, positions[0].Ticket)
	assert.InDelta(t, 10.0, positions[0].Profit, 1e-6)

	account, err := s.AccountInfo(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 10010.0, account.Equity, 1e-6)
	assert.Equal(t, 10000.0, account.Balance)
}

func TestSimPendingOrderFillsAndStopCloses(t *testing.T) {
	s := newSim()
	ctx := context.Background()

	res, err := s.OrderSend(ctx, models.PlacePendingOrder{Symbol: "EURUSD", Side: models.BuyLimit, Volume: 1, Price: 1.0990, StopLoss: 1.0950})
	require.NoError(t, err)
	require.Equal(t, models.RetcodeDone, res.Retcode)

	orders, _ := s.Orders(ctx, "EURUSD")
	require.Len(t, orders, 1)

	s.SetQuote(1.0987, 1.0989, t0.Add(time.Minute))
	orders, _ = s.Orders(ctx, "EURUSD")
	assert.Empty(t, orders)
	positions, _ := s.Positions(ctx, "EURUSD")
	require.Len(t, positions, 1)
	assert.Equal(t, res.Order, positions[0].Ticket)

	s.SetQuote(1.0949, 1.0951, t0.Add(2*time.Minute))
	positions, _ = s.Positions(ctx, "EURUSD")
	assert.Empty(t, positions)
	assert.InDelta(t, 10000-40.0, s.Balance(), 1e-6)

	deals, err := s.HistoryDeals(ctx, t0, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, deals, 2)
	assert.Equal(t, models.DealIn, deals[0].Entry)
	assert.Equal(t, models.DealOut, deals[1].Entry)
	assert.Equal(t, res.Order, deals[1].PositionID)
}

func TestSimRejectsLimitOnWrongSideOfMarket(t *testing.T) {
	s := newSim()
	res, err := s.OrderSend(context.Background(), models.PlacePendingOrder{Symbol: "EURUSD", Side: models.BuyLimit, Volume: 1, Price: 1.1010})
	require.NoError(t, err)
	assert.Equal(t, models.RetcodeInvalidPrice, res.Retcode)
}

func TestSimModifyWithoutChangeReturnsNoChanges(t *testing.T) {
	s := newSim()
	ctx := context.Background()
	res, _ := s.OrderSend(ctx, models.PlaceMarketOrder{Symbol: "EURUSD", Side: models.Long, Volume: 1, Price: 1.1002, StopLoss: 1.0950})

	mod := models.ModifySLTP{Symbol: "EURUSD", Ticket: res.Order, StopLoss: 1.0950}
	out, _ := s.OrderSend(ctx, mod)
	assert.Equal(t, models.RetcodeNoChanges, out.Retcode)

	mod.StopLoss = 1.0980
	out, _ = s.OrderSend(ctx, mod)
	assert.Equal(t, models.RetcodeDone, out.Retcode)
}

func TestSimPartialClose(t *testing.T) {
	s := newSim()
	ctx := context.Background()
	res, _ := s.OrderSend(ctx, models.PlaceMarketOrder{Symbol: "EURUSD", Side: models.Short, Volume: 1, Price: 1.1000})

	out, err := s.OrderSend(ctx, models.CloseDeal{Symbol: "EURUSD", Ticket: res.Order, Side: models.Short, Volume: 0.4})
	require.NoError(t, err)
	assert.Equal(t, models.RetcodeDone, out.Retcode)

	positions, _ := s.Positions(ctx, "EURUSD")
	require.Len(t, positions, 1)
	assert.InDelta(t, 0.6, positions[0].Volume, 1e-9)
}

func TestSimScriptAndOffline(t *testing.T) {
	s := newSim()
	ctx := context.Background()
	s.Script(models.KindMarket, models.RetcodeRequote)
	s.FailSend(errors.New("boom"))

	_, err := s.OrderSend(ctx, models.PlaceMarketOrder{Symbol: "EURUSD", Side: models.Long, Volume: 1, Price: 1.1002})
	assert.EqualError(t, err, "boom")
	res, _ := s.OrderSend(ctx, models.PlaceMarketOrder{Symbol: "EURUSD", Side: models.Long, Volume: 1, Price: 1.1002})
	assert.Equal(t, models.RetcodeRequote, res.Retcode)
	assert.Equal(t, 2, s.Calls(models.KindMarket))

	s.SetOffline(true)
	_, err = s.AccountInfo(ctx)
	assert.ErrorIs(t, err, models.ErrAccountUnavailable)
	_, err = s.OrderSend(ctx, models.CancelOrder{Ticket: 1})
	assert.ErrorIs(t, err, ErrOffline)
}

func TestFilterByMagic(t *testing.T) {
	positions := []models.Position{{Ticket: 1, Magic: 7}, {Ticket: 2, Magic: 8}}
	assert.Len(t, FilterPositions(positions, 7), 1)
	assert.Len(t, FilterPositions(positions, 0), 2)

	orders := []models.PendingOrder{{Ticket: 1, Magic: 7}, {Ticket: 2, Magic: 7}}
	assert.Len(t, FilterOrders(orders, 7), 2)
	assert.Empty(t, FilterOrders(orders, 9))
}
