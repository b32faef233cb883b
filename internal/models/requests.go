package models

import (
	"errors"
	"fmt"
)

// Trade server return codes.
const (
	RetcodeRequote          = 10004
	RetcodeReject           = 10006
	RetcodeCancel           = 10007
	RetcodePlaced           = 10008
	RetcodeDone             = 10009
	RetcodeDonePartial      = 10010
	RetcodeError            = 10011
	RetcodeTimeout          = 10012
	RetcodeInvalid          = 10013
	RetcodeInvalidVolume    = 10014
	RetcodeInvalidPrice     = 10015
	RetcodeInvalidStops     = 10016
	RetcodeTradeDisabled    = 10017
	RetcodeMarketClosed     = 10018
	RetcodeNoMoney          = 10019
	RetcodePriceChanged     = 10020
	RetcodePriceOff         = 10021
	RetcodeInvalidExpire    = 10022
	RetcodeOrderChanged     = 10023
	RetcodeTooManyRequests  = 10024
	RetcodeNoChanges        = 10025
	RetcodeServerDisablesAT = 10026
	RetcodeClientDisablesAT = 10027
	RetcodeLocked           = 10028
	RetcodeFrozen           = 10029
	RetcodeInvalidFill      = 10030
	RetcodeConnection       = 10031
)

var retcodeText = map[int]string{
	RetcodeRequote:          "requote",
	RetcodeReject:           "request rejected",
	RetcodeCancel:           "request canceled by trader",
	RetcodePlaced:           "order placed",
	RetcodeDone:             "request completed",
	RetcodeDonePartial:      "only part of the request was completed",
	RetcodeError:            "request processing error",
	RetcodeTimeout:          "request canceled by timeout",
	RetcodeInvalid:          "invalid request",
	RetcodeInvalidVolume:    "invalid volume in the request",
	RetcodeInvalidPrice:     "invalid price in the request",
	RetcodeInvalidStops:     "invalid stops in the request",
	RetcodeTradeDisabled:    "trade is disabled",
	RetcodeMarketClosed:     "market is closed",
	RetcodeNoMoney:          "there is not enough money to complete the request",
	RetcodePriceChanged:     "prices changed",
	RetcodePriceOff:         "there are no quotes to process the request",
	RetcodeInvalidExpire:    "invalid order expiration date in the request",
	RetcodeOrderChanged:     "order state changed",
	RetcodeTooManyRequests:  "too frequent requests",
	RetcodeNoChanges:        "no changes in request",
	RetcodeServerDisablesAT: "autotrading disabled by server",
	RetcodeClientDisablesAT: "autotrading disabled by client terminal",
	RetcodeLocked:           "request locked for processing",
	RetcodeFrozen:           "order or position frozen",
	RetcodeInvalidFill:      "invalid order filling type",
	RetcodeConnection:       "no connection with the trade server",
}

// RetcodeText describes a trade server return code.
func RetcodeText(code int) string {
	if s, ok := retcodeText[code]; ok {
		return s
	}
	return fmt.Sprintf("unknown retcode %d", code)
}

// RequestKind tags each broker request variant.
type RequestKind string

const (
	KindMarket  RequestKind = "market"
	KindPending RequestKind = "pending"
	KindModify  RequestKind = "modify"
	KindCancel  RequestKind = "cancel"
	KindClose   RequestKind = "close"
)

// TradeRequest is implemented by every typed broker request.
type TradeRequest interface {
	Kind() RequestKind
	Validate() error
}

// MaxCommentLength is the longest order comment the terminal accepts.
const MaxCommentLength = 31

var errInvalidRequest = errors.New("invalid request")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errInvalidRequest, fmt.Sprintf(format, args...))
}

// IsInvalidRequest reports whether err came from request validation.
func IsInvalidRequest(err error) bool {
	return errors.Is(err, errInvalidRequest)
}

// PlaceMarketOrder opens a position at market.
type PlaceMarketOrder struct {
	Symbol     string  `json:"symbol"`
	Side       Side    `json:"side"`
	Volume     float64 `json:"volume"`
	Price      float64 `json:"price"`
	StopLoss   float64 `json:"sl,omitempty"`
	TakeProfit float64 `json:"tp,omitempty"`
	Deviation  int     `json:"deviation"`
	Magic      int64   `json:"magic"`
	Comment    string  `json:"comment"`
}

func (r PlaceMarketOrder) Kind() RequestKind { return KindMarket }

func (r PlaceMarketOrder) Validate() error {
	if r.Symbol == "" {
		return invalid("market order without symbol")
	}
	if r.Side != Long && r.Side != Short {
		return invalid("market order side %q", r.Side)
	}
	if r.Volume <= 0 {
		return invalid("market order volume %v", r.Volume)
	}
	if r.Price <= 0 {
		return invalid("market order price %v", r.Price)
	}
	if err := validateStops(r.Side, r.Price, r.StopLoss, r.TakeProfit); err != nil {
		return err
	}
	return validateComment(r.Comment)
}

// PlacePendingOrder places a limit order (a grid rung).
type PlacePendingOrder struct {
	Symbol     string    `json:"symbol"`
	Side       OrderSide `json:"side"`
	Volume     float64   `json:"volume"`
	Price      float64   `json:"price"`
	StopLoss   float64   `json:"sl,omitempty"`
	TakeProfit float64   `json:"tp,omitempty"`
	Magic      int64     `json:"magic"`
	Comment    string    `json:"comment"`
}

func (r PlacePendingOrder) Kind() RequestKind { return KindPending }

func (r PlacePendingOrder) Validate() error {
	if r.Symbol == "" {
		return invalid("pending order without symbol")
	}
	if r.Volume <= 0 {
		return invalid("pending order volume %v", r.Volume)
	}
	if r.Price <= 0 {
		return invalid("pending order price %v", r.Price)
	}
	var side Side
	switch r.Side {
	case BuyLimit:
		side = Long
	case SellLimit:
		side = Short
	default:
		return invalid("pending order side %q", r.Side)
	}
	if err := validateStops(side, r.Price, r.StopLoss, r.TakeProfit); err != nil {
		return err
	}
	return validateComment(r.Comment)
}

// ModifySLTP changes the protective levels of an open position.
type ModifySLTP struct {
	Symbol     string  `json:"symbol"`
	Ticket     uint64  `json:"ticket"`
	StopLoss   float64 `json:"sl"`
	TakeProfit float64 `json:"tp"`
}

func (r ModifySLTP) Kind() RequestKind { return KindModify }

func (r ModifySLTP) Validate() error {
	if r.Ticket == 0 {
		return invalid("modify without ticket")
	}
	if r.StopLoss < 0 || r.TakeProfit < 0 {
		return invalid("negative stop levels sl=%v tp=%v", r.StopLoss, r.TakeProfit)
	}
	return nil
}

// CancelOrder removes a pending order.
type CancelOrder struct {
	Ticket uint64 `json:"ticket"`
}

func (r CancelOrder) Kind() RequestKind { return KindCancel }

func (r CancelOrder) Validate() error {
	if r.Ticket == 0 {
		return invalid("cancel without ticket")
	}
	return nil
}

// CloseDeal closes all or part of an open position at market.
// Side is the side of the position being closed.
type CloseDeal struct {
	Symbol    string  `json:"symbol"`
	Ticket    uint64  `json:"ticket"`
	Side      Side    `json:"side"`
	Volume    float64 `json:"volume"`
	Price     float64 `json:"price"`
	Deviation int     `json:"deviation"`
	Magic     int64   `json:"magic"`
	Comment   string  `json:"comment"`
}

func (r CloseDeal) Kind() RequestKind { return KindClose }

func (r CloseDeal) Validate() error {
	if r.Ticket == 0 {
		return invalid("close without ticket")
	}
	if r.Side != Long && r.Side != Short {
		return invalid("close side %q", r.Side)
	}
	if r.Volume <= 0 {
		return invalid("close volume %v", r.Volume)
	}
	return validateComment(r.Comment)
}

// TradeResult is the terminal's answer to an order_send call.
type TradeResult struct {
	Retcode int     `json:"retcode"`
	Order   uint64  `json:"order"`
	Deal    uint64  `json:"deal"`
	Volume  float64 `json:"volume"`
	Price   float64 `json:"price"`
	Comment string  `json:"comment"`
}

func validateStops(side Side, price, sl, tp float64) error {
	if sl < 0 || tp < 0 {
		return invalid("negative stop levels sl=%v tp=%v", sl, tp)
	}
	if side == Long {
		if sl > 0 && sl >= price {
			return invalid("long stop loss %v not below price %v", sl, price)
		}
		if tp > 0 && tp <= price {
			return invalid("long take profit %v not above price %v", tp, price)
		}
		return nil
	}
	if sl > 0 && sl <= price {
		return invalid("short stop loss %v not above price %v", sl, price)
	}
	if tp > 0 && tp >= price {
		return invalid("short take profit %v not below price %v", tp, price)
	}
	return nil
}

func validateComment(c string) error {
	if len(c) > MaxCommentLength {
		return invalid("comment longer than %d chars", MaxCommentLength)
	}
	for i := 0; i < len(c); i++ {
		if c[i] < 0x20 || c[i] > 0x7e {
			return invalid("comment contains non-printable ASCII")
		}
	}
	return nil
}
