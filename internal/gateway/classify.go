package gateway

import (
	"context"
	"errors"

	"mt5-risk-engine-go/internal/models"
)

// Class is how the gateway treats the outcome of one attempt.
type Class int

const (
	Success Class = iota
	Retryable
	Fatal
)

func (c Class) String() string {
	switch c {
	case Success:
		return "success"
	case Retryable:
		return "retryable"
	}
	return "fatal"
}

var retryable = map[int]bool{
	models.RetcodeRequote:         true,
	models.RetcodeError:           true,
	models.RetcodeTimeout:         true,
	models.RetcodePriceChanged:    true,
	models.RetcodePriceOff:        true,
	models.RetcodeTooManyRequests: true,
	models.RetcodeLocked:          true,
	models.RetcodeConnection:      true,
}

// Classify maps a trade server retcode to a Class.
func Classify(retcode int) Class {
	switch retcode {
	case models.RetcodePlaced, models.RetcodeDone, models.RetcodeDonePartial:
		return Success
	}
	if retryable[retcode] {
		return Retryable
	}
	return Fatal
}

// classifyErr treats transport failures as retryable unless the caller gave up.
func classifyErr(parent context.Context, err error) Class {
	if parent.Err() != nil {
		return Fatal
	}
	var apiErr *models.Error
	if errors.As(err, &apiErr) && apiErr.Code >= 10000 {
		return Classify(apiErr.Code)
	}
	return Retryable
}
