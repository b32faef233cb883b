package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"mt5-risk-engine-go/internal/models"
)

// Source yields at most one strategy signal per tick. A tick without a new
// signal yields Direction None.
type Source interface {
	Next(ctx context.Context) (models.Signal, error)
}

func none() models.Signal {
	return models.Signal{Direction: models.DirectionNone}
}

// FileSource reads a JSON signal dropped by an external strategy and removes
// the file once read, so each signal is consumed exactly once.
type FileSource struct {
	Path string
}

func (f FileSource) Next(ctx context.Context) (models.Signal, error) {
	if err := ctx.Err(); err != nil {
		return none(), err
	}
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return none(), nil
	}
	if err != nil {
		return none(), fmt.Errorf("read signal file: %w", err)
	}
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return none(), fmt.Errorf("consume signal file: %w", err)
	}

	var s models.Signal
	if err := json.Unmarshal(data, &s); err != nil {
		return none(), fmt.Errorf("decode signal file: %w", err)
	}
	s.Direction = models.Direction(strings.ToUpper(strings.TrimSpace(string(s.Direction))))
	switch s.Direction {
	case models.DirectionBuy, models.DirectionSell, models.DirectionHedge, models.DirectionNone:
	case "":
		s.Direction = models.DirectionNone
	default:
		return none(), fmt.Errorf("unknown signal direction %q", s.Direction)
	}
	return s, nil
}

// ChanSource delivers signals from in-process producers without blocking the loop.
type ChanSource struct {
	C chan models.Signal
}

// NewChanSource creates a source with a buffer of size n.
func NewChanSource(n int) *ChanSource {
	return &ChanSource{C: make(chan models.Signal, n)}
}

// Send queues a signal, dropping it when the buffer is full.
func (c *ChanSource) Send(s models.Signal) bool {
	select {
	case c.C <- s:
		return true
	default:
		return false
	}
}

func (c *ChanSource) Next(ctx context.Context) (models.Signal, error) {
	select {
	case <-ctx.Done():
		return none(), ctx.Err()
	case s := <-c.C:
		return s, nil
	default:
		return none(), nil
	}
}
