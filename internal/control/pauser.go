package control

import (
	"errors"
	"os"
	"sync"
)

// Pauser reports whether the agent should stop trading for now. It is paused
// while the sentinel file exists or after Pause was called through the API.
type Pauser struct {
	flagPath string

	mu      sync.RWMutex
	toggled bool
}

func NewPauser(flagPath string) *Pauser {
	return &Pauser{flagPath: flagPath}
}

func (p *Pauser) Paused() bool {
	p.mu.RLock()
	toggled := p.toggled
	p.mu.RUnlock()
	if toggled {
		return true
	}
	if p.flagPath == "" {
		return false
	}
	_, err := os.Stat(p.flagPath)
	return err == nil
}

func (p *Pauser) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.toggled = true
}

// Resume clears the API toggle and removes the sentinel file.
func (p *Pauser) Resume() error {
	p.mu.Lock()
	p.toggled = false
	p.mu.Unlock()
	if p.flagPath == "" {
		return nil
	}
	if err := os.Remove(p.flagPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
