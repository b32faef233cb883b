package statemanager

import (
	"fmt"
	"reflect"
	"sync"
	"time"

	"mt5-risk-engine-go/internal/models"
	"mt5-risk-engine-go/internal/persistence"

	"go.uber.org/zap"
)

// EventType defines the type of a normalized event
type EventType int

const (
	StateResetEvent EventType = iota
	BreakerUpdateEvent
	SequenceUpdateEvent
	FilledRungsEvent
	DailyUpdateEvent
	StatusUpdateEvent
)

func (t EventType) String() string {
	switch t {
	case StateResetEvent:
		return "state_reset"
	case BreakerUpdateEvent:
		return "breaker_update"
	case SequenceUpdateEvent:
		return "sequence_update"
	case FilledRungsEvent:
		return "filled_rungs"
	case DailyUpdateEvent:
		return "daily_update"
	case StatusUpdateEvent:
		return "status_update"
	}
	return "unknown"
}

// NormalizedEvent is a standardized internal representation of an event
type NormalizedEvent struct {
	Type      EventType
	Timestamp time.Time
	Data      interface{}
}

// StateManager 串行处理所有状态变更, 并异步持久化变更后的快照.
// 只有实际改变了状态的事件才会触发写库.
type StateManager struct {
	mu              sync.RWMutex
	state           *models.AgentState
	repo            persistence.StateRepository
	eventChannel    chan NormalizedEvent
	persistenceChan chan *models.AgentState
	stopChan        chan struct{}
	stopOnce        sync.Once
	wg              sync.WaitGroup
	logger          *zap.Logger
}

// NewStateManager creates a new StateManager.
func NewStateManager(initialState *models.AgentState, repo persistence.StateRepository, logger *zap.Logger) *StateManager {
	if initialState == nil {
		initialState = &models.AgentState{}
	}
	return &StateManager{
		state:           initialState,
		repo:            repo,
		eventChannel:    make(chan NormalizedEvent, 1024),
		persistenceChan: make(chan *models.AgentState, 128),
		stopChan:        make(chan struct{}),
		logger:          logger,
	}
}

// Start begins the state manager's event processing and persistence loops.
func (sm *StateManager) Start() {
	sm.wg.Add(2)
	go sm.eventLoop()
	go sm.persistenceLoop()
	sm.logger.Info("state manager started", zap.String("agent", sm.state.AgentID))
}

// Stop processes the events already queued, writes the resulting snapshots and
// returns once the persistence loop is done. Safe to call more than once.
func (sm *StateManager) Stop() {
	sm.stopOnce.Do(func() {
		close(sm.stopChan)
		sm.wg.Wait()
		sm.logger.Info("state manager stopped")
	})
}

// DispatchEvent sends an event to the StateManager for processing. Events
// dispatched after Stop are dropped.
func (sm *StateManager) DispatchEvent(event NormalizedEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case <-sm.stopChan:
		sm.logger.Warn("event dropped after stop", zap.Stringer("type", event.Type))
		return
	default:
	}
	select {
	case sm.eventChannel <- event:
	case <-sm.stopChan:
		sm.logger.Warn("event dropped after stop", zap.Stringer("type", event.Type))
	}
}

// GetStateSnapshot returns a deep copy of the current state for safe, concurrent reading.
func (sm *StateManager) GetStateSnapshot() *models.AgentState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state.Clone()
}

func (sm *StateManager) eventLoop() {
	defer sm.wg.Done()
	defer close(sm.persistenceChan)
	for {
		select {
		case event := <-sm.eventChannel:
			sm.processEvent(event)
		case <-sm.stopChan:
			// 处理完已排队的事件再退出
			for {
				select {
				case event := <-sm.eventChannel:
					sm.processEvent(event)
				default:
					return
				}
			}
		}
	}
}

func (sm *StateManager) persistenceLoop() {
	defer sm.wg.Done()
	for stateToSave := range sm.persistenceChan {
		if sm.repo == nil {
			continue
		}
		if err := sm.repo.SaveState(stateToSave); err != nil {
			sm.logger.Error("CRITICAL: failed to save agent state",
				zap.Int("version", stateToSave.Version),
				zap.Error(err))
		}
	}
}

// processEvent contains the logic to mutate the state based on an event.
func (sm *StateManager) processEvent(event NormalizedEvent) {
	sm.mu.Lock()
	changed := sm.apply(event)
	var snapshot *models.AgentState
	if changed {
		sm.state.Version++
		sm.state.LastUpdateTime = event.Timestamp
		snapshot = sm.state.Clone()
	}
	sm.mu.Unlock()

	if snapshot != nil {
		sm.persistenceChan <- snapshot
	}
}

// apply mutates sm.state and reports whether anything changed. Caller holds mu.
func (sm *StateManager) apply(event NormalizedEvent) bool {
	switch event.Type {
	case StateResetEvent:
		newState, ok := event.Data.(*models.AgentState)
		if !ok || newState == nil {
			sm.unexpected(event)
			return false
		}
		version := sm.state.Version
		sm.state = newState.Clone()
		if sm.state.Version < version {
			sm.state.Version = version
		}
		sm.logger.Info("agent state has been reset")
		return true
	case BreakerUpdateEvent:
		b, ok := event.Data.(models.CircuitBreakerState)
		if !ok {
			sm.unexpected(event)
			return false
		}
		if reflect.DeepEqual(sm.state.Breaker, b) {
			return false
		}
		sm.state.Breaker = b.Clone()
	case SequenceUpdateEvent:
		seq, ok := event.Data.(*models.MartingaleSequence)
		if !ok {
			sm.unexpected(event)
			return false
		}
		if reflect.DeepEqual(sm.state.Sequence, seq) {
			return false
		}
		sm.state.Sequence = seq.Clone()
	case FilledRungsEvent:
		rungs, ok := event.Data.([]float64)
		if !ok {
			sm.unexpected(event)
			return false
		}
		if len(rungs) == 0 && len(sm.state.FilledRungs) == 0 {
			return false
		}
		if reflect.DeepEqual(sm.state.FilledRungs, rungs) {
			return false
		}
		sm.state.FilledRungs = append([]float64(nil), rungs...)
	case DailyUpdateEvent:
		d, ok := event.Data.(models.DailyCounters)
		if !ok {
			sm.unexpected(event)
			return false
		}
		if sm.state.Daily == d {
			return false
		}
		sm.state.Daily = d
	case StatusUpdateEvent:
		s, ok := event.Data.(string)
		if !ok {
			sm.unexpected(event)
			return false
		}
		if sm.state.Status == s {
			return false
		}
		sm.state.Status = s
	default:
		sm.unexpected(event)
		return false
	}
	return true
}

func (sm *StateManager) unexpected(event NormalizedEvent) {
	sm.logger.Warn("received event with unexpected data type",
		zap.Stringer("type", event.Type),
		zap.String("data", fmt.Sprintf("%T", event.Data)))
}
