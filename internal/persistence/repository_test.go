package persistence

import (
	"testing"
	"time"

	"mt5-risk-engine-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleState() *models.AgentState {
	hwm := 10250.5
	return &models.AgentState{
		AgentID: "agent-1",
		Symbol:  "EURUSD",
		Version: 3,
		Breaker: models.CircuitBreakerState{
			Tripped:       true,
			Reason:        "drawdown 21.00% >= 20.00%",
			TrippedAt:     time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
			HighWaterMark: &hwm,
			Resolved:      []uint64{11, 12},
		},
		Sequence: &models.MartingaleSequence{
			ID:        "01J000",
			Symbol:    "EURUSD",
			Direction: models.Long,
			State:     models.SequenceWaitingOutcome,
			Steps:     []models.MartingaleStep{{StepIndex: 0, Volume: 0.01, Ticket: 7, Outcome: models.OutcomeOpen}},
		},
		FilledRungs: []float64{1.095},
		Status:      models.StatusTripped,
	}
}

func TestBadgerRepositoryRoundTrip(t *testing.T) {
	dir := t.TempDir()
	repo, err := NewBadgerRepository(dir, StateKey("EURUSD", 42))
	require.NoError(t, err)

	loaded, err := repo.LoadState()
	require.NoError(t, err)
	assert.Nil(t, loaded, "empty store should return nil state")

	require.NoError(t, repo.SaveState(sampleState()))
	require.NoError(t, repo.Close())

	// 重新打开, 模拟进程重启
	repo, err = NewBadgerRepository(dir, StateKey("EURUSD", 42))
	require.NoError(t, err)
	defer repo.Close()

	loaded, err = repo.LoadState()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.True(t, loaded.Breaker.Tripped)
	require.NotNil(t, loaded.Breaker.HighWaterMark)
	assert.Equal(t, 10250.5, *loaded.Breaker.HighWaterMark)
	assert.Equal(t, []uint64{11, 12}, loaded.Breaker.Resolved)
	require.NotNil(t, loaded.Sequence)
	assert.Equal(t, uint64(7), loaded.Sequence.Steps[0].Ticket)
	assert.Equal(t, []float64{1.095}, loaded.FilledRungs)
}

func TestBadgerRepositoryKeysAreIndependent(t *testing.T) {
	dir := t.TempDir()
	repo, err := NewBadgerRepository(dir, StateKey("EURUSD", 1))
	require.NoError(t, err)
	require.NoError(t, repo.SaveState(sampleState()))
	require.NoError(t, repo.Close())

	other, err := NewBadgerRepository(dir, StateKey("EURUSD", 2))
	require.NoError(t, err)
	defer other.Close()
	loaded, err := other.LoadState()
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestMemoryRepositoryCopies(t *testing.T) {
	repo := NewMemoryRepository()
	state := sampleState()
	require.NoError(t, repo.SaveState(state))

	state.FilledRungs[0] = 2.0
	loaded, err := repo.LoadState()
	require.NoError(t, err)
	assert.Equal(t, 1.095, loaded.FilledRungs[0])
	assert.Equal(t, 1, repo.Saves())
}

func TestRepositoriesRejectStaleWrites(t *testing.T) {
	badgerRepo, err := NewBadgerRepository(t.TempDir(), StateKey("EURUSD", 42))
	require.NoError(t, err)
	defer badgerRepo.Close()

	repos := map[string]StateRepository{
		"badger": badgerRepo,
		"memory": NewMemoryRepository(),
	}
	for name, repo := range repos {
		t.Run(name, func(t *testing.T) {
			state := sampleState()
			require.NoError(t, repo.SaveState(state))

			// 相同版本可以覆盖
			state.Status = models.StatusRunning
			require.NoError(t, repo.SaveState(state))

			old := sampleState()
			old.Version = 2
			err := repo.SaveState(old)
			require.ErrorIs(t, err, ErrStaleState)

			loaded, err := repo.LoadState()
			require.NoError(t, err)
			assert.Equal(t, 3, loaded.Version)
			assert.Equal(t, models.StatusRunning, loaded.Status)
		})
	}
}
