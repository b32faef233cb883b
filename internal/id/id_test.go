package id

import (
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsSortable(t *testing.T) {
	ids := make([]string, 200)
	for i := range ids {
		ids[i] = New()
	}
	assert.True(t, sort.StringsAreSorted(ids))
}

func TestAtRoundTrip(t *testing.T) {
	at := time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC)
	got, err := Time(At(at))
	require.NoError(t, err)
	assert.True(t, got.Equal(at))

	_, err = Time("not-a-ulid")
	assert.Error(t, err)
}

func TestAgentIsUUID(t *testing.T) {
	_, err := uuid.Parse(Agent())
	assert.NoError(t, err)
	assert.NotEqual(t, Agent(), Agent())
}
