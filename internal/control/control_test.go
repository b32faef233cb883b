package control

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"mt5-risk-engine-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPauserSentinelAndToggle(t *testing.T) {
	flag := filepath.Join(t.TempDir(), "pause.flag")
	p := NewPauser(flag)
	assert.False(t, p.Paused())

	require.NoError(t, os.WriteFile(flag, nil, 0o644))
	assert.True(t, p.Paused())
	require.NoError(t, p.Resume())
	assert.False(t, p.Paused())

	p.Pause()
	assert.True(t, p.Paused())
	require.NoError(t, p.Resume())
	assert.False(t, p.Paused())
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestServerRoutes(t *testing.T) {
	pauser := NewPauser("")
	report := models.StatusReport{AgentID: "a1", Symbol: "EURUSD", Status: models.StatusRunning, Balance: 10000}
	s := NewServer("127.0.0.1:0", func() models.StatusReport { return report }, pauser, zap.NewNop())
	h := s.Handler()

	w := do(t, h, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, w.Code)
	var got models.StatusReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "a1", got.AgentID)
	assert.Equal(t, 10000.0, got.Balance)

	w = do(t, h, http.MethodPost, "/pause")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, pauser.Paused())

	w = do(t, h, http.MethodPost, "/resume")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.False(t, pauser.Paused())

	w = do(t, h, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "go_goroutines"))

	report.Status = models.StatusTripped
	w = do(t, h, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
