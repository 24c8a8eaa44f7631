package api

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/openbehavior/pathway/internal/cache"
	"github.com/openbehavior/pathway/internal/capacity"
	"github.com/openbehavior/pathway/internal/counters"
	"github.com/openbehavior/pathway/internal/definition"
	"github.com/openbehavior/pathway/internal/navigator"
	"github.com/openbehavior/pathway/internal/registry"
	"github.com/openbehavior/pathway/internal/session"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testDef = `
id: exp_api
phases:
  - id: p
    rules:
      ordering: balanced
    stages:
      - id: arm_a
        type: questionnaire
        questions:
          - id: mood
            required: true
      - id: arm_b
        type: questionnaire
        questions:
          - id: mood
            required: true
  - id: outro
    stages:
      - id: debrief
        type: instruction
`

func newRouter(t *testing.T) *gin.Engine {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	c, err := cache.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	cs, err := counters.NewStore(db)
	require.NoError(t, err)
	reg, err := registry.NewStore(db, c)
	require.NoError(t, err)
	sess, err := session.NewStore(db, c)
	require.NoError(t, err)
	def, err := definition.ParseYAML([]byte(testDef))
	require.NoError(t, err)

	eng := navigator.NewEngine(def, cs, reg, sess, capacity.NewManager(c, time.Minute), c)
	srv := NewServer(map[string]*navigator.Engine{"exp_api": eng}, cs, "secret")
	return srv.Router()
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeState(t *testing.T, w *httptest.ResponseRecorder) navigator.NavState {
	t.Helper()
	var ns navigator.NavState
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ns))
	return ns
}

func TestHealth(t *testing.T) {
	r := newRouter(t)
	w := doJSON(t, r, "GET", "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}

func TestStartSession(t *testing.T) {
	r := newRouter(t)
	w := doJSON(t, r, "POST", "/api/experiments/exp_api/sessions",
		map[string]any{"session_id": "s1", "user_id": "u1"}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	ns := decodeState(t, w)
	assert.Equal(t, "s1", ns.SessionID)
	require.NotNil(t, ns.CurrentUnit)
	assert.Contains(t, []string{"arm_a", "arm_b"}, ns.CurrentUnit.ID)
	assert.Len(t, ns.VisibleUnitIDs, 2)
}

func TestStartUnknownExperiment(t *testing.T) {
	r := newRouter(t)
	w := doJSON(t, r, "POST", "/api/experiments/nope/sessions", map[string]any{}, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSubmitFlow(t *testing.T) {
	r := newRouter(t)
	w := doJSON(t, r, "POST", "/api/experiments/exp_api/sessions",
		map[string]any{"session_id": "s1"}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	arm := decodeState(t, w).CurrentUnit.ID

	// Wrong unit conflicts.
	w = doJSON(t, r, "POST", "/api/experiments/exp_api/sessions/s1/submit",
		map[string]any{"unit_id": "debrief"}, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	// Missing required answer fails with details.
	w = doJSON(t, r, "POST", "/api/experiments/exp_api/sessions/s1/submit",
		map[string]any{"unit_id": arm, "data": map[string]any{}}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "mood")

	w = doJSON(t, r, "POST", "/api/experiments/exp_api/sessions/s1/submit",
		map[string]any{"unit_id": arm, "data": map[string]any{"mood": 4}}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	ns := decodeState(t, w)
	assert.Equal(t, "debrief", ns.CurrentUnit.ID)

	w = doJSON(t, r, "POST", "/api/experiments/exp_api/sessions/s1/submit",
		map[string]any{"unit_id": "debrief", "data": map[string]any{}}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decodeState(t, w).IsComplete)
}

func TestGetSessionState(t *testing.T) {
	r := newRouter(t)
	doJSON(t, r, "POST", "/api/experiments/exp_api/sessions", map[string]any{"session_id": "s1"}, nil)

	w := doJSON(t, r, "GET", "/api/experiments/exp_api/sessions/s1", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "s1", decodeState(t, w).SessionID)

	w = doJSON(t, r, "GET", "/api/experiments/exp_api/sessions/ghost", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestJumpForbidden(t *testing.T) {
	r := newRouter(t)
	doJSON(t, r, "POST", "/api/experiments/exp_api/sessions", map[string]any{"session_id": "s1"}, nil)

	w := doJSON(t, r, "POST", "/api/experiments/exp_api/sessions/s1/jump",
		map[string]any{"unit_id": "debrief"}, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAdminAuth(t *testing.T) {
	r := newRouter(t)

	w := doJSON(t, r, "GET", "/admin/experiments/exp_api/distribution", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, r, "GET", "/admin/experiments/exp_api/distribution", nil,
		map[string]string{"X-Admin-Token": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, r, "GET", "/admin/experiments/exp_api/distribution", nil,
		map[string]string{"X-Admin-Token": "secret"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminDistribution(t *testing.T) {
	r := newRouter(t)
	doJSON(t, r, "POST", "/api/experiments/exp_api/sessions", map[string]any{"session_id": "s1"}, nil)

	w := doJSON(t, r, "GET", "/admin/experiments/exp_api/distribution", nil,
		map[string]string{"X-Admin-Token": "secret"})
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Counters []counters.Record `json:"counters"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.NotEmpty(t, body.Counters)
	assert.Equal(t, "p", body.Counters[0].DecisionID)
}

func TestAdminDependents(t *testing.T) {
	r := newRouter(t)
	w := doJSON(t, r, "GET", "/admin/experiments/exp_api/units/arm_a/dependents", nil,
		map[string]string{"X-Admin-Token": "secret"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "dependents")

	w = doJSON(t, r, "GET", "/admin/experiments/exp_api/units/nope/dependents", nil,
		map[string]string{"X-Admin-Token": "secret"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminSessions(t *testing.T) {
	r := newRouter(t)
	doJSON(t, r, "POST", "/api/experiments/exp_api/sessions", map[string]any{"session_id": "s1"}, nil)

	w := doJSON(t, r, "GET", "/admin/experiments/exp_api/sessions", nil,
		map[string]string{"X-Admin-Token": "secret"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "s1")
}
