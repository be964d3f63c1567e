package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Luisd07/SuperNats-28-Points-Tracker/pkg/official"
	"github.com/Luisd07/SuperNats-28-Points-Tracker/pkg/points"
	"github.com/Luisd07/SuperNats-28-Points-Tracker/pkg/timing"
)

const heatKey = "X30 Senior/Heat 1"

var t0 = time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC)

func newTestHandler(t *testing.T) (*Handler, *timing.Registry, *official.Engine) {
	t.Helper()
	reg := timing.NewRegistry()
	s := reg.GetOrCreate(heatKey, "Heat 1", timing.TypeHeat)
	s.RecordLap("541", 1, 45100*time.Millisecond, t0.Add(1*time.Second))
	s.RecordLap("077", 1, 44900*time.Millisecond, t0.Add(2*time.Second))
	s.RecordLap("541", 2, 46*time.Second, t0.Add(3*time.Second))
	s.RecordLap("077", 2, 46*time.Second, t0.Add(4*time.Second))

	scales := points.NewRegistry(10)
	engine := official.NewEngine(reg, official.WithScorer(scales))
	return New(reg, engine, scales, nil), reg, engine
}

// sessionPath percent-encodes the key the way a real client would;
// keys carry spaces and slashes ("X30 Senior/Heat 1").
func sessionPath(key, action string) string {
	u := url.URL{Path: "/api/v1/sessions/" + key + "/" + action}
	return u.String()
}

func do(h http.Handler, method, path, contentType, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealthAndSessionList(t *testing.T) {
	h, _, _ := newTestHandler(t)

	w := do(h, http.MethodGet, "/api/v1/health", "", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(h, http.MethodGet, "/api/v1/sessions", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var sessions []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, heatKey, sessions[0]["key"])
	assert.Equal(t, "Heat", sessions[0]["type"])
}

func TestGetProvisional(t *testing.T) {
	h, _, _ := newTestHandler(t)

	w := do(h, http.MethodGet, sessionPath(heatKey, "provisional"), "", "")
	require.Equal(t, http.StatusOK, w.Code)

	var c timing.Classification
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &c))
	require.Len(t, c.Rows, 2)
	assert.Equal(t, timing.CompetitorID("077"), c.Rows[0].Competitor)

	w = do(h, http.MethodGet, "/api/v1/sessions/nope/provisional", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSubmitPenaltiesJSON(t *testing.T) {
	h, _, engine := newTestHandler(t)

	body := `[{"competitor":"077","kind":"time_adjust","delta_ms":1000,"author":"RD","note":"jump start"}]`
	w := do(h, http.MethodPost, sessionPath(heatKey, "penalties"), "application/json", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp penaltiesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	assert.Len(t, resp.IDs, 1)

	ledger := engine.Ledger(heatKey)
	require.Len(t, ledger, 1)
	assert.Equal(t, official.KindTimeAdjust, ledger[0].Kind())
	assert.Equal(t, "RD", ledger[0].Author)
}

func TestSubmitPenaltiesSchemaRejectsBadShape(t *testing.T) {
	h, _, engine := newTestHandler(t)

	for _, body := range []string{
		`[]`,                                       // empty batch
		`[{"competitor":"077"}]`,                   // missing kind
		`[{"competitor":"077","kind":"flogging"}]`, // unknown kind
		`[{"competitor":"077","kind":"disqualify","surprise":1}]`, // extra field
		`{"competitor":"077","kind":"disqualify"}`,                // not an array
	} {
		w := do(h, http.MethodPost, sessionPath(heatKey, "penalties"), "application/json", body)
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code, "body %s", body)
	}
	assert.Empty(t, engine.Ledger(heatKey))
}

func TestSubmitPenaltiesBatchIsAllOrNothing(t *testing.T) {
	h, _, engine := newTestHandler(t)

	// second item names an unknown kart: nothing may be staged
	body := `[
		{"competitor":"077","kind":"disqualify"},
		{"competitor":"999","kind":"disqualify"}
	]`
	w := do(h, http.MethodPost, sessionPath(heatKey, "penalties"), "application/json", body)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, engine.Ledger(heatKey))
}

func TestSubmitPenaltiesBulkPad(t *testing.T) {
	h, _, engine := newTestHandler(t)

	w := do(h, http.MethodPost, sessionPath(heatKey, "penalties"),
		"text/plain", "541 +5s | 077 DQ | 541 -3pos")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	ledger := engine.Ledger(heatKey)
	require.Len(t, ledger, 3)
	assert.Equal(t, official.KindTimeAdjust, ledger[0].Kind())
	assert.Equal(t, official.KindDisqualify, ledger[1].Kind())
	assert.Equal(t, official.KindPositionAdjust, ledger[2].Kind())
	assert.Equal(t, "Stewards", ledger[0].Author)
}

func TestSubmitPenaltiesBulkUnparseable(t *testing.T) {
	h, _, _ := newTestHandler(t)
	w := do(h, http.MethodPost, sessionPath(heatKey, "penalties"),
		"text/plain", "mystery gibberish")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestPreviewAndPublishFlow(t *testing.T) {
	h, _, _ := newTestHandler(t)

	// penalize the leader out of first place
	body := `[{"competitor":"077","kind":"time_adjust","delta_ms":1000}]`
	w := do(h, http.MethodPost, sessionPath(heatKey, "penalties"), "application/json", body)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(h, http.MethodPost, sessionPath(heatKey, "preview_official"), "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var preview official.ResultSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &preview))
	assert.Equal(t, timing.CompetitorID("541"), preview.Rows[0].Competitor)
	assert.Zero(t, preview.Version)

	w = do(h, http.MethodPost, sessionPath(heatKey, "publish_official"), "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var published publishResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &published))
	assert.Equal(t, uint32(1), published.Version)
	require.Len(t, published.Points, 2)

	// fetch it back, latest and by version
	w = do(h, http.MethodGet, sessionPath(heatKey, "official"), "", "")
	require.Equal(t, http.StatusOK, w.Code)
	w = do(h, http.MethodGet, sessionPath(heatKey, "official")+"?version=1", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	w = do(h, http.MethodGet, sessionPath(heatKey, "official")+"?version=5", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = do(h, http.MethodGet, sessionPath(heatKey, "official")+"?version=x", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPublishEmptySessionRejected(t *testing.T) {
	h, reg, _ := newTestHandler(t)
	reg.GetOrCreate("empty/Practice", "Practice", timing.TypePractice)

	w := do(h, http.MethodPost, "/api/v1/sessions/empty/Practice/publish_official", "", "")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	h, _, _ := newTestHandler(t)
	w := do(h, http.MethodDelete, sessionPath(heatKey, "provisional"), "", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	w = do(h, http.MethodGet, sessionPath(heatKey, "publish_official"), "", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestUnknownAction(t *testing.T) {
	h, _, _ := newTestHandler(t)
	w := do(h, http.MethodGet, sessionPath(heatKey, "telemetry"), "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetLedger(t *testing.T) {
	h, _, _ := newTestHandler(t)
	body := `[{"competitor":"541","kind":"invalidate_lap","lap":2}]`
	w := do(h, http.MethodPost, sessionPath(heatKey, "penalties"), "application/json", body)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(h, http.MethodGet, sessionPath(heatKey, "penalties"), "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var ledger []official.Penalty
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ledger))
	require.Len(t, ledger, 1)
	assert.Equal(t, official.KindInvalidateLap, ledger[0].Kind())
}

func TestParseBulkPenalties(t *testing.T) {
	reqs, rejected := parseBulkPenalties("541 +5s\n077 dq | 119 -3pos | bogus", "RD")
	require.Len(t, reqs, 3)
	assert.Equal(t, []string{"bogus"}, rejected)

	assert.Equal(t, "time_adjust", reqs[0].Kind)
	assert.Equal(t, int64(5000), reqs[0].DeltaMS)
	assert.Equal(t, "disqualify", reqs[1].Kind)
	assert.Equal(t, "position_adjust", reqs[2].Kind)
	// "-3pos" is a three-position drop
	assert.Equal(t, 3, reqs[2].Offset)
	assert.Equal(t, "RD", reqs[0].Author)
}

func TestParseBulkNegativeTime(t *testing.T) {
	reqs, rejected := parseBulkPenalties("541 -2.5s", "")
	require.Len(t, reqs, 1)
	assert.Empty(t, rejected)
	assert.Equal(t, int64(-2500), reqs[0].DeltaMS)
	assert.Equal(t, defaultAuthor, reqs[0].Author)
}
