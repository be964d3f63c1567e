// Package api exposes the engine over HTTP: JSON endpoints for penalty
// submission, preview and publish, read access to provisional and
// official classifications, and a WebSocket stream of the live view.
//
// No authentication: access control belongs to whatever fronts this
// service at the paddock.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/Luisd07/SuperNats-28-Points-Tracker/pkg/official"
	"github.com/Luisd07/SuperNats-28-Points-Tracker/pkg/points"
	"github.com/Luisd07/SuperNats-28-Points-Tracker/pkg/timing"
)

const maxBodyBytes = 1 << 20

// Handler is the HTTP handler for all /api/v1/* endpoints.
type Handler struct {
	reg    *timing.Registry
	engine *official.Engine
	scales *points.Registry
	logger *slog.Logger
	mux    *http.ServeMux

	penaltySchema *jsonschema.Schema
}

// New creates a Handler over the engine components and registers all
// routes.
func New(reg *timing.Registry, engine *official.Engine, scales *points.Registry, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		reg:           reg,
		engine:        engine,
		scales:        scales,
		logger:        logger.With("component", "api"),
		mux:           http.NewServeMux(),
		penaltySchema: compilePenaltySchema(),
	}

	h.mux.HandleFunc("/api/v1/health", h.health)
	h.mux.HandleFunc("/api/v1/sessions", h.listSessions)
	h.mux.HandleFunc("/api/v1/sessions/", h.sessionRoute) // subtree — extracts {key}/{action}
	h.mux.HandleFunc("/api/v1/schemes", h.listSchemes)

	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// --- route handlers ---------------------------------------------------------

// health returns GET /api/v1/health — session count and liveness.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jsonResp(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": len(h.reg.Keys()),
	})
}

// listSessions returns GET /api/v1/sessions — every known session with
// its state and latest official version.
func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	keys := h.reg.Keys()
	out := make([]sessionSummary, 0, len(keys))
	for _, key := range keys {
		sess, err := h.reg.Get(key)
		if err != nil {
			continue
		}
		out = append(out, sessionSummary{
			Key:            key,
			Name:           sess.Name,
			Type:           string(sess.Type),
			State:          sess.State().String(),
			RankingMode:    sess.Mode().String(),
			Competitors:    len(sess.Competitors()),
			LatestOfficial: h.engine.LatestVersion(key),
			PendingPenalty: len(h.engine.Ledger(key)),
		})
	}
	jsonResp(w, http.StatusOK, out)
}

// listSchemes returns GET /api/v1/schemes — registered points schemes.
func (h *Handler) listSchemes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jsonResp(w, http.StatusOK, h.scales.Schemes())
}

// sessionRoute dispatches /api/v1/sessions/{key}/{action}. Session keys
// contain slashes ("class/run"), so the action is the final path
// segment and everything between the prefix and it is the key.
func (h *Handler) sessionRoute(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/sessions/")
	slash := strings.LastIndex(rest, "/")
	if slash < 1 {
		jsonErr(w, http.StatusNotFound, "unknown route")
		return
	}
	key, action := rest[:slash], rest[slash+1:]

	switch action {
	case "penalties":
		switch r.Method {
		case http.MethodPost:
			h.submitPenalties(w, r, key)
		case http.MethodGet:
			h.getLedger(w, key)
		default:
			jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	case "preview_official":
		if r.Method != http.MethodPost {
			jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.previewOfficial(w, key)
	case "publish_official":
		if r.Method != http.MethodPost {
			jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.publishOfficial(w, key)
	case "provisional":
		if r.Method != http.MethodGet {
			jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.getProvisional(w, key)
	case "official":
		if r.Method != http.MethodGet {
			jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.getOfficial(w, r, key)
	default:
		jsonErr(w, http.StatusNotFound, "unknown route")
	}
}

// submitPenalties handles POST .../penalties. The body is either a
// schema-validated JSON array or a text/plain steward pad line like
// "541 +5s | 077 DQ | 119 -3pos".
func (h *Handler) submitPenalties(w http.ResponseWriter, r *http.Request, key string) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		jsonErr(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	var reqs []penaltyRequest
	var rejected []string

	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := h.validatePenaltyBody(body); err != nil {
			jsonErr(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		if err := json.Unmarshal(body, &reqs); err != nil {
			jsonErr(w, http.StatusBadRequest, "decode body: "+err.Error())
			return
		}
	} else {
		reqs, rejected = parseBulkPenalties(string(body), r.Header.Get("X-Author"))
		if len(reqs) == 0 {
			jsonErr(w, http.StatusUnprocessableEntity, "no parseable penalties in pad input")
			return
		}
	}

	ids, err := h.submitAll(key, reqs)
	if err != nil {
		h.writeEngineErr(w, err)
		return
	}
	jsonResp(w, http.StatusOK, penaltiesResponse{OK: true, IDs: ids, Rejected: rejected})
}

// getLedger handles GET .../penalties — the staged ledger in
// submission order.
func (h *Handler) getLedger(w http.ResponseWriter, key string) {
	if _, err := h.reg.Get(key); err != nil {
		h.writeEngineErr(w, err)
		return
	}
	jsonResp(w, http.StatusOK, h.engine.Ledger(key))
}

// previewOfficial handles POST .../preview_official.
func (h *Handler) previewOfficial(w http.ResponseWriter, key string) {
	snap, err := h.engine.PreviewOfficial(key)
	if err != nil {
		h.writeEngineErr(w, err)
		return
	}
	jsonResp(w, http.StatusOK, snap)
}

// publishOfficial handles POST .../publish_official.
func (h *Handler) publishOfficial(w http.ResponseWriter, key string) {
	snap, entries, err := h.engine.PublishOfficial(key)
	if err != nil {
		h.writeEngineErr(w, err)
		return
	}
	jsonResp(w, http.StatusOK, publishResponse{
		OK:       true,
		Version:  snap.Version,
		Snapshot: snap,
		Points:   entries,
	})
}

// getProvisional handles GET .../provisional — the live classification.
func (h *Handler) getProvisional(w http.ResponseWriter, key string) {
	sess, err := h.reg.Get(key)
	if err != nil {
		h.writeEngineErr(w, err)
		return
	}
	jsonResp(w, http.StatusOK, sess.Current())
}

// getOfficial handles GET .../official?version=N — a published
// snapshot, latest when version is omitted.
func (h *Handler) getOfficial(w http.ResponseWriter, r *http.Request, key string) {
	var version uint32
	if raw := r.URL.Query().Get("version"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			jsonErr(w, http.StatusBadRequest, "version must be a positive integer")
			return
		}
		version = uint32(v)
	}
	snap, err := h.engine.GetOfficial(key, version)
	if err != nil {
		h.writeEngineErr(w, err)
		return
	}
	jsonResp(w, http.StatusOK, snap)
}

// writeEngineErr maps engine error kinds onto HTTP statuses.
func (h *Handler) writeEngineErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, timing.ErrUnknownSession),
		errors.Is(err, timing.ErrUnknownCompetitor),
		errors.Is(err, official.ErrNoOfficialResult):
		jsonErr(w, http.StatusNotFound, err.Error())
	case errors.Is(err, official.ErrConcurrentPublish):
		// the competing publish is probably succeeding; retry, do not
		// assume failure
		jsonErr(w, http.StatusConflict, err.Error())
	case errors.Is(err, official.ErrNoProvisionalData),
		errors.Is(err, official.ErrInvalidPenalty):
		jsonErr(w, http.StatusUnprocessableEntity, err.Error())
	default:
		h.logger.Error("internal error", "err", err)
		jsonErr(w, http.StatusInternalServerError, "internal error")
	}
}

// --- response shapes --------------------------------------------------------

type sessionSummary struct {
	Key            string `json:"key"`
	Name           string `json:"name"`
	Type           string `json:"type"`
	State          string `json:"state"`
	RankingMode    string `json:"ranking_mode"`
	Competitors    int    `json:"competitors"`
	LatestOfficial uint32 `json:"latest_official_version"`
	PendingPenalty int    `json:"pending_penalties"`
}

type penaltiesResponse struct {
	OK       bool     `json:"ok"`
	IDs      []string `json:"ids"`
	Rejected []string `json:"rejected,omitempty"`
}

type publishResponse struct {
	OK       bool                     `json:"ok"`
	Version  uint32                   `json:"version"`
	Snapshot *official.ResultSnapshot `json:"snapshot"`
	Points   []official.PointsEntry   `json:"points"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func jsonResp(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}
