package api

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/Luisd07/SuperNats-28-Points-Tracker/pkg/official"
	"github.com/Luisd07/SuperNats-28-Points-Tracker/pkg/timing"
)

// penaltySchemaJSON validates the JSON penalty submission body before
// any typed decoding happens. Kind-specific parameter checks still run
// in the official package; this rejects structurally bad payloads at
// the boundary.
const penaltySchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "array",
	"minItems": 1,
	"items": {
		"type": "object",
		"required": ["competitor", "kind"],
		"properties": {
			"competitor": {"type": "string", "minLength": 1},
			"kind": {"enum": ["disqualify", "invalidate_lap", "time_adjust", "position_adjust"]},
			"lap": {"type": "integer", "minimum": 1},
			"delta_ms": {"type": "integer"},
			"offset": {"type": "integer"},
			"author": {"type": "string"},
			"note": {"type": "string"}
		},
		"additionalProperties": false
	}
}`

func compilePenaltySchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(penaltySchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("api: penalty schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("penalties.json", doc); err != nil {
		panic(fmt.Sprintf("api: penalty schema: %v", err))
	}
	schema, err := c.Compile("penalties.json")
	if err != nil {
		panic(fmt.Sprintf("api: penalty schema: %v", err))
	}
	return schema
}

// penaltyRequest is one item of a JSON penalty submission.
type penaltyRequest struct {
	Competitor string `json:"competitor"`
	Kind       string `json:"kind"`
	Lap        int    `json:"lap,omitempty"`
	DeltaMS    int64  `json:"delta_ms,omitempty"`
	Offset     int    `json:"offset,omitempty"`
	Author     string `json:"author,omitempty"`
	Note       string `json:"note,omitempty"`
}

// defaultAuthor is recorded when a submission names no author.
const defaultAuthor = "Stewards"

func (p penaltyRequest) toParams() (official.PenaltyParams, error) {
	return official.ParamsFor(
		official.PenaltyKind(p.Kind),
		p.Lap,
		time.Duration(p.DeltaMS)*time.Millisecond,
		p.Offset,
	)
}

// validatePenaltyBody runs the raw JSON body through the compiled
// schema. The body is decoded separately afterwards; the schema only
// gates shape.
func (h *Handler) validatePenaltyBody(body []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := h.penaltySchema.Validate(inst); err != nil {
		return err
	}
	return nil
}

// parseBulkPenalties decodes the steward pad shorthand:
//
//	541 +5s | 077 DQ | 119 -3pos
//
// Items are separated by '|' or newlines. "Ns" is a time adjustment in
// seconds, "DQ" disqualifies, "Npos" drops the kart N positions. The
// kart numbers of items that could not be parsed are returned alongside
// the decoded ones; a partially valid pad line still applies its valid
// items.
func parseBulkPenalties(body, author string) (reqs []penaltyRequest, rejected []string) {
	if author == "" {
		author = defaultAuthor
	}
	items := strings.Split(strings.ReplaceAll(body, "\n", "|"), "|")
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.Fields(item)
		if len(parts) < 2 {
			rejected = append(rejected, item)
			continue
		}
		number := parts[0]
		code := strings.ToLower(parts[1])

		req := penaltyRequest{Competitor: number, Author: author}
		switch {
		case strings.Contains(code, "dq"):
			req.Kind = string(official.KindDisqualify)

		case strings.Contains(code, "pos"):
			// "-3pos" and "3pos" both drop three positions
			n, err := strconv.Atoi(strings.NewReplacer("pos", "", "-", "", "+", "").Replace(code))
			if err != nil || n == 0 {
				rejected = append(rejected, item)
				continue
			}
			req.Kind = string(official.KindPositionAdjust)
			req.Offset = n

		case strings.HasSuffix(code, "s"):
			secs, err := strconv.ParseFloat(strings.TrimSuffix(code, "s"), 64)
			if err != nil || secs == 0 {
				rejected = append(rejected, item)
				continue
			}
			req.Kind = string(official.KindTimeAdjust)
			req.DeltaMS = int64(secs * 1000)

		default:
			rejected = append(rejected, item)
			continue
		}
		reqs = append(reqs, req)
	}
	return reqs, rejected
}

// submitAll stages a batch of penalty requests. The whole batch is
// validated first — parameters and competitor identity — so one bad
// item rejects the submission with the ledger untouched.
func (h *Handler) submitAll(session string, reqs []penaltyRequest) ([]string, error) {
	sess, err := h.reg.Get(session)
	if err != nil {
		return nil, err
	}

	type staged struct {
		competitor timing.CompetitorID
		params     official.PenaltyParams
		author     string
		note       string
	}
	batch := make([]staged, 0, len(reqs))
	for _, req := range reqs {
		params, err := req.toParams()
		if err != nil {
			return nil, err
		}
		if err := official.ValidateParams(params); err != nil {
			return nil, err
		}
		id := timing.CompetitorID(req.Competitor)
		if !sess.HasCompetitor(id) {
			return nil, fmt.Errorf("%w: %q in session %q",
				timing.ErrUnknownCompetitor, id, session)
		}
		author := req.Author
		if author == "" {
			author = defaultAuthor
		}
		batch = append(batch, staged{
			competitor: id,
			params:     params,
			author:     author,
			note:       req.Note,
		})
	}

	ids := make([]string, 0, len(batch))
	for _, p := range batch {
		id, err := h.engine.SubmitPenalty(session, p.competitor, p.params, p.author, p.note)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id.String())
	}
	return ids, nil
}
