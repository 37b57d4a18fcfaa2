package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/text/language"

	"github.com/dativo-io/redact/internal/audit"
	"github.com/dativo-io/redact/internal/pipeline"
	"github.com/dativo-io/redact/internal/requestctx"
	"github.com/dativo-io/redact/internal/span"
	"github.com/dativo-io/redact/internal/transform"
)

type redactRequest struct {
	ID       string `json:"id,omitempty"`
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
	Combined bool   `json:"combined,omitempty"`
}

type redactResponse struct {
	DocumentID string             `json:"document_id"`
	Redacted   string             `json:"redacted"`
	Combined   string             `json:"combined,omitempty"`
	Applied    []pipeline.Applied `json:"applied"`
}

type batchRequest struct {
	Documents []redactRequest `json:"documents"`
}

type batchResponse struct {
	Results []redactResponse `json:"results"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	}
	if r.URL.Query().Get("detail") == "true" && s.pipeline != nil {
		table := s.pipeline.Table()
		resp["components"] = map[string]interface{}{
			"recognizer":    s.pipeline.RecognizerName(),
			"transform":     table.Default().Kind().String(),
			"transient_key": table.Transient(),
			"auth":          len(s.apiKeys) > 0,
			"rate_limit":    s.limiter != nil,
			"audit":         s.audit != nil,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRedact(w http.ResponseWriter, r *http.Request) {
	var req redactRequest
	if !s.decode(w, r, &req) {
		return
	}
	doc, err := toDocument(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	start := time.Now()
	res, err := s.pipeline.Process(r.Context(), doc)
	s.record(r.Context(), doc, res, err, time.Since(start))
	if err != nil {
		s.writePipelineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(req, res))
}

func (s *Server) handleRedactBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Documents) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "documents is required")
		return
	}
	if len(req.Documents) > s.maxBatch {
		writeError(w, http.StatusRequestEntityTooLarge, "batch_too_large",
			fmt.Sprintf("batch has %d documents, limit is %d", len(req.Documents), s.maxBatch))
		return
	}

	docs := make([]pipeline.Document, len(req.Documents))
	for i, d := range req.Documents {
		doc, err := toDocument(d)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("documents[%d]: %v", i, err))
			return
		}
		docs[i] = doc
	}

	start := time.Now()
	results, err := s.pipeline.ProcessBatch(r.Context(), docs, s.batchWorkers)
	elapsed := time.Since(start)
	for i, doc := range docs {
		var res *pipeline.Result
		if err == nil {
			res = results[i]
		}
		s.record(r.Context(), doc, res, err, elapsed)
	}
	if err != nil {
		s.writePipelineError(w, r, err)
		return
	}
	out := batchResponse{Results: make([]redactResponse, len(results))}
	for i, res := range results {
		out.Results[i] = toResponse(req.Documents[i], res)
	}
	writeJSON(w, http.StatusOK, out)
}

// decode reads a JSON body, writing 400 or 413 and returning false on
// failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request_too_large",
				fmt.Sprintf("request body exceeds %d bytes", s.maxBodyBytes))
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func toDocument(req redactRequest) (pipeline.Document, error) {
	doc := pipeline.Document{ID: req.ID, Text: req.Text}
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	if req.Language != "" {
		tag, err := language.Parse(req.Language)
		if err != nil {
			return doc, fmt.Errorf("invalid language %q", req.Language)
		}
		doc.Language = tag
	}
	return doc, nil
}

func toResponse(req redactRequest, res *pipeline.Result) redactResponse {
	out := redactResponse{
		DocumentID: res.DocumentID,
		Redacted:   res.Redacted,
		Applied:    res.Applied,
	}
	if out.Applied == nil {
		out.Applied = []pipeline.Applied{}
	}
	if req.Combined {
		out.Combined = pipeline.FormatCombined(req.Text, res.Redacted)
	}
	return out
}

// writePipelineError maps pipeline failures onto HTTP statuses. Error
// text from the pipeline carries offsets and entity types only.
func (s *Server) writePipelineError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, pipeline.ErrRecognizerTimeout):
		status, code = http.StatusGatewayTimeout, "recognizer_timeout"
	case errors.Is(err, pipeline.ErrRecognizerUnavailable):
		status, code = http.StatusBadGateway, "recognizer_unavailable"
	case errors.Is(err, transform.ErrInvalidAlphabet):
		status, code = http.StatusUnprocessableEntity, "transform_failed"
	case errors.Is(err, span.ErrMalformedSpan):
		status, code = http.StatusInternalServerError, "malformed_span"
	}
	var stageErr *pipeline.StageError
	ev := log.Error().Err(err).Str("caller", requestctx.Caller(r.Context()))
	if errors.As(err, &stageErr) {
		ev = ev.Str("document_id", stageErr.DocumentID).Str("stage", stageErr.Stage.String())
	}
	ev.Msg("redact_error")
	writeError(w, status, code, err.Error())
}

// record appends an audit record when auditing is enabled. Audit failures
// are logged and never fail the request.
func (s *Server) record(ctx context.Context, doc pipeline.Document, res *pipeline.Result, err error, d time.Duration) {
	if s.audit == nil {
		return
	}
	caller := requestctx.Caller(ctx)
	if _, aerr := s.audit.Log(ctx, s.pipeline, audit.Outcome{
		Source:   audit.SourceAPI,
		Caller:   caller,
		Document: doc,
		Result:   res,
		Err:      err,
		Duration: d,
	}); aerr != nil {
		log.Warn().Err(aerr).Str("caller", caller).Str("document_id", doc.ID).Msg("audit_record_failed")
	}
}

// handleAuditList returns the calling key's own audit records.
func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	f := audit.Filter{Caller: requestctx.Caller(r.Context()), Limit: 50}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be between 1 and 1000")
			return
		}
		f.Limit = n
	}
	f.DocumentID = r.URL.Query().Get("document_id")

	records, err := s.audit.List(r.Context(), f)
	if err != nil {
		log.Error().Err(err).Msg("audit_list_failed")
		writeError(w, http.StatusInternalServerError, "internal", "listing audit records failed")
		return
	}
	if records == nil {
		records = []audit.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": records})
}
