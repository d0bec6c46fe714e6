/*
handlers.go - HTTP API handlers for the gloss-prevention engine

PURPOSE:
  Exposes the rule engine via REST API. Handles HTTP request/response and
  JSON serialization, and delegates to the processor and tracking store.

ENDPOINTS:
  GET    /health                       Liveness and loaded rule count
  GET    /api/rules                    Loaded rules and load diagnostics
  POST   /api/documents/apply          Apply rules to an uploaded document
  GET    /api/executions/{id}/events   Tracking records of an execution

UPLOADS:
  The request body is the raw document (XML or PTU zip). The file name comes
  from the X-File-Name header and decides zip handling; it defaults to
  document.xml. Each upload is its own execution.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Empty body
  - 404: Unknown execution
  - 413: Body too large
  - 422: Unreadable document
  - 500: Integrity or internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/glosa-engine/catalog"
	"github.com/warp/glosa-engine/processor"
	"github.com/warp/glosa-engine/rules"
	"github.com/warp/glosa-engine/tracking"
)

// HeaderFileName carries the uploaded document name.
const HeaderFileName = "X-File-Name"

const defaultFileName = "document.xml"

// Handler holds all HTTP dependencies.
type Handler struct {
	processor    *processor.Processor
	rules        []rules.Rule
	diagnostics  []catalog.Diagnostic
	records      tracking.RecordStore
	executions   tracking.ExecutionLog
	endExecution func(string)
	maxBodyBytes int64
	logger       *zap.Logger
}

// HandlerConfig wires a Handler. Records and Executions may be nil.
type HandlerConfig struct {
	Processor    *processor.Processor
	Rules        []rules.Rule
	Diagnostics  []catalog.Diagnostic
	Records      tracking.RecordStore
	Executions   tracking.ExecutionLog
	EndExecution func(executionID string)
	MaxBodyBytes int64
	Logger       *zap.Logger
}

// NewHandler creates a handler.
func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{
		processor:    cfg.Processor,
		rules:        cfg.Rules,
		diagnostics:  cfg.Diagnostics,
		records:      cfg.Records,
		executions:   cfg.Executions,
		endExecution: cfg.EndExecution,
		maxBodyBytes: cfg.MaxBodyBytes,
		logger:       cfg.Logger,
	}
	if h.maxBodyBytes <= 0 {
		h.maxBodyBytes = 64 << 20
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	return h
}

// =============================================================================
// HEALTH & RULES
// =============================================================================

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"rules":  len(h.rules),
	})
}

// ListRules handles GET /api/rules.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	resp := RulesResponse{
		Rules:       make([]RuleDTO, 0, len(h.rules)),
		Diagnostics: make([]DiagnosticDTO, 0, len(h.diagnostics)),
	}
	for _, rule := range h.rules {
		resp.Rules = append(resp.Rules, toRuleDTO(rule))
	}
	for _, d := range h.diagnostics {
		resp.Diagnostics = append(resp.Diagnostics, toDiagnosticDTO(d))
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// DOCUMENTS
// =============================================================================

// ApplyDocument handles POST /api/documents/apply.
func (h *Handler) ApplyDocument(w http.ResponseWriter, r *http.Request) {
	name := filepath.Base(r.Header.Get(HeaderFileName))
	if name == "." || name == "/" || name == "" {
		name = defaultFileName
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Document too large", err)
			return
		}
		writeError(w, http.StatusBadRequest, "Failed to read body", err)
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "Empty document", nil)
		return
	}

	ctx := r.Context()
	executionID := h.processor.NewExecutionID()
	started := time.Now()
	if h.executions != nil {
		if err := h.executions.StartExecution(ctx, tracking.Execution{ID: executionID, StartedAt: started}); err != nil {
			h.logger.Warn("execution log start failed", zap.String("execution_id", executionID), zap.Error(err))
		}
	}

	res := h.processor.ProcessBytes(ctx, executionID, name, body)
	h.finish(ctx, executionID, started, res)

	if res.Err != nil {
		h.logger.Info("document rejected",
			zap.String("execution_id", executionID),
			zap.String("file", name),
			zap.Error(res.Err))
		writeError(w, statusFor(res.Err), "Document not processed", res.Err)
		return
	}

	resp := ApplyResponse{
		ExecutionID:  executionID,
		FileName:     name,
		Dirty:        res.Result.Dirty,
		Changes:      res.Result.Changes(),
		Hash:         res.Result.Hash,
		Applications: res.Result.Applications,
		Alerts:       res.Result.Alerts,
		Warnings:     res.Warnings,
		Document:     res.Corrected,
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) finish(ctx context.Context, executionID string, started time.Time, res processor.DocumentResult) {
	if h.endExecution != nil {
		h.endExecution(executionID)
	}
	if h.executions == nil {
		return
	}
	finished := time.Now()
	exec := tracking.Execution{ID: executionID, StartedAt: started, FinishedAt: &finished, Files: 1}
	if res.Err != nil {
		exec.Failed = 1
	} else if res.Modified {
		exec.Modified = 1
	}
	if err := h.executions.FinishExecution(context.WithoutCancel(ctx), exec); err != nil {
		h.logger.Warn("execution log finish failed", zap.String("execution_id", executionID), zap.Error(err))
	}
}

// statusFor maps the error taxonomy to HTTP.
func statusFor(err error) int {
	switch {
	case errors.Is(err, rules.ErrIO):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// =============================================================================
// EXECUTIONS
// =============================================================================

// ListEvents handles GET /api/executions/{id}/events.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.records == nil {
		writeError(w, http.StatusNotFound, "Tracking disabled", nil)
		return
	}

	ctx := r.Context()
	records, err := h.records.ListRecords(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list events", err)
		return
	}

	resp := EventsResponse{Events: records, Summary: tracking.Summarize(id, records)}
	if resp.Events == nil {
		resp.Events = []tracking.Record{}
	}
	if h.executions != nil {
		exec, err := h.executions.GetExecution(ctx, id)
		switch {
		case err == nil:
			resp.Execution = exec
		case errors.Is(err, tracking.ErrExecutionNotFound):
			if len(records) == 0 {
				writeError(w, http.StatusNotFound, "Execution not found", err)
				return
			}
		default:
			writeError(w, http.StatusInternalServerError, "Failed to load execution", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
