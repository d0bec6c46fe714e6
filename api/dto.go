/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the rule and tracking model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Response: Complex response wrappers

TYPES:
  Rules:       RuleDTO, DiagnosticDTO, RulesResponse
  Documents:   ApplyResponse
  Executions:  EventsResponse
  Errors:      ErrorResponse

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"github.com/warp/glosa-engine/catalog"
	"github.com/warp/glosa-engine/rules"
	"github.com/warp/glosa-engine/tracking"
)

// =============================================================================
// RULES
// =============================================================================

// RuleDTO summarizes a loaded rule.
type RuleDTO struct {
	ID             string         `json:"id"`
	Group          string         `json:"group,omitempty"`
	Description    string         `json:"description,omitempty"`
	Target         string         `json:"target"`
	Verb           rules.Verb     `json:"verb"`
	Category       rules.Category `json:"category"`
	Severity       rules.Severity `json:"severity"`
	CountAsSavings bool           `json:"count_as_savings"`
}

// DiagnosticDTO is a rule skipped at load time.
type DiagnosticDTO struct {
	RuleID string `json:"rule_id,omitempty"`
	Group  string `json:"group"`
	File   string `json:"file"`
	Index  int    `json:"index"`
	Error  string `json:"error"`
}

// RulesResponse is returned by GET /api/rules.
type RulesResponse struct {
	Rules       []RuleDTO       `json:"rules"`
	Diagnostics []DiagnosticDTO `json:"diagnostics"`
}

func toRuleDTO(r rules.Rule) RuleDTO {
	dto := RuleDTO{
		ID:             r.ID,
		Group:          r.Group,
		Description:    r.Description,
		Target:         r.Target,
		Category:       r.Impact.Category,
		Severity:       r.Impact.Severity,
		CountAsSavings: r.Impact.CountAsSavings,
	}
	if r.Action != nil {
		dto.Verb = r.Action.Verb
	}
	return dto
}

func toDiagnosticDTO(d catalog.Diagnostic) DiagnosticDTO {
	dto := DiagnosticDTO{RuleID: d.RuleID, Group: d.Group, File: d.File, Index: d.Index}
	if d.Err != nil {
		dto.Error = d.Err.Error()
	}
	return dto
}

// =============================================================================
// DOCUMENTS
// =============================================================================

// ApplyResponse is returned by POST /api/documents/apply.
type ApplyResponse struct {
	ExecutionID  string              `json:"execution_id"`
	FileName     string              `json:"file_name"`
	Dirty        bool                `json:"dirty"`
	Changes      int                 `json:"changes"`
	Hash         string              `json:"hash,omitempty"`
	Applications []rules.Application `json:"applications"`
	Alerts       []rules.Alert       `json:"alerts,omitempty"`
	Warnings     []string            `json:"warnings,omitempty"`

	// Document is the corrected file, base64 encoded; empty when clean.
	Document []byte `json:"document,omitempty"`
}

// =============================================================================
// EXECUTIONS
// =============================================================================

// EventsResponse is returned by GET /api/executions/{id}/events.
type EventsResponse struct {
	Execution *tracking.Execution `json:"execution,omitempty"`
	Events    []tracking.Record   `json:"events"`
	Summary   tracking.Summary    `json:"summary"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
