// Package agents provides the node contracts, the nine workflow nodes and the
// instrumented runner the dispatcher drives them through.
package agents

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jeeves-cluster-organization/finrouter/coreengine/envelope"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/ledger"
)

// =============================================================================
// NODE CONTRACT
// =============================================================================

// Node is one unit of work the router can schedule. A node reads the view and
// hands back a contribution; it never writes the state itself.
type Node interface {
	ID() envelope.NodeID
	Run(ctx context.Context, view envelope.View) (envelope.Contribution, error)
}

// TabularParser turns an uploaded statement into transactions.
type TabularParser interface {
	Parse(ctx context.Context, r io.Reader) (ledger.ParseResult, error)
}

// AuditRecord is one simulated or executed action.
type AuditRecord struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	RequestID string         `json:"request_id,omitempty"`
	Action    string         `json:"action"`
	Type      ActionType     `json:"type"`
	Status    string         `json:"status"`
	Simulated bool           `json:"simulated"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditLog stores action records. Implementations must be safe for concurrent
// use. AppendAll stores every record or none of them.
type AuditLog interface {
	Append(ctx context.Context, rec AuditRecord) error
	AppendAll(ctx context.Context, recs []AuditRecord) error
	List(ctx context.Context, userID string, limit int) ([]AuditRecord, error)
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrConsentRequired is returned when an action is attempted without action
// consent. Nothing is executed or recorded when it is returned.
var ErrConsentRequired = errors.New("user consent required for automated actions")

// ErrNodePanic wraps a recovered panic.
var ErrNodePanic = errors.New("node panicked")

// Error types recorded in envelope.NodeError.
const (
	ErrorTypeExecution = "node_execution_failure"
	ErrorTypePanic     = "node_panic"
	ErrorTypeConsent   = "consent_violation"
	ErrorTypeParse     = "parse_failure"
	ErrorTypeCancelled = "cancelled"
)

// ErrorType classifies a node error for the processing record.
func ErrorType(err error) string {
	switch {
	case errors.Is(err, ErrConsentRequired):
		return ErrorTypeConsent
	case errors.Is(err, ErrNodePanic):
		return ErrorTypePanic
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrorTypeCancelled
	case errors.Is(err, ledger.ErrNoRows):
		return ErrorTypeParse
	default:
		return ErrorTypeExecution
	}
}

// =============================================================================
// ACTIONS
// =============================================================================

// ActionType is a kind of automated action.
type ActionType string

const (
	ActionNotification     ActionType = "notifications"
	ActionReportGeneration ActionType = "report_generation"
	ActionTransfer         ActionType = "savings_transfers"
	ActionRebalance        ActionType = "portfolio_rebalancing"
	ActionBillPayment      ActionType = "bill_payments"
)

// ParseActionType parses an action type name.
func ParseActionType(value string) (ActionType, error) {
	switch ActionType(strings.ToLower(strings.TrimSpace(value))) {
	case ActionNotification:
		return ActionNotification, nil
	case ActionReportGeneration:
		return ActionReportGeneration, nil
	case ActionTransfer:
		return ActionTransfer, nil
	case ActionRebalance:
		return ActionRebalance, nil
	case ActionBillPayment:
		return ActionBillPayment, nil
	default:
		return "", fmt.Errorf("invalid action type '%s'. Must be one of: notifications, report_generation, savings_transfers, portfolio_rebalancing, bill_payments", value)
	}
}

// DefaultEnabledActions lists the actions that can be simulated without an
// external banking or brokerage integration.
func DefaultEnabledActions() map[ActionType]bool {
	return map[ActionType]bool{
		ActionNotification:     true,
		ActionReportGeneration: true,
		ActionTransfer:         false,
		ActionRebalance:        false,
		ActionBillPayment:      false,
	}
}

// =============================================================================
// OUTPUT HELPERS
// =============================================================================

// Priority ranks goals and tasks.
type Priority string

const (
	PriorityCritical Priority = "Critical"
	PriorityHigh     Priority = "High"
	PriorityMedium   Priority = "Medium"
	PriorityLow      Priority = "Low"
)

// Rank orders priorities, Critical first. Unknown values sort last.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// Valid reports whether p is one of the four priorities.
func (p Priority) Valid() bool {
	return p.Rank() < 4
}
