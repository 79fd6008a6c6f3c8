package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jeeves-cluster-organization/finrouter/commbus"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/agents"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/envelope"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/ledger"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/store"
	"github.com/shopspring/decimal"
)

// ErrUnavailable is returned when the collaborator an operation needs was not
// configured.
var ErrUnavailable = errors.New("operation not available")

// ErrDataConsentRequired is returned when data is written for a user who has
// not consented to sharing it.
var ErrDataConsentRequired = errors.New("user consent required to store financial data")

// Importer stores parsed statement rows.
type Importer interface {
	AddTransactions(ctx context.Context, userID string, txs ...envelope.Transaction) ([]envelope.Transaction, error)
}

// =============================================================================
// AUTOMATED ACTIONS
// =============================================================================

// ActionResult is the outcome of an explicitly requested action.
type ActionResult struct {
	Status      string             `json:"status"`
	AuditRecord agents.AuditRecord `json:"audit_record"`
}

// ExecuteAction runs one automated action for userID. Consent is checked
// twice: the caller's flag and the stored profile must both grant it.
// Without it ErrConsentRequired is returned and nothing is recorded.
func (s *Service) ExecuteAction(ctx context.Context, userID string, a agents.Action, consent bool) (ActionResult, error) {
	if s.executor == nil {
		return ActionResult{}, fmt.Errorf("action executor: %w", ErrUnavailable)
	}
	if !consent {
		return ActionResult{}, agents.ErrConsentRequired
	}
	if s.profiles == nil {
		return ActionResult{}, agents.ErrConsentRequired
	}
	p, err := s.profiles.GetProfile(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return ActionResult{}, agents.ErrConsentRequired
	}
	if err != nil {
		return ActionResult{}, fmt.Errorf("load profile: %w", err)
	}
	if !p.ActionConsent {
		s.logger.Warn("action_refused", "user_id", userID, "action", a.Name, "reason", "no_stored_consent")
		return ActionResult{}, agents.ErrConsentRequired
	}

	rec, err := s.executor.Execute(ctx, userID, true, a)
	if err != nil {
		return ActionResult{}, err
	}
	s.logger.Info("action_executed", "user_id", userID, "action", a.Name, "type", string(a.Type), "audit_id", rec.ID)
	s.publish(ctx, &commbus.ActionExecuted{UserID: userID, ActionType: string(a.Type), Status: rec.Status})
	return ActionResult{Status: rec.Status, AuditRecord: rec}, nil
}

// =============================================================================
// DATA COMMANDS
// =============================================================================

// ExecuteCommand applies a confirmed data command such as one proposed by a
// chat turn.
func (s *Service) ExecuteCommand(ctx context.Context, userID string, p envelope.ProposedAction) (map[string]any, error) {
	if s.commands == nil {
		return nil, fmt.Errorf("commands: %w", ErrUnavailable)
	}
	profile, err := s.Profile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !profile.DataConsent {
		return nil, ErrDataConsentRequired
	}
	out, err := s.commands.Execute(ctx, p.Action, userID, p.Params)
	if err != nil {
		s.logger.Warn("command_failed", "user_id", userID, "action", p.Action, "error", err.Error())
		return nil, err
	}
	s.logger.Info("command_applied", "user_id", userID, "action", p.Action)
	return out, nil
}

// ImportResult reports a statement import.
type ImportResult struct {
	Imported  int                    `json:"imported"`
	TotalRows int                    `json:"total_rows"`
	Errors    []ledger.RowError      `json:"errors"`
	Preview   []envelope.Transaction `json:"preview"`
}

const importPreviewRows = 5

// ImportStatement parses a CSV statement and stores its valid rows. Bad
// rows are reported and skipped. Importing needs data consent.
func (s *Service) ImportStatement(ctx context.Context, userID string, r io.Reader) (ImportResult, error) {
	if s.parser == nil || s.importer == nil {
		return ImportResult{}, fmt.Errorf("statement import: %w", ErrUnavailable)
	}
	p, err := s.Profile(ctx, userID)
	if err != nil {
		return ImportResult{}, err
	}
	if !p.DataConsent {
		return ImportResult{}, ErrDataConsentRequired
	}

	parsed, err := s.parser.Parse(ctx, r)
	if err != nil {
		return ImportResult{}, err
	}
	res := ImportResult{TotalRows: parsed.TotalRows, Errors: parsed.Errors}
	if len(parsed.Transactions) > 0 {
		saved, err := s.importer.AddTransactions(ctx, userID, parsed.Transactions...)
		if err != nil {
			return ImportResult{}, fmt.Errorf("import transactions: %w", err)
		}
		res.Imported = len(saved)
		res.Preview = saved[:min(len(saved), importPreviewRows)]
	}
	s.logger.Info("statement_imported",
		"user_id", userID,
		"imported", res.Imported,
		"rejected", len(res.Errors),
	)
	return res, nil
}

// =============================================================================
// PROFILE
// =============================================================================

// ProfileUpdate changes selected profile fields. Nil fields are left alone.
type ProfileUpdate struct {
	Name          *string          `json:"name,omitempty"`
	Age           *int             `json:"age,omitempty"`
	AnnualIncome  *decimal.Decimal `json:"annual_income,omitempty"`
	RiskTolerance *string          `json:"risk_tolerance,omitempty"`
	DataConsent   *bool            `json:"data_consent,omitempty"`
	ActionConsent *bool            `json:"action_consent,omitempty"`
	AdvancedOptIn *bool            `json:"advanced_opt_in,omitempty"`
}

var riskTolerances = map[string]bool{"conservative": true, "moderate": true, "aggressive": true}

// Profile returns the stored profile, or an empty one for a new user.
func (s *Service) Profile(ctx context.Context, userID string) (envelope.Profile, error) {
	if s.profiles == nil {
		return envelope.Profile{UserID: userID}, nil
	}
	p, err := s.profiles.GetProfile(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return envelope.Profile{UserID: userID}, nil
	}
	if err != nil {
		return envelope.Profile{}, fmt.Errorf("load profile: %w", err)
	}
	return p, nil
}

// UpdateProfile applies u and saves the profile. Withdrawing data consent
// resets the stage high-water mark.
func (s *Service) UpdateProfile(ctx context.Context, userID string, u ProfileUpdate) (envelope.Profile, error) {
	if s.profiles == nil {
		return envelope.Profile{}, fmt.Errorf("profiles: %w", ErrUnavailable)
	}
	p, err := s.Profile(ctx, userID)
	if err != nil {
		return envelope.Profile{}, err
	}
	if u.Age != nil && (*u.Age < 0 || *u.Age > 130) {
		return envelope.Profile{}, fmt.Errorf("age %d is out of range: %w", *u.Age, store.ErrInvalid)
	}
	if u.AnnualIncome != nil && u.AnnualIncome.IsNegative() {
		return envelope.Profile{}, fmt.Errorf("annual income must not be negative: %w", store.ErrInvalid)
	}
	if u.RiskTolerance != nil && *u.RiskTolerance != "" && !riskTolerances[strings.ToLower(*u.RiskTolerance)] {
		return envelope.Profile{}, fmt.Errorf("risk tolerance '%s' must be conservative, moderate or aggressive: %w", *u.RiskTolerance, store.ErrInvalid)
	}

	if u.Name != nil {
		p.Name = strings.TrimSpace(*u.Name)
	}
	if u.Age != nil {
		p.Age = *u.Age
	}
	if u.AnnualIncome != nil {
		p.AnnualIncome = *u.AnnualIncome
	}
	if u.RiskTolerance != nil {
		p.RiskTolerance = strings.ToLower(*u.RiskTolerance)
	}
	if u.DataConsent != nil {
		p.DataConsent = *u.DataConsent
	}
	if u.ActionConsent != nil {
		p.ActionConsent = *u.ActionConsent
	}
	if u.AdvancedOptIn != nil {
		p.AdvancedOptIn = *u.AdvancedOptIn
	}
	if !p.DataConsent {
		p.HighWater = envelope.StageStarted
	}

	if err := s.profiles.SaveProfile(ctx, p); err != nil {
		return envelope.Profile{}, err
	}
	s.logger.Info("profile_updated",
		"user_id", userID,
		"data_consent", p.DataConsent,
		"action_consent", p.ActionConsent,
		"advanced_opt_in", p.AdvancedOptIn,
	)
	return s.Profile(ctx, userID)
}
