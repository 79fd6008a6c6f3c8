package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jeeves-cluster-organization/finrouter/coreengine/envelope"
	"github.com/shopspring/decimal"
)

// GetProfile returns the stored profile or ErrNotFound.
func (r *Repository) GetProfile(ctx context.Context, userID string) (envelope.Profile, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT name, age, annual_income, risk_tolerance, data_consent, action_consent,
		       advanced_opt_in, high_water, updated_at
		FROM profiles WHERE user_id = ?`, userID)

	var (
		p                          envelope.Profile
		income, highWater, updated string
		dataConsent, actionConsent int
		advancedOptIn              int
	)
	err := row.Scan(&p.Name, &p.Age, &income, &p.RiskTolerance, &dataConsent, &actionConsent,
		&advancedOptIn, &highWater, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return envelope.Profile{}, fmt.Errorf("profile %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return envelope.Profile{}, fmt.Errorf("get profile: %w", err)
	}

	p.UserID = userID
	p.DataConsent = dataConsent == 1
	p.ActionConsent = actionConsent == 1
	p.AdvancedOptIn = advancedOptIn == 1
	if p.AnnualIncome, err = decimal.NewFromString(income); err != nil {
		return envelope.Profile{}, fmt.Errorf("profile %s annual income: %w", userID, err)
	}
	if p.HighWater, err = envelope.ParseStage(highWater); err != nil {
		return envelope.Profile{}, fmt.Errorf("profile %s high water: %w", userID, err)
	}
	if p.UpdatedAt, err = time.Parse(stampLayout, updated); err != nil {
		return envelope.Profile{}, fmt.Errorf("profile %s updated_at: %w", userID, err)
	}
	return p, nil
}

// SaveProfile inserts or replaces the profile and stamps UpdatedAt.
func (r *Repository) SaveProfile(ctx context.Context, p envelope.Profile) error {
	if strings.TrimSpace(p.UserID) == "" {
		return fmt.Errorf("profile user id is empty: %w", ErrInvalid)
	}
	if !p.HighWater.Valid() {
		return fmt.Errorf("profile high water %d: %w", int(p.HighWater), ErrInvalid)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO profiles (user_id, name, age, annual_income, risk_tolerance, data_consent,
		                      action_consent, advanced_opt_in, high_water, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			name = excluded.name,
			age = excluded.age,
			annual_income = excluded.annual_income,
			risk_tolerance = excluded.risk_tolerance,
			data_consent = excluded.data_consent,
			action_consent = excluded.action_consent,
			advanced_opt_in = excluded.advanced_opt_in,
			high_water = excluded.high_water,
			updated_at = excluded.updated_at`,
		p.UserID, p.Name, p.Age, p.AnnualIncome.String(), p.RiskTolerance,
		boolInt(p.DataConsent), boolInt(p.ActionConsent), boolInt(p.AdvancedOptIn),
		p.HighWater.String(), r.now().Format(stampLayout))
	if err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	return nil
}
