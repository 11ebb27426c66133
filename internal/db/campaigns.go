package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ─── Campaign Queries ───

// CreateCampaign inserts a campaign and assigns its ID
func (c *Client) CreateCampaign(ctx context.Context, m *MarketingCampaign) error {
	err := c.pool.QueryRow(ctx, `
		INSERT INTO marketing_campaigns (name, is_ab_test, ab_test_split_percentage)
		VALUES ($1, $2, $3) RETURNING id
	`, m.Name, m.IsABTest, m.ABTestSplitPercentage).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("create campaign: %w", err)
	}
	return nil
}

// GetCampaign retrieves a campaign by ID
func (c *Client) GetCampaign(ctx context.Context, id int64) (*MarketingCampaign, error) {
	var m MarketingCampaign
	err := c.pool.QueryRow(ctx, `
		SELECT id, name, is_ab_test, ab_test_split_percentage FROM marketing_campaigns WHERE id = $1
	`, id).Scan(&m.ID, &m.Name, &m.IsABTest, &m.ABTestSplitPercentage)
	if err != nil {
		return nil, notFound(err, "get campaign")
	}
	return &m, nil
}

const campaignWorkflowColumns = `id, campaign_id, definition_id, trigger_event, is_active,
	max_executions_per_contact, cooldown_hours, trigger_conditions, is_deleted, created_at`

func scanCampaignWorkflow(row scanner) (*CampaignWorkflow, error) {
	var w CampaignWorkflow
	err := row.Scan(&w.ID, &w.CampaignID, &w.DefinitionID, &w.TriggerEvent, &w.IsActive,
		&w.MaxExecutionsPerContact, &w.CooldownHours, &w.TriggerConditions, &w.IsDeleted, &w.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// CreateCampaignWorkflow links a definition to a campaign trigger. A second
// live link for the same triple yields ErrDuplicate.
func (c *Client) CreateCampaignWorkflow(ctx context.Context, w *CampaignWorkflow) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO campaign_workflows (`+campaignWorkflowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, w.ID, w.CampaignID, w.DefinitionID, w.TriggerEvent, w.IsActive,
		w.MaxExecutionsPerContact, w.CooldownHours, w.TriggerConditions, w.IsDeleted, w.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create campaign workflow: %w", ErrDuplicate)
		}
		return fmt.Errorf("create campaign workflow: %w", err)
	}
	return nil
}

// GetCampaignWorkflow returns the live link for a triple, or nil
func (c *Client) GetCampaignWorkflow(ctx context.Context, campaignID int64, definitionID, triggerEvent string) (*CampaignWorkflow, error) {
	w, err := scanCampaignWorkflow(c.pool.QueryRow(ctx, `
		SELECT `+campaignWorkflowColumns+` FROM campaign_workflows
		WHERE campaign_id = $1 AND definition_id = $2 AND trigger_event = $3 AND NOT is_deleted
	`, campaignID, definitionID, triggerEvent))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get campaign workflow: %w", err)
	}
	return w, nil
}

// ListCampaignWorkflows returns active, non-deleted links of a campaign for a trigger event
func (c *Client) ListCampaignWorkflows(ctx context.Context, campaignID int64, triggerEvent string) ([]*CampaignWorkflow, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT `+campaignWorkflowColumns+` FROM campaign_workflows
		WHERE campaign_id = $1 AND trigger_event = $2 AND is_active AND NOT is_deleted
		ORDER BY created_at ASC
	`, campaignID, triggerEvent)
	if err != nil {
		return nil, fmt.Errorf("list campaign workflows: %w", err)
	}
	defer rows.Close()

	var result []*CampaignWorkflow
	for rows.Next() {
		w, err := scanCampaignWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign workflow: %w", err)
		}
		result = append(result, w)
	}
	return result, rows.Err()
}

const recipientColumns = `id, campaign_id, contact_id, customer_id, email, open_count, first_opened_at,
	last_opened_at, click_count, first_clicked_at, last_clicked_at, converted_at, conversion_value, ab_test_variant`

func scanRecipient(row scanner) (*CampaignRecipient, error) {
	return scanRecipientWith(row)
}

// CreateRecipient inserts a recipient and assigns its ID
func (c *Client) CreateRecipient(ctx context.Context, r *CampaignRecipient) error {
	err := c.pool.QueryRow(ctx, `
		INSERT INTO campaign_recipients (campaign_id, contact_id, customer_id, email)
		VALUES ($1, $2, $3, $4) RETURNING id
	`, r.CampaignID, r.ContactID, r.CustomerID, r.Email).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("create recipient: %w", err)
	}
	return nil
}

// GetRecipient retrieves a recipient by ID
func (c *Client) GetRecipient(ctx context.Context, id int64) (*CampaignRecipient, error) {
	r, err := scanRecipient(c.pool.QueryRow(ctx,
		`SELECT `+recipientColumns+` FROM campaign_recipients WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "get recipient")
	}
	return r, nil
}

// GetRecipientByContact returns the recipient row of a contact in a campaign, or nil
func (c *Client) GetRecipientByContact(ctx context.Context, campaignID, contactID int64) (*CampaignRecipient, error) {
	r, err := scanRecipient(c.pool.QueryRow(ctx, `
		SELECT `+recipientColumns+` FROM campaign_recipients
		WHERE campaign_id = $1 AND contact_id = $2
		ORDER BY id ASC LIMIT 1
	`, campaignID, contactID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get recipient by contact: %w", err)
	}
	return r, nil
}

// ListRecipients returns every recipient of a campaign
func (c *Client) ListRecipients(ctx context.Context, campaignID int64) ([]*CampaignRecipient, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT `+recipientColumns+` FROM campaign_recipients WHERE campaign_id = $1 ORDER BY id ASC
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}
	defer rows.Close()

	var result []*CampaignRecipient
	for rows.Next() {
		r, err := scanRecipient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// RecordOpen increments the open counter and reports whether this was the first open
func (c *Client) RecordOpen(ctx context.Context, id int64, at time.Time) (*CampaignRecipient, bool, error) {
	var first bool
	r, err := scanRecipientWith(c.pool.QueryRow(ctx, `
		UPDATE campaign_recipients
		SET open_count = open_count + 1,
		    first_opened_at = COALESCE(first_opened_at, $2),
		    last_opened_at = $2
		WHERE id = $1
		RETURNING `+recipientColumns+`, open_count = 1
	`, id, at), &first)
	if err != nil {
		return nil, false, notFound(err, "record open")
	}
	return r, first, nil
}

// RecordClick increments the click counter and reports whether this was the first click
func (c *Client) RecordClick(ctx context.Context, id int64, at time.Time) (*CampaignRecipient, bool, error) {
	var first bool
	r, err := scanRecipientWith(c.pool.QueryRow(ctx, `
		UPDATE campaign_recipients
		SET click_count = click_count + 1,
		    first_clicked_at = COALESCE(first_clicked_at, $2),
		    last_clicked_at = $2
		WHERE id = $1
		RETURNING `+recipientColumns+`, click_count = 1
	`, id, at), &first)
	if err != nil {
		return nil, false, notFound(err, "record click")
	}
	return r, first, nil
}

// RecordConversion marks the recipient converted once. It reports false when
// the recipient had already converted.
func (c *Client) RecordConversion(ctx context.Context, id int64, at time.Time, value *float64) (*CampaignRecipient, bool, error) {
	r, err := scanRecipient(c.pool.QueryRow(ctx, `
		UPDATE campaign_recipients
		SET converted_at = $2, conversion_value = $3
		WHERE id = $1 AND converted_at IS NULL
		RETURNING `+recipientColumns, id, at, value))
	if err == nil {
		return r, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("record conversion: %w", err)
	}
	existing, err := c.GetRecipient(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// AssignVariant stores variant unless one is already assigned, and returns the effective variant
func (c *Client) AssignVariant(ctx context.Context, id int64, variant string) (string, error) {
	var assigned string
	err := c.pool.QueryRow(ctx, `
		UPDATE campaign_recipients
		SET ab_test_variant = COALESCE(ab_test_variant, $2)
		WHERE id = $1
		RETURNING ab_test_variant
	`, id, variant).Scan(&assigned)
	if err != nil {
		return "", notFound(err, "assign variant")
	}
	return assigned, nil
}

func scanRecipientWith(row scanner, extra ...any) (*CampaignRecipient, error) {
	var r CampaignRecipient
	dest := []any{&r.ID, &r.CampaignID, &r.ContactID, &r.CustomerID, &r.Email, &r.OpenCount, &r.FirstOpenedAt,
		&r.LastOpenedAt, &r.ClickCount, &r.FirstClickedAt, &r.LastClickedAt, &r.ConvertedAt, &r.ConversionValue, &r.ABTestVariant}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	return &r, nil
}
