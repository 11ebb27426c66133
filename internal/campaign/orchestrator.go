package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/spf13/cast"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/sunshow/crmflow/internal/db"
	"github.com/sunshow/crmflow/internal/engine"
	"github.com/sunshow/crmflow/internal/event"
	"github.com/sunshow/crmflow/internal/metrics"
)

// Trigger events understood by campaign workflow links
const (
	EventCampaignStart = "campaign_start"
	EventEmailOpened   = "email_opened"
	EventLinkClicked   = "link_clicked"
	EventConverted     = "converted"
)

// Entity type of instances started for campaign recipients
const contactEntity = "Contact"

var tracer = otel.Tracer("github.com/sunshow/crmflow/internal/campaign")

// Store is the persistence contract of the orchestrator
type Store interface {
	GetCampaign(ctx context.Context, id int64) (*db.MarketingCampaign, error)
	GetCampaignWorkflow(ctx context.Context, campaignID int64, definitionID, triggerEvent string) (*db.CampaignWorkflow, error)
	ListCampaignWorkflows(ctx context.Context, campaignID int64, triggerEvent string) ([]*db.CampaignWorkflow, error)
	GetActiveVersion(ctx context.Context, definitionID string) (*db.WorkflowVersion, error)
	ContactHistory(ctx context.Context, definitionID string, contactID int64) (*db.ContactHistory, error)

	GetRecipient(ctx context.Context, id int64) (*db.CampaignRecipient, error)
	GetRecipientByContact(ctx context.Context, campaignID, contactID int64) (*db.CampaignRecipient, error)
	ListRecipients(ctx context.Context, campaignID int64) ([]*db.CampaignRecipient, error)
	RecordOpen(ctx context.Context, id int64, at time.Time) (*db.CampaignRecipient, bool, error)
	RecordClick(ctx context.Context, id int64, at time.Time) (*db.CampaignRecipient, bool, error)
	RecordConversion(ctx context.Context, id int64, at time.Time, value *float64) (*db.CampaignRecipient, bool, error)
	AssignVariant(ctx context.Context, id int64, variant string) (string, error)
}

// Starter starts workflow instances
type Starter interface {
	StartWorkflow(ctx context.Context, req engine.StartRequest) (*db.WorkflowInstance, error)
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithRand sets the source used for A/B variant assignment
func WithRand(r *rand.Rand) Option {
	return func(o *Orchestrator) { o.intn = r.IntN }
}

// WithEventBus publishes campaign events on bus
func WithEventBus(bus *event.Bus) Option {
	return func(o *Orchestrator) { o.eventBus = bus }
}

// WithMetrics records campaign metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// Orchestrator maps campaign lifecycle and engagement events to workflow
// instances per recipient, enforcing execution caps and cooldowns
type Orchestrator struct {
	store    Store
	starter  Starter
	eventBus *event.Bus
	metrics  *metrics.Metrics
	logger   *zap.SugaredLogger
	now      func() time.Time
	intn     func(n int) int
}

// NewOrchestrator creates a campaign orchestrator
func NewOrchestrator(store Store, starter Starter, logger *zap.SugaredLogger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:   store,
		starter: starter,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		intn:    rand.IntN,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ─── Triggering ───

// StartCampaign fires every campaign_start link of a campaign for all recipients
func (o *Orchestrator) StartCampaign(ctx context.Context, campaignID int64) (int, error) {
	links, err := o.store.ListCampaignWorkflows(ctx, campaignID, EventCampaignStart)
	if err != nil {
		return 0, fmt.Errorf("list campaign workflows: %w", err)
	}
	total := 0
	for _, link := range links {
		n, err := o.TriggerWorkflowForCampaign(ctx, campaignID, link.DefinitionID, EventCampaignStart, nil)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// TriggerWorkflowForCampaign starts the linked workflow for every eligible
// recipient of the campaign, or only for contactID when given. It returns
// the number of instances started. A missing or inactive link and a
// definition without an active version start nothing.
func (o *Orchestrator) TriggerWorkflowForCampaign(ctx context.Context, campaignID int64, definitionID, triggerEvent string, contactID *int64) (int, error) {
	ctx, span := tracer.Start(ctx, "campaign.TriggerWorkflowForCampaign")
	span.SetAttributes(
		attribute.Int64("campaign_id", campaignID),
		attribute.String("definition_id", definitionID),
		attribute.String("trigger_event", triggerEvent),
	)
	defer span.End()

	link, err := o.store.GetCampaignWorkflow(ctx, campaignID, definitionID, triggerEvent)
	if err != nil {
		return 0, fmt.Errorf("get campaign workflow: %w", err)
	}
	if link == nil || !link.IsActive || link.IsDeleted {
		o.logger.Infow("No active campaign workflow link",
			"campaign_id", campaignID,
			"definition_id", definitionID,
			"trigger_event", triggerEvent,
		)
		return 0, nil
	}

	version, err := o.store.GetActiveVersion(ctx, definitionID)
	if err != nil {
		return 0, fmt.Errorf("get active version: %w", err)
	}
	if version == nil {
		o.logger.Warnw("Campaign workflow has no active version",
			"campaign_id", campaignID,
			"definition_id", definitionID,
		)
		return 0, nil
	}

	recipients, err := o.recipients(ctx, campaignID, contactID)
	if err != nil {
		return 0, err
	}

	started := 0
	for _, rec := range recipients {
		if rec.ContactID == nil {
			continue
		}
		ok, err := o.CanExecuteWorkflowForRecipient(ctx, link, *rec.ContactID)
		if err != nil {
			return started, err
		}
		if !ok {
			o.logger.Debugw("Recipient not eligible",
				"campaign_id", campaignID,
				"contact_id", *rec.ContactID,
				"definition_id", definitionID,
			)
			continue
		}

		inst, err := o.starter.StartWorkflow(ctx, engine.StartRequest{
			DefinitionID: definitionID,
			EntityType:   contactEntity,
			EntityID:     *rec.ContactID,
			TriggerEvent: triggerEvent,
			InputData:    seed(rec, triggerEvent),
		})
		if err != nil {
			o.metrics.AddCampaignInstances(triggerEvent, started)
			return started, fmt.Errorf("start workflow for contact %d: %w", *rec.ContactID, err)
		}
		started++

		o.eventBus.Publish(&event.Event{
			Type:       event.CampaignTriggered,
			InstanceID: inst.ID,
			Data: map[string]any{
				"campaign_id":   campaignID,
				"contact_id":    *rec.ContactID,
				"trigger_event": triggerEvent,
			},
			Timestamp: o.now().UnixMilli(),
		})
	}

	o.metrics.AddCampaignInstances(triggerEvent, started)
	o.logger.Infow("Campaign workflow triggered",
		"campaign_id", campaignID,
		"definition_id", definitionID,
		"trigger_event", triggerEvent,
		"recipients", len(recipients),
		"started", started,
	)
	return started, nil
}

func (o *Orchestrator) recipients(ctx context.Context, campaignID int64, contactID *int64) ([]*db.CampaignRecipient, error) {
	if contactID == nil {
		recs, err := o.store.ListRecipients(ctx, campaignID)
		if err != nil {
			return nil, fmt.Errorf("list recipients: %w", err)
		}
		return recs, nil
	}
	rec, err := o.store.GetRecipientByContact(ctx, campaignID, *contactID)
	if err != nil {
		return nil, fmt.Errorf("get recipient: %w", err)
	}
	if rec == nil {
		return nil, nil
	}
	return []*db.CampaignRecipient{rec}, nil
}

// CanExecuteWorkflowForRecipient applies the link's per-contact execution
// cap, then its cooldown since the contact's most recent instance
func (o *Orchestrator) CanExecuteWorkflowForRecipient(ctx context.Context, link *db.CampaignWorkflow, contactID int64) (bool, error) {
	history, err := o.store.ContactHistory(ctx, link.DefinitionID, contactID)
	if err != nil {
		return false, fmt.Errorf("contact history: %w", err)
	}
	// cap before cooldown: with a cap of 1 the contact is done for good and
	// the cooldown only spaces out runs under caps above 1
	if link.MaxExecutionsPerContact > 0 && history.Count >= link.MaxExecutionsPerContact {
		return false, nil
	}
	if link.CooldownHours != nil && *link.CooldownHours > 0 && history.LastCreate != nil {
		until := history.LastCreate.Add(time.Duration(*link.CooldownHours) * time.Hour)
		if until.After(o.now()) {
			return false, nil
		}
	}
	return true, nil
}

func seed(rec *db.CampaignRecipient, triggerEvent string) map[string]any {
	data := map[string]any{
		"campaign_id":   rec.CampaignID,
		"recipient_id":  rec.ID,
		"email":         rec.Email,
		"trigger_event": triggerEvent,
	}
	if rec.ContactID != nil {
		data["contact_id"] = *rec.ContactID
	}
	if rec.CustomerID != nil {
		data["customer_id"] = *rec.CustomerID
	}
	if rec.ABTestVariant != nil {
		data["ab_variant"] = *rec.ABTestVariant
	}
	return data
}

// ─── Events ───

// ProcessCampaignEvent fires every active link of the campaign registered
// for eventType whose trigger conditions hold for eventData, scoped to one
// contact. It returns the number of instances started.
func (o *Orchestrator) ProcessCampaignEvent(ctx context.Context, campaignID, contactID int64, eventType string, eventData map[string]any) (int, error) {
	links, err := o.store.ListCampaignWorkflows(ctx, campaignID, eventType)
	if err != nil {
		return 0, fmt.Errorf("list campaign workflows: %w", err)
	}

	total := 0
	var errs []error
	for _, link := range links {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		if !o.conditionsHold(link, eventData) {
			continue
		}
		n, err := o.TriggerWorkflowForCampaign(ctx, campaignID, link.DefinitionID, eventType, &contactID)
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	o.metrics.IncCampaignEvent(eventType)
	return total, errors.Join(errs...)
}

// conditionsHold reports whether every trigger condition is present and
// string-equal in data. Malformed conditions never block the link.
func (o *Orchestrator) conditionsHold(link *db.CampaignWorkflow, data map[string]any) bool {
	if link.TriggerConditions == nil || strings.TrimSpace(*link.TriggerConditions) == "" {
		return true
	}
	var conds map[string]any
	if err := json.Unmarshal([]byte(*link.TriggerConditions), &conds); err != nil {
		o.logger.Warnw("Malformed campaign trigger conditions, firing unconditionally",
			"campaign_workflow_id", link.ID,
			"error", err,
		)
		return true
	}
	for key, want := range conds {
		got, ok := data[key]
		if !ok || cast.ToString(got) != cast.ToString(want) {
			return false
		}
	}
	return true
}

// ─── Engagement ───

// RecordEmailOpen counts an open; the first open fires email_opened
func (o *Orchestrator) RecordEmailOpen(ctx context.Context, recipientID int64) error {
	rec, first, err := o.store.RecordOpen(ctx, recipientID, o.now())
	if err != nil {
		return fmt.Errorf("record open: %w", err)
	}
	if !first {
		return nil
	}
	return o.fireFirst(ctx, rec, EventEmailOpened, nil)
}

// RecordLinkClick counts a click; the first click fires link_clicked
func (o *Orchestrator) RecordLinkClick(ctx context.Context, recipientID int64, url string) error {
	rec, first, err := o.store.RecordClick(ctx, recipientID, o.now())
	if err != nil {
		return fmt.Errorf("record click: %w", err)
	}
	if !first {
		return nil
	}
	return o.fireFirst(ctx, rec, EventLinkClicked, map[string]any{"url": url})
}

// RecordConversion marks a recipient converted once and fires converted
func (o *Orchestrator) RecordConversion(ctx context.Context, recipientID int64, value *float64) error {
	rec, first, err := o.store.RecordConversion(ctx, recipientID, o.now(), value)
	if err != nil {
		return fmt.Errorf("record conversion: %w", err)
	}
	if !first {
		return nil
	}
	data := map[string]any{}
	if value != nil {
		data["value"] = *value
	}
	return o.fireFirst(ctx, rec, EventConverted, data)
}

func (o *Orchestrator) fireFirst(ctx context.Context, rec *db.CampaignRecipient, eventType string, data map[string]any) error {
	if rec.ContactID == nil {
		return nil
	}
	if _, err := o.ProcessCampaignEvent(ctx, rec.CampaignID, *rec.ContactID, eventType, data); err != nil {
		return fmt.Errorf("process %s: %w", eventType, err)
	}
	return nil
}

// ─── A/B testing ───

// AssignToABTestVariant returns the recipient's A/B variant, assigning one on
// first call. The campaign's split percentage is the share of variant A.
// Recipients of campaigns that are not A/B tests get no variant.
func (o *Orchestrator) AssignToABTestVariant(ctx context.Context, recipientID int64) (string, error) {
	rec, err := o.store.GetRecipient(ctx, recipientID)
	if err != nil {
		return "", err
	}
	if rec.ABTestVariant != nil {
		return *rec.ABTestVariant, nil
	}

	c, err := o.store.GetCampaign(ctx, rec.CampaignID)
	if err != nil {
		return "", err
	}
	if !c.IsABTest {
		return "", nil
	}

	variant := "B"
	if o.intn(100) < c.ABTestSplitPercentage {
		variant = "A"
	}
	assigned, err := o.store.AssignVariant(ctx, rec.ID, variant)
	if err != nil {
		return "", fmt.Errorf("assign variant: %w", err)
	}
	return assigned, nil
}
