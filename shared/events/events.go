package events

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Envelope is the domain-event contract shared by every platform service.
// Producers publish it as-is; the automation engine consumes it read-only.
type Envelope struct {
	ID        uuid.UUID       `json:"id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
	Data      json.RawMessage `json:"data"`
}

var ErrMalformedEnvelope = errors.New("malformed event envelope")

func (e Envelope) Validate() error {
	if e.ID == uuid.Nil {
		return ErrMalformedEnvelope
	}
	if strings.TrimSpace(e.Type) == "" || !strings.Contains(e.Type, ".") {
		return ErrMalformedEnvelope
	}
	if e.Timestamp.IsZero() {
		return ErrMalformedEnvelope
	}
	if strings.TrimSpace(e.Source) == "" {
		return ErrMalformedEnvelope
	}
	if len(e.Data) == 0 || !json.Valid(e.Data) {
		return ErrMalformedEnvelope
	}
	return nil
}

// Payload decodes Data into a generic key-path-addressable map. Event shapes
// are heterogeneous across source services, so no per-type schema here.
func (e Envelope) Payload() (map[string]any, error) {
	if len(e.Data) == 0 {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(e.Data, &out); err != nil {
		return nil, ErrMalformedEnvelope
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

const (
	TopicLinkEvents     = "link.events"
	TopicDomainEvents   = "domain.events"
	TopicQREvents       = "qr.events"
	TopicPageEvents     = "page.events"
	TopicCampaignEvents = "campaign.events"
	TopicTeamEvents     = "team.events"
	TopicBillingEvents  = "billing.events"
	TopicWebhookEvents  = "webhook.events"
	TopicSettingsEvents = "settings.events"

	TopicRuleChanges  = "automation.rules"
	TopicLinkCommands = "link.commands"
	TopicDeadLetter   = "automation.deadletter"
)

// Routing keys (Envelope.Type values) observed across the platform.
// Non-exhaustive: rules may name event types this list does not carry.
const (
	EventLinkCreated            = "link.created"
	EventLinkUpdated            = "link.updated"
	EventLinkDeleted            = "link.deleted"
	EventLinkExpired            = "link.expired"
	EventDomainCreated          = "domain.created"
	EventDomainVerified         = "domain.verified"
	EventDomainVerificationFail = "domain.verification.failed"
	EventDomainDeleted          = "domain.deleted"
	EventQRCreated              = "qr.created"
	EventQRScanned              = "qr.scanned"
	EventPagePublished          = "page.published"
	EventCampaignStarted        = "campaign.started"
	EventCampaignEnded          = "campaign.ended"
	EventTeamMemberAdded        = "team.member.added"
	EventTeamMemberRemoved      = "team.member.removed"
	EventBillingPaymentFailed   = "billing.payment.failed"
	EventBillingPlanChanged     = "billing.plan.changed"
	EventWebhookDeliveryFailed  = "webhook.delivery.failed"
	EventSettingsUpdated        = "settings.updated"
	EventScheduleTick           = "schedule.tick"
)

func EventTopics() []string {
	return []string{
		TopicLinkEvents,
		TopicDomainEvents,
		TopicQREvents,
		TopicPageEvents,
		TopicCampaignEvents,
		TopicTeamEvents,
		TopicBillingEvents,
		TopicWebhookEvents,
		TopicSettingsEvents,
	}
}

// RuleChange is the lifecycle notification published by the rule store
// whenever a rule is created, updated, deleted, enabled or disabled.
type RuleChange struct {
	Action string    `json:"action"`
	RuleID uuid.UUID `json:"ruleId"`
	TeamID uuid.UUID `json:"teamId"`
}

const (
	RuleChangeCreated  = "created"
	RuleChangeUpdated  = "updated"
	RuleChangeDeleted  = "deleted"
	RuleChangeEnabled  = "enabled"
	RuleChangeDisabled = "disabled"
)
