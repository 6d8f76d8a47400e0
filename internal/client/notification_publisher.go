package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/docuflow/be-doc-approvals/internal/metrics"
	"github.com/docuflow/be-doc-approvals/internal/service"
)

// NotificationPublisher publishes approval workflow events to NATS JetStream
// for consumption by the notification service.
//
// Subject convention: notifications.approvals.<event_type>
// Event types: step_assigned, urge
//
// All publish operations are non-fatal — errors are logged but never
// propagated to the caller, so notification failures never interrupt approval
// operations.
type NotificationPublisher struct {
	nats *NATSClient
	log  zerolog.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string   `json:"event_type"`
	ActorIDs     []string `json:"actor_ids"`
	ResourceType string   `json:"resource_type"`
	ResourceID   string   `json:"resource_id"`
	DocumentID   string   `json:"document_id"`
	StepIndex    int      `json:"step_index"`
	IsActionable bool     `json:"is_actionable"`
	Severity     string   `json:"severity,omitempty"`
	Category     string   `json:"category,omitempty"`
}

// NewNotificationPublisher creates a publisher backed by the given NATS client.
func NewNotificationPublisher(nats *NATSClient, log zerolog.Logger) *NotificationPublisher {
	return &NotificationPublisher{nats: nats, log: log}
}

// PublishEvent implements service.Notifier.
// Subject: notifications.approvals.<event type>
func (p *NotificationPublisher) PublishEvent(ctx context.Context, ev service.Event) {
	if p.nats == nil {
		return
	}
	if len(ev.Actors) == 0 {
		return
	}

	event := &NotificationEvent{
		EventType:    string(ev.Type),
		ActorIDs:     ev.Actors,
		ResourceType: "workflow_instance",
		ResourceID:   ev.InstanceID,
		DocumentID:   ev.DocumentID,
		StepIndex:    ev.StepIndex,
		IsActionable: ev.Type == service.EventStepAssigned,
		Severity:     "info",
		Category:     "doc_approval",
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", string(ev.Type)).Msg("notification: failed to marshal event")
		metrics.EventsPublished.WithLabelValues(string(ev.Type), "error").Inc()
		return
	}

	subject := fmt.Sprintf("notifications.approvals.%s", ev.Type)
	if err := p.nats.Publish(ctx, subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("instance_id", ev.InstanceID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		metrics.EventsPublished.WithLabelValues(string(ev.Type), "error").Inc()
		return
	}

	metrics.EventsPublished.WithLabelValues(string(ev.Type), "ok").Inc()
	p.log.Debug().
		Str("subject", subject).
		Str("instance_id", ev.InstanceID).
		Int("recipients", len(ev.Actors)).
		Msg("notification: event published")
}
