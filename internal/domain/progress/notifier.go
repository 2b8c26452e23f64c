package progress

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/hie/gateway/internal/platform/events"
	"github.com/hie/gateway/internal/platform/webhook"
)

// Notifier fires the completion webhook exactly once per (patient, phase,
// epoch). The sent marker is claimed atomically on the aggregate before
// dispatch, so concurrent partial results racing past the completion
// threshold produce a single notification.
type Notifier struct {
	repo       Repository
	dispatcher webhook.Dispatcher
	bus        events.Publisher
	logger     zerolog.Logger
}

func NewNotifier(repo Repository, dispatcher webhook.Dispatcher, bus events.Publisher, logger zerolog.Logger) *Notifier {
	return &Notifier{
		repo:       repo,
		dispatcher: dispatcher,
		bus:        bus,
		logger:     logger.With().Str("component", "notifier").Logger(),
	}
}

// MaybeNotify inspects the phase and, if it reached a terminal state this
// epoch and no webhook has fired yet, dispatches one. A phase still
// waiting or processing never notifies. Delivery failures are logged,
// not propagated: the marker stays claimed and the owning application
// can still poll the aggregate.
func (n *Notifier) MaybeNotify(ctx context.Context, p *Progress, phase Phase) {
	status := p.PhaseStatus(phase)
	if !status.Terminal() {
		return
	}

	claimed, err := n.repo.ClaimWebhook(ctx, p.Key, p.RequestID, phase)
	if err != nil {
		n.logger.Error().Err(err).
			Str("patient_id", p.Key.PatientID).
			Str("phase", string(phase)).
			Msg("claiming webhook marker failed")
		return
	}
	if !claimed {
		return
	}

	eventType := webhook.EventDocumentDownload
	if phase == PhaseConvert {
		eventType = webhook.EventDocumentConversion
	}
	if err := n.dispatcher.Notify(ctx, webhook.Event{
		Type:      eventType,
		CxID:      p.Key.CxID,
		PatientID: p.Key.PatientID,
		RequestID: p.RequestID,
		Status:    string(status),
	}); err != nil {
		n.logger.Error().Err(err).
			Str("patient_id", p.Key.PatientID).
			Str("phase", string(phase)).
			Msg("completion webhook delivery failed")
	}

	kind := events.KindPhaseCompleted
	if status == StatusFailed {
		kind = events.KindPhaseFailed
	}
	n.bus.Publish(events.Event{
		Kind:      kind,
		CxID:      p.Key.CxID,
		PatientID: p.Key.PatientID,
		RequestID: p.RequestID,
		Source:    string(p.Key.Source),
		Phase:     string(phase),
	})
}
