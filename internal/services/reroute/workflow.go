package reroute

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BearBump/HandOff/internal/metrics"
	"github.com/BearBump/HandOff/internal/models"
	"github.com/BearBump/HandOff/internal/services/eta"
	"github.com/pkg/errors"
)

type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionDecline Decision = "decline"
)

func (d Decision) IsValid() bool { return d == DecisionApprove || d == DecisionDecline }

var ErrInvalidDecision = errors.New("invalid reroute decision")

// CandidateSource lists backup restaurants for a restaurant. Ranking is owned
// by the source through the Priority field.
type CandidateSource interface {
	GetBackupCandidates(ctx context.Context, restaurantID string) ([]models.BackupCandidate, error)
}

type EventAppender interface {
	AppendEvent(ctx context.Context, ev models.DeliveryEvent) error
}

func DecisionKey(orderID string) string { return "reroute_decision_" + orderID }

type Workflow struct {
	candidates CandidateSource
	events     EventAppender
	now        func() time.Time

	mu      sync.Mutex
	decided map[string]struct{}
}

func New(candidates CandidateSource, events EventAppender) *Workflow {
	return &Workflow{
		candidates: candidates,
		events:     events,
		now:        func() time.Time { return time.Now().UTC() },
		decided:    make(map[string]struct{}),
	}
}

func (w *Workflow) WithClock(now func() time.Time) *Workflow {
	if now != nil {
		w.now = now
	}
	return w
}

// SelectBackupCandidate returns the active candidate with the lowest priority
// and its ETA band filled in, or nil when there is none.
func (w *Workflow) SelectBackupCandidate(ctx context.Context, restaurantID string) (*models.BackupCandidate, error) {
	if strings.TrimSpace(restaurantID) == "" {
		return nil, errors.New("restaurantId is required")
	}
	list, err := w.candidates.GetBackupCandidates(ctx, restaurantID)
	if err != nil {
		return nil, errors.Wrap(err, "get backup candidates")
	}

	active := make([]models.BackupCandidate, 0, len(list))
	for _, c := range list {
		if c.Active && c.RestaurantID != restaurantID {
			active = append(active, c)
		}
	}
	if len(active) == 0 {
		return nil, nil
	}
	sort.SliceStable(active, func(i, j int) bool { return active[i].Priority < active[j].Priority })

	best := active[0]
	best.Band = eta.ComputeBand(best.PrepP50, best.PrepP90, best.BufferMinutes, best.TravelMinutes, best.Reliability)
	return &best, nil
}

// RecordRerouteDecision writes the decision audit event once per order. Later
// calls for the same order are no-ops. A failed write is logged and leaves
// the order undecided so a retry can still record it.
func (w *Workflow) RecordRerouteDecision(ctx context.Context, orderID, backupRestaurantID string, decision Decision, source string) error {
	if strings.TrimSpace(orderID) == "" {
		return errors.New("orderId is required")
	}
	if !decision.IsValid() {
		return errors.Wrapf(ErrInvalidDecision, "%q", decision)
	}

	w.mu.Lock()
	if _, ok := w.decided[orderID]; ok {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	payload := map[string]any{
		"backup_restaurant_id": backupRestaurantID,
		"decision":             decision,
		"source":               source,
	}
	ev, err := models.NewDeliveryEvent(orderID, nil, models.EventRerouteDecision, DecisionKey(orderID), payload, w.now())
	if err != nil {
		return errors.Wrap(err, "build reroute event")
	}
	if err := w.events.AppendEvent(ctx, ev); err != nil {
		slog.Error("append reroute decision", "order_id", orderID, "decision", string(decision), "error", err.Error())
		return nil
	}

	w.mu.Lock()
	w.decided[orderID] = struct{}{}
	w.mu.Unlock()
	metrics.RerouteDecisionsTotal.WithLabelValues(string(decision)).Inc()
	slog.Info("reroute decision recorded", "order_id", orderID, "backup_restaurant_id", backupRestaurantID, "decision", string(decision))
	return nil
}

func (w *Workflow) Decided(orderID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.decided[orderID]
	return ok
}
