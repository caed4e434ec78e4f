package deliverystore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BearBump/HandOff/internal/metrics"
	"github.com/BearBump/HandOff/internal/models"
	"github.com/BearBump/HandOff/internal/session"
	"github.com/pkg/errors"
)

// ErrFetch marks a retryable failure to load the initial snapshot.
var ErrFetch = errors.New("failed to load deliveries")

const defaultAvailableLimit = 200

type Fetcher interface {
	ListDriverDeliveries(ctx context.Context, driverID string, statuses []models.DeliveryStatus) ([]*models.Delivery, error)
	ListAvailableDeliveries(ctx context.Context, limit int) ([]*models.Delivery, error)
}

type Snapshot struct {
	Mine      []*models.Delivery `json:"mine"`
	Available []*models.Delivery `json:"available"`
}

// Store keeps the driver's "mine" and "available" collections as a partition:
// an id is never present in both.
type Store struct {
	sess    *session.Session
	fetcher Fetcher

	mu        sync.RWMutex
	mine      map[string]*models.Delivery
	available map[string]*models.Delivery

	listenersMu sync.Mutex
	listeners   map[int]func(Snapshot)
	nextID      int
}

func New(sess *session.Session, fetcher Fetcher) *Store {
	return &Store{
		sess:      sess,
		fetcher:   fetcher,
		mine:      make(map[string]*models.Delivery),
		available: make(map[string]*models.Delivery),
		listeners: make(map[int]func(Snapshot)),
	}
}

// LoadInitial replaces both collections with a fresh snapshot. On error the
// current state is left untouched.
func (s *Store) LoadInitial(ctx context.Context, driverID string, includeAvailable bool) error {
	mine, err := s.fetcher.ListDriverDeliveries(ctx, driverID, models.ActiveDeliveryStatuses)
	if err != nil {
		return errors.Wrapf(ErrFetch, "mine: %v", err)
	}
	var avail []*models.Delivery
	if includeAvailable {
		avail, err = s.fetcher.ListAvailableDeliveries(ctx, defaultAvailableLimit)
		if err != nil {
			return errors.Wrapf(ErrFetch, "available: %v", err)
		}
	}

	nextMine := make(map[string]*models.Delivery, len(mine))
	for _, d := range mine {
		if d == nil || !d.HeldBy(driverID) {
			continue
		}
		nextMine[d.ID] = d.Clone()
	}
	nextAvail := make(map[string]*models.Delivery, len(avail))
	for _, d := range avail {
		if d == nil || d.Status != models.DeliveryStatusAvailable {
			continue
		}
		if _, ok := nextMine[d.ID]; ok {
			continue
		}
		nextAvail[d.ID] = d.Clone()
	}

	s.mu.Lock()
	s.mine = nextMine
	s.available = nextAvail
	s.mu.Unlock()

	s.publish()
	return nil
}

// ApplyChange merges one feed notification. Duplicate deliveries of the same
// event are harmless: every rule is a replace-by-id.
func (s *Store) ApplyChange(ch models.Change) {
	rec := ch.Record()
	if rec == nil || rec.ID == "" {
		return
	}
	metrics.StoreEventsTotal.WithLabelValues(string(ch.Op)).Inc()
	driverID := s.sess.DriverID()

	s.mu.Lock()
	if ch.Op == models.ChangeDelete {
		delete(s.mine, rec.ID)
		delete(s.available, rec.ID)
		s.mu.Unlock()
		s.publish()
		return
	}

	// mine holds only the active set, as LoadInitial does
	_, present := s.mine[rec.ID]
	switch {
	case rec.HeldBy(driverID) && rec.Status.IsActive():
		s.mine[rec.ID] = rec.Clone()
	case present:
		delete(s.mine, rec.ID)
	}

	// available
	if rec.Status == models.DeliveryStatusAvailable {
		delete(s.mine, rec.ID)
		s.available[rec.ID] = rec.Clone()
	} else {
		delete(s.available, rec.ID)
	}
	s.mu.Unlock()

	s.publish()
}

// ApplyOptimisticClaim moves a delivery from available to mine before the feed
// confirms it. The entry stays Pending until a matching change replaces it.
// Returns false if the delivery was not in the available pool.
func (s *Store) ApplyOptimisticClaim(deliveryID, driverID string, now time.Time) bool {
	s.mu.Lock()
	d, ok := s.available[deliveryID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.available, deliveryID)

	claimed := d.Clone()
	claimed.Status = models.DeliveryStatusAssigned
	claimed.DriverID = models.Ptr(driverID)
	claimed.StampTransition(models.DeliveryStatusAssigned, now.UTC())
	claimed.Pending = true
	s.mine[deliveryID] = claimed
	s.mu.Unlock()

	s.publish()
	return true
}

// Forget drops a delivery from both collections, e.g. after a failed claim
// so the stale offer disappears until the feed says otherwise.
func (s *Store) Forget(deliveryID string) {
	s.mu.Lock()
	delete(s.mine, deliveryID)
	delete(s.available, deliveryID)
	s.mu.Unlock()
	s.publish()
}

// Reset discards all local state (session end).
func (s *Store) Reset() {
	s.mu.Lock()
	s.mine = make(map[string]*models.Delivery)
	s.available = make(map[string]*models.Delivery)
	s.mu.Unlock()
	s.publish()
}

func (s *Store) Mine() []*models.Delivery {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedMine(s.mine)
}

// Available returns the pool oldest offer first.
func (s *Store) Available() []*models.Delivery {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedAvailable(s.available)
}

func (s *Store) Get(deliveryID string) (*models.Delivery, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if d, ok := s.mine[deliveryID]; ok {
		return d.Clone(), true
	}
	if d, ok := s.available[deliveryID]; ok {
		return d.Clone(), true
	}
	return nil, false
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{Mine: sortedMine(s.mine), Available: sortedAvailable(s.available)}
}

// Subscribe registers fn to receive a snapshot after every mutation.
func (s *Store) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	s.listenersMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.listenersMu.Unlock()

	return func() {
		s.listenersMu.Lock()
		delete(s.listeners, id)
		s.listenersMu.Unlock()
	}
}

func (s *Store) publish() {
	snap := s.Snapshot()
	metrics.StoreSize.WithLabelValues("mine").Set(float64(len(snap.Mine)))
	metrics.StoreSize.WithLabelValues("available").Set(float64(len(snap.Available)))

	s.listenersMu.Lock()
	fns := make([]func(Snapshot), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenersMu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

func sortedMine(m map[string]*models.Delivery) []*models.Delivery {
	out := make([]*models.Delivery, 0, len(m))
	for _, d := range m {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := assignedOrCreated(out[i]), assignedOrCreated(out[j])
		if !ai.Equal(aj) {
			return ai.Before(aj)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func sortedAvailable(m map[string]*models.Delivery) []*models.Delivery {
	out := make([]*models.Delivery, 0, len(m))
	for _, d := range m {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func assignedOrCreated(d *models.Delivery) time.Time {
	if d.AssignedAt != nil {
		return *d.AssignedAt
	}
	return d.CreatedAt
}
