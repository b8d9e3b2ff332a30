package app

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/consultq/internal/cache"
	"github.com/pscheid92/consultq/internal/domain"
)

const (
	defaultAdmissionTimeout = 3 * time.Second
	defaultMaxAttempts      = 3
	defaultCacheTTL         = 60 * time.Second
	propagationTimeout      = 5 * time.Second
)

// InvalidationPublisher broadcasts cache invalidations to the other instances.
type InvalidationPublisher interface {
	PublishInvalidation(ctx context.Context, tags ...string) error
}

// Metrics records admission outcomes.
type Metrics interface {
	AdmissionCompleted(result string, d time.Duration)
	AdmissionRetried()
}

// Deps are the collaborators of Service. Invalidation, Notifier and Metrics may be nil.
type Deps struct {
	Appointments domain.AppointmentStore
	Ledger       domain.QueueLedger
	Tx           domain.Transactor
	Cache        *cache.StatusCache
	Invalidation InvalidationPublisher
	Events       domain.EventPublisher
	Notifier     domain.Notifier
	Metrics      Metrics
	Clock        clockwork.Clock
}

type Options struct {
	AdmissionTimeout time.Duration
	MaxAttempts      int
	CacheTTL         time.Duration
	Location         *time.Location
	Estimator        domain.WaitEstimator
}

func (o Options) withDefaults() Options {
	if o.AdmissionTimeout <= 0 {
		o.AdmissionTimeout = defaultAdmissionTimeout
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = defaultCacheTTL
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.Estimator == nil {
		o.Estimator = FixedEstimator{MinutesPerPatron: DefaultMinutesPerPatron}
	}
	return o
}

// Service is the application layer. It is the only component the HTTP and realtime
// layers call, and the only writer of queue entries.
type Service struct {
	appointments domain.AppointmentStore
	ledger       domain.QueueLedger
	tx           domain.Transactor
	composer     *Composer
	cache        *cache.StatusCache
	invalidation InvalidationPublisher
	events       domain.EventPublisher
	notifier     domain.Notifier
	metrics      Metrics
	clock        clockwork.Clock
	opts         Options

	// placements holds the place in line last announced per provider and entry.
	placementsMu sync.Mutex
	placements   map[uuid.UUID]map[uuid.UUID]int
}

func NewService(deps Deps, opts Options) *Service {
	opts = opts.withDefaults()

	s := &Service{
		appointments: deps.Appointments,
		ledger:       deps.Ledger,
		tx:           deps.Tx,
		cache:        deps.Cache,
		invalidation: deps.Invalidation,
		events:       deps.Events,
		notifier:     deps.Notifier,
		metrics:      deps.Metrics,
		clock:        deps.Clock,
		opts:         opts,
		placements:   make(map[uuid.UUID]map[uuid.UUID]int),
	}
	if s.notifier == nil {
		s.notifier = noopNotifier{}
	}
	if s.metrics == nil {
		s.metrics = noopMetrics{}
	}
	s.composer = NewComposer(deps.Appointments, deps.Ledger, opts.Estimator, opts.Location, deps.Clock)
	return s
}

func (s *Service) Composer() *Composer {
	return s.composer
}

func viewKey(providerID uuid.UUID) string     { return "view:" + providerID.String() }
func patronKey(patronID uuid.UUID) string     { return "patron:" + patronID.String() }
func providerTag(providerID uuid.UUID) string { return "provider:" + providerID.String() }
func patronTag(patronID uuid.UUID) string     { return "patron:" + patronID.String() }

// GetEffectiveQueueView returns the provider's queue, served from the status cache when fresh.
func (s *Service) GetEffectiveQueueView(ctx context.Context, caller domain.Caller, providerID uuid.UUID) (*domain.EffectiveQueueView, error) {
	if err := domain.Authorize(caller, domain.CapViewQueue, domain.Resource{ProviderID: providerID}); err != nil {
		return nil, err
	}
	return s.cachedView(ctx, providerID)
}

func (s *Service) cachedView(ctx context.Context, providerID uuid.UUID) (*domain.EffectiveQueueView, error) {
	return cache.GetOrCompute(ctx, s.cache, viewKey(providerID), s.opts.CacheTTL, func(ctx context.Context) (*domain.EffectiveQueueView, error) {
		return s.composer.BuildView(ctx, providerID)
	}, providerTag(providerID))
}

// PatronStatus lists the patron's live queue places across providers.
func (s *Service) PatronStatus(ctx context.Context, caller domain.Caller, patronID uuid.UUID) (*domain.PatronStatus, error) {
	if err := domain.Authorize(caller, domain.CapViewPatron, domain.Resource{PatronID: patronID}); err != nil {
		return nil, err
	}

	return cache.GetOrComputeTagged(ctx, s.cache, patronKey(patronID), s.opts.CacheTTL, func(ctx context.Context) (*domain.PatronStatus, []string, error) {
		entries, err := s.ledger.ListActiveByPatron(ctx, patronID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to list patron entries: %w", err)
		}

		status := &domain.PatronStatus{PatronID: patronID, Entries: []domain.ViewEntry{}}
		tags := []string{patronTag(patronID)}
		for _, e := range entries {
			view, err := s.cachedView(ctx, e.ProviderID)
			if err != nil {
				return nil, nil, err
			}
			if line, ok := findEntry(view, e.ID); ok {
				status.Entries = append(status.Entries, line)
			}
			tags = append(tags, providerTag(e.ProviderID))
		}
		return status, tags, nil
	})
}

func findEntry(view *domain.EffectiveQueueView, entryID uuid.UUID) (domain.ViewEntry, bool) {
	for _, e := range view.Entries {
		if e.EntryID == entryID {
			return e, true
		}
	}
	return domain.ViewEntry{}, false
}

// Refresh drops cached state for the provider and rebroadcasts its view. Used when the
// appointment side changes outside this service.
func (s *Service) Refresh(ctx context.Context, providerID uuid.UUID) {
	s.afterMutation(ctx, providerID)
}

// afterMutation runs once a mutation has committed: invalidate, recompute, fan out.
// Failures here are logged only; the committed write is the contract.
func (s *Service) afterMutation(ctx context.Context, providerID uuid.UUID, patronIDs ...uuid.UUID) *domain.EffectiveQueueView {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), propagationTimeout)
	defer cancel()

	tags := []string{providerTag(providerID)}
	for _, id := range patronIDs {
		tags = append(tags, patronTag(id))
	}
	s.invalidate(ctx, tags...)

	if providerID == uuid.Nil {
		return nil
	}

	view, err := s.cachedView(ctx, providerID)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to rebuild queue view", "provider_id", providerID, "error", err)
		return nil
	}

	events := []domain.Event{{Room: domain.QueueRoom(providerID), Name: domain.EventQueueUpdated, Data: view}}
	for _, e := range s.movedEntries(view, patronIDs) {
		events = append(events, domain.Event{
			Room: domain.PatronRoom(e.PatronID),
			Name: domain.EventPositionChanged,
			Data: domain.PositionUpdate{
				ProviderID:           providerID,
				EntryID:              e.EntryID,
				Position:             e.Position,
				PlaceInLine:          e.PlaceInLine,
				EstimatedWaitMinutes: e.EstimatedWaitMinutes,
			},
		})
	}
	s.publish(ctx, events...)
	return view
}

// movedEntries returns the waiting entries to tell about their position: those whose
// place in line differs from the last announcement, plus any entry of the named patrons.
func (s *Service) movedEntries(view *domain.EffectiveQueueView, patronIDs []uuid.UUID) []domain.ViewEntry {
	s.placementsMu.Lock()
	defer s.placementsMu.Unlock()

	prev := s.placements[view.ProviderID]
	next := make(map[uuid.UUID]int, len(view.Entries))
	var moved []domain.ViewEntry
	for _, e := range view.Entries {
		if e.Status != domain.EntryWaiting {
			continue
		}
		next[e.EntryID] = e.PlaceInLine
		place, known := prev[e.EntryID]
		if !known || place != e.PlaceInLine || slices.Contains(patronIDs, e.PatronID) {
			moved = append(moved, e)
		}
	}

	if len(next) == 0 {
		delete(s.placements, view.ProviderID)
	} else {
		s.placements[view.ProviderID] = next
	}
	return moved
}

func (s *Service) invalidate(ctx context.Context, tags ...string) {
	s.cache.Invalidate(tags...)
	if s.invalidation == nil {
		return
	}
	if err := s.invalidation.PublishInvalidation(ctx, tags...); err != nil {
		slog.WarnContext(ctx, "Failed to publish cache invalidation", "tags", tags, "error", err)
	}
}

func (s *Service) publish(ctx context.Context, events ...domain.Event) {
	if err := s.events.Publish(ctx, events...); err != nil {
		slog.WarnContext(ctx, "Failed to broadcast events", "count", len(events), "error", err)
	}
}

type noopNotifier struct{}

func (noopNotifier) PositionAssigned(context.Context, domain.PositionAssigned) {}
func (noopNotifier) ConsultationReady(context.Context, domain.ReadyNotice)     {}

type noopMetrics struct{}

func (noopMetrics) AdmissionCompleted(string, time.Duration) {}
func (noopMetrics) AdmissionRetried()                        {}
