package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/consultq/internal/platform/correlation"
)

// Lease is a cluster-wide leadership lease; only the holder runs reconciliation.
type Lease interface {
	TryAcquire(ctx context.Context) (bool, error)
	Renew(ctx context.Context) error
	Release(ctx context.Context) error
}

type orphanPromoter interface {
	ProvidersWithOrphans(ctx context.Context) ([]uuid.UUID, error)
	PromoteOrphans(ctx context.Context, providerID uuid.UUID) (int, error)
}

// OrphanReconciler periodically promotes CheckedIn appointments that never reached the
// ledger, keeping the composer's virtual entries a safety net. A nil lease means this
// instance always reconciles.
type OrphanReconciler struct {
	promoter orphanPromoter
	lease    Lease
	interval time.Duration
	clock    clockwork.Clock
	leading  bool
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewOrphanReconciler(promoter orphanPromoter, lease Lease, interval time.Duration, clock clockwork.Clock) *OrphanReconciler {
	return &OrphanReconciler{
		promoter: promoter,
		lease:    lease,
		interval: interval,
		clock:    clock,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the reconciliation loop until Stop is called or ctx ends.
func (r *OrphanReconciler) Start(ctx context.Context) {
	defer close(r.done)

	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			tickCtx := correlation.WithID(ctx, correlation.NewID())
			if !r.lead(tickCtx) {
				continue
			}
			if _, err := r.reconcile(tickCtx); err != nil {
				slog.ErrorContext(tickCtx, "Orphan reconciliation failed", "error", err)
			}
		case <-r.stopCh:
			r.release()
			slog.Info("Orphan reconciler stopped")
			return
		case <-ctx.Done():
			r.release()
			slog.Info("Orphan reconciler context cancelled")
			return
		}
	}
}

// Stop ends the loop and waits for it to release its lease.
func (r *OrphanReconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.done
}

func (r *OrphanReconciler) lead(ctx context.Context) bool {
	if r.lease == nil {
		return true
	}

	if r.leading {
		err := r.lease.Renew(ctx)
		if err == nil {
			return true
		}
		slog.WarnContext(ctx, "Reconciler lost leadership", "error", err)
		r.leading = false
	}

	acquired, err := r.lease.TryAcquire(ctx)
	if err != nil {
		slog.WarnContext(ctx, "Reconciler leader election failed", "error", err)
		return false
	}
	if acquired {
		slog.InfoContext(ctx, "Reconciler acquired leadership")
	}
	r.leading = acquired
	return acquired
}

func (r *OrphanReconciler) release() {
	if r.lease == nil || !r.leading {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.lease.Release(ctx); err != nil {
		slog.Warn("Failed to release reconciler leadership", "error", err)
	}
	r.leading = false
}

// reconcile promotes orphans for every affected provider and returns the total promoted.
func (r *OrphanReconciler) reconcile(ctx context.Context) (int, error) {
	providers, err := r.promoter.ProvidersWithOrphans(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list providers with orphans: %w", err)
	}

	total := 0
	var errs []error
	for _, providerID := range providers {
		n, err := r.promoter.PromoteOrphans(ctx, providerID)
		total += n
		if err != nil {
			errs = append(errs, fmt.Errorf("provider %s: %w", providerID, err))
		}
	}
	return total, errors.Join(errs...)
}
