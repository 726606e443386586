package services

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/parcel-forwarding-backend/internal/domain"
	"github.com/tbourn/parcel-forwarding-backend/internal/observability"
	"github.com/tbourn/parcel-forwarding-backend/internal/realtime"
	"github.com/tbourn/parcel-forwarding-backend/internal/repo"
	"github.com/tbourn/parcel-forwarding-backend/internal/storage"
)

const reconcileBatch = 100

// Reconciler compensates sends that crashed midway. Running sends touch
// their intent before every upload, so only an intent idle for longer than
// Grace is claimed. A claimed intent either belongs to a send that fully committed but failed to drop
// its intent (every key has an attachment row), or to one that did not; the
// former only loses the intent, the latter is rolled back.
type Reconciler struct {
	DB       *gorm.DB
	Store    storage.ObjectStore
	Broker   realtime.Broker
	Bucket   string
	Grace    time.Duration
	Interval time.Duration
	Now      func() time.Time
}

// Run sweeps every Interval until ctx ends. Each tick also prunes expired
// idempotency records.
func (r *Reconciler) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n, err := r.Sweep(ctx); err != nil {
				log.Error().Err(err).Msg("reconcile sweep failed")
			} else if n > 0 {
				log.Info().Int("intents", n).Msg("reconciled stale sends")
			}
			if n, err := r.Prune(ctx); err != nil {
				log.Warn().Err(err).Msg("prune idempotency records failed")
			} else if n > 0 {
				log.Debug().Int64("records", n).Msg("pruned idempotency records")
			}
		}
	}
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

// Prune deletes idempotency records whose replay window has closed.
func (r *Reconciler) Prune(ctx context.Context) (int64, error) {
	return repo.DeleteExpiredIdempotency(ctx, r.DB, r.now())
}

// Sweep handles one batch of stale intents and returns how many it settled.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.Grace)
	stale, err := repo.ListStaleSendIntents(ctx, r.DB, cutoff, reconcileBatch)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, in := range stale {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		claimed, err := repo.ClaimSendIntent(ctx, r.DB, in.MessageID, cutoff)
		if err != nil {
			log.Warn().Err(err).Str("message_id", in.MessageID).Msg("claim intent failed")
			continue
		}
		if !claimed {
			continue // touched since listing, or another replica took it
		}
		if err := r.settle(ctx, in); err != nil {
			log.Warn().Err(err).Str("message_id", in.MessageID).Msg("reconcile intent failed")
			continue
		}
		done++
	}
	return done, nil
}

// settle finishes a claimed intent. The intent row is already gone.
func (r *Reconciler) settle(ctx context.Context, in domain.SendIntent) error {
	keys := repo.IntentKeys(in)

	m, err := repo.GetMessage(ctx, r.DB, in.MessageID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	if m != nil {
		atts, err := repo.ListAttachmentsByMessages(ctx, r.DB, []string{m.ID})
		if err != nil {
			return err
		}
		if len(atts) == len(keys) {
			return nil
		}
	} else {
		m = &domain.Message{ID: in.MessageID, ChatID: in.ChatID}
	}

	observability.SendRollbacks.WithLabelValues("reconcile").Inc()
	rollbackSend(ctx, r.DB, r.Store, r.Broker, r.Bucket, *m, keys)
	return nil
}
