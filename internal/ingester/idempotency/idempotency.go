// Package idempotency guards chunk submissions against duplicate delivery.
// Keys are scoped per tenant and time-limited; a completed key replays the
// stored response summary instead of ingesting the chunk again. For
// performance, completed keys are cached locally.
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/simplelru"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/merchstream/ingester/internal/common/ingesterrors"
	"github.com/merchstream/ingester/internal/common/retry"
)

const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Record is one stored idempotency key. The request hash is retained for
// diagnosis only; replay decisions are made on the key alone.
type Record struct {
	ID              uuid.UUID
	TenantID        uuid.UUID
	Key             string
	RequestHash     string
	ResponseSummary json.RawMessage
	Status          string
	CreatedAt       time.Time
	ExpiresAt       time.Time
}

type Guard struct {
	// Completed records are cached locally; pending ones never are, since
	// their outcome is still in flight.
	cache   *simplelru.LRU
	db      *pgxpool.Pool
	retrier *retry.Executor
	ttl     time.Duration
}

func NewGuard(db *pgxpool.Pool, retrier *retry.Executor, ttl time.Duration, cacheSize int) (*Guard, error) {
	if db == nil {
		return nil, errors.WithStack(&ingesterrors.ErrInvalidArgument{
			Name:    "db",
			Value:   db,
			Message: "db must be non-nil",
		})
	}
	cache, err := simplelru.NewLRU(cacheSize, nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &Guard{cache: cache, db: db, retrier: retrier, ttl: ttl}, nil
}

func cacheKey(tenantID uuid.UUID, key string) string {
	return tenantID.String() + "/" + key
}

// Check returns the stored record for the key, or nil if the key has never
// been seen or has expired.
func (g *Guard) Check(ctx context.Context, tenantID uuid.UUID, key string) (*Record, error) {
	if cached, ok := g.cache.Get(cacheKey(tenantID, key)); ok {
		record := cached.(*Record)
		if time.Now().Before(record.ExpiresAt) {
			return record, nil
		}
		g.cache.Remove(cacheKey(tenantID, key))
	}

	record := &Record{}
	err := g.retrier.Do(ctx, func() error {
		return g.db.QueryRow(ctx, `
			SELECT id, tenant_id, idempotency_key, request_hash, response_summary, status, created_at, expires_at
			FROM idempotency_keys
			WHERE tenant_id = $1 AND idempotency_key = $2 AND expires_at > now()`,
			tenantID, key).
			Scan(&record.ID, &record.TenantID, &record.Key, &record.RequestHash,
				&record.ResponseSummary, &record.Status, &record.CreatedAt, &record.ExpiresAt)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WithMessage(err, "checking idempotency key")
	}
	if record.Status == StatusCompleted {
		g.cache.Add(cacheKey(tenantID, key), record)
	}
	return record, nil
}

// Begin claims the key for the current submission. Returns true if the claim
// was won; false with the existing record when another submission holds or
// held the key. A lingering expired or failed record is taken over rather
// than replayed.
func (g *Guard) Begin(ctx context.Context, tenantID uuid.UUID, key string, requestHash string) (bool, *Record, error) {
	claimed := false
	err := g.retrier.Do(ctx, func() error {
		tag, err := g.db.Exec(ctx, `
			INSERT INTO idempotency_keys (id, tenant_id, idempotency_key, request_hash, status, expires_at)
			VALUES ($1, $2, $3, $4, $5, now() + $6::interval)
			ON CONFLICT ON CONSTRAINT unique_tenant_idempotency_key DO UPDATE SET
				request_hash = EXCLUDED.request_hash,
				response_summary = '{}',
				status = EXCLUDED.status,
				created_at = now(),
				expires_at = EXCLUDED.expires_at
			WHERE idempotency_keys.expires_at <= now() OR idempotency_keys.status = 'failed'`,
			uuid.New(), tenantID, key, requestHash, StatusPending, intervalValue(g.ttl))
		if err != nil {
			return err
		}
		claimed = tag.RowsAffected() > 0
		return nil
	})
	if err != nil {
		return false, nil, errors.WithMessage(err, "claiming idempotency key")
	}
	if claimed {
		// Drop any cached record from a previous life of this key
		g.cache.Remove(cacheKey(tenantID, key))
		return true, nil, nil
	}
	existing, err := g.Check(ctx, tenantID, key)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

// Complete stores the response summary against the key and marks it replayable.
func (g *Guard) Complete(ctx context.Context, tenantID uuid.UUID, key string, summary interface{}) error {
	summaryJson, err := json.Marshal(summary)
	if err != nil {
		return errors.WithStack(err)
	}
	err = g.retrier.Do(ctx, func() error {
		_, err := g.db.Exec(ctx, `
			UPDATE idempotency_keys SET status = $1, response_summary = $2
			WHERE tenant_id = $3 AND idempotency_key = $4`,
			StatusCompleted, string(summaryJson), tenantID, key)
		return err
	})
	if err != nil {
		return errors.WithMessage(err, "completing idempotency key")
	}
	g.cache.Remove(cacheKey(tenantID, key))
	return nil
}

// Fail releases a claim whose submission did not finish. The key becomes
// claimable again, so the client's retry can go through instead of being
// turned away until the key expires.
func (g *Guard) Fail(ctx context.Context, tenantID uuid.UUID, key string) error {
	err := g.retrier.Do(ctx, func() error {
		_, err := g.db.Exec(ctx, `
			UPDATE idempotency_keys SET status = $1
			WHERE tenant_id = $2 AND idempotency_key = $3 AND status = $4`,
			StatusFailed, tenantID, key, StatusPending)
		return err
	})
	if err != nil {
		return errors.WithMessage(err, "failing idempotency key")
	}
	g.cache.Remove(cacheKey(tenantID, key))
	return nil
}

// Cleanup removes expired keys.
func (g *Guard) Cleanup(ctx context.Context) error {
	err := g.retrier.Do(ctx, func() error {
		_, err := g.db.Exec(ctx, "DELETE FROM idempotency_keys WHERE expires_at <= now()")
		return err
	})
	return errors.WithMessage(err, "cleaning up idempotency keys")
}

// PeriodicCleanup runs the cleanup job every interval until the provided
// context is cancelled.
func (g *Guard) PeriodicCleanup(ctx context.Context, interval time.Duration) {
	logger := log.StandardLogger().WithField("service", "IdempotencyCleanup")
	logger.Info("service started")
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				start := time.Now()
				err := g.Cleanup(ctx)
				if err != nil {
					logger.WithError(err).WithField("delay", time.Since(start)).Warn("cleanup failed")
				} else {
					logger.WithField("delay", time.Since(start)).Info("cleanup succeeded")
				}
			}
		}
	}()
}

func intervalValue(d time.Duration) string {
	return fmt.Sprintf("%f seconds", d.Seconds())
}
