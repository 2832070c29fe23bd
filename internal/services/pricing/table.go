package pricing

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/spendgate/spendgate/internal/models"
)

// ErrPriceMissing means no price row covers the (provider, model) pair at
// the requested instant. Callers on the hot path treat it as cost zero with
// source=estimated, never as a hard failure.
var ErrPriceMissing = errors.New("pricing: no price row for provider/model")

const DefaultCacheTTL = 60 * time.Second

type cacheEntry struct {
	row       *models.PriceRow
	missing   bool
	fetchedAt time.Time
}

// Table serves versioned price lookups. Reads are hot-path and cached
// in-process for a short TTL; writes go through Ingest only and never mutate
// an existing row.
type Table struct {
	db     *gorm.DB
	logger *zap.Logger
	ttl    time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

func NewTable(db *gorm.DB, logger *zap.Logger, ttl time.Duration) *Table {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Table{
		db:     db,
		logger: logger,
		ttl:    ttl,
		cache:  make(map[string]cacheEntry),
	}
}

// Latest returns the price row in force right now, through the cache.
func (t *Table) Latest(ctx context.Context, provider, model string) (*models.PriceRow, error) {
	key := provider + "/" + model

	t.mu.RLock()
	entry, ok := t.cache[key]
	t.mu.RUnlock()

	if ok && time.Since(entry.fetchedAt) < t.ttl {
		if entry.missing {
			return nil, ErrPriceMissing
		}
		return entry.row, nil
	}

	row, err := t.LatestAt(ctx, provider, model, time.Now().UTC())
	switch {
	case err == nil:
		t.store(key, cacheEntry{row: row, fetchedAt: time.Now()})
		return row, nil
	case errors.Is(err, ErrPriceMissing):
		t.store(key, cacheEntry{missing: true, fetchedAt: time.Now()})
		return nil, err
	default:
		return nil, err
	}
}

// LatestAt returns the row with the greatest effective_from <= at for the
// pair, bypassing the cache.
func (t *Table) LatestAt(ctx context.Context, provider, model string, at time.Time) (*models.PriceRow, error) {
	var row models.PriceRow
	err := t.db.WithContext(ctx).
		Where("provider = ? AND model = ? AND effective_from <= ?", provider, model, at).
		Order("effective_from DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPriceMissing
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// Ingest inserts a price row keyed on (provider, model, effective_from).
// Re-ingesting an existing key is a no-op: rows are immutable and a price
// change must arrive as a new effective_from.
func (t *Table) Ingest(ctx context.Context, row *models.PriceRow) error {
	if !row.Valid() {
		return errors.New("pricing: invalid price row")
	}

	err := t.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider"}, {Name: "model"}, {Name: "effective_from"}},
			DoNothing: true,
		}).
		Create(row).Error
	if err != nil {
		return err
	}

	t.invalidate(row.Provider + "/" + row.Model)

	t.logger.Debug("price row ingested",
		zap.String("provider", row.Provider),
		zap.String("model", row.Model),
		zap.Time("effective_from", row.EffectiveFrom))
	return nil
}

// History lists the most recent rows for the pair, newest first.
func (t *Table) History(ctx context.Context, provider, model string, limit int) ([]models.PriceRow, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []models.PriceRow
	err := t.db.WithContext(ctx).
		Where("provider = ? AND model = ?", provider, model).
		Order("effective_from DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (t *Table) store(key string, entry cacheEntry) {
	t.mu.Lock()
	t.cache[key] = entry
	t.mu.Unlock()
}

func (t *Table) invalidate(key string) {
	t.mu.Lock()
	delete(t.cache, key)
	t.mu.Unlock()
}
