package execution

import (
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"spottrader/internal/config"
	"spottrader/internal/core"
	apperrors "spottrader/pkg/errors"
)

// Deduplicator rejects signals that fingerprint to one already seen
// within the TTL window. Equivalent signals regenerated across cycles
// would otherwise stack positions on the same setup.
type Deduplicator struct {
	cache         *gocache.Cache
	bucketMinutes int
	logger        core.ILogger
}

// NewDeduplicator constructs a deduplicator with the configured TTL and
// time-bucket width
func NewDeduplicator(cfg *config.ExecutionConfig, logger core.ILogger) *Deduplicator {
	ttl := time.Duration(cfg.DedupTTLSeconds) * time.Second
	return &Deduplicator{
		cache:         gocache.New(ttl, time.Minute),
		bucketMinutes: cfg.DedupBucketMinutes,
		logger:        logger.WithField("component", "dedup"),
	}
}

// Fingerprint derives the signal identity: symbol, side, price rounded
// to whole units, and the generation time floored to the bucket. Two
// signals a minute apart at nearly the same price collide on purpose.
func (d *Deduplicator) Fingerprint(signal *core.Signal) string {
	bucket := signal.GeneratedAt.Truncate(time.Duration(d.bucketMinutes) * time.Minute)
	return fmt.Sprintf("%s_%s_%s_%s",
		signal.Symbol,
		signal.Side,
		signal.EntryPrice.Round(0).StringFixed(0),
		bucket.Format("15:04"))
}

// Check returns ErrDuplicateSignal when the signal was already seen
// within the TTL, and registers it otherwise
func (d *Deduplicator) Check(signal *core.Signal) error {
	id := d.Fingerprint(signal)
	if _, found := d.cache.Get(id); found {
		d.logger.Warn("Duplicate signal detected",
			"fingerprint", id,
			"symbol", signal.Symbol,
			"side", string(signal.Side),
			"entry", signal.EntryPrice.String())
		return fmt.Errorf("%w: %s", apperrors.ErrDuplicateSignal, id)
	}
	d.cache.SetDefault(id, time.Now())
	d.logger.Debug("New signal registered", "fingerprint", id)
	return nil
}

// RegisterExecution refreshes the signal's cache entry after execution,
// so a near-duplicate in the next cycle still hits the full TTL
func (d *Deduplicator) RegisterExecution(signal *core.Signal) {
	d.cache.SetDefault(d.Fingerprint(signal), time.Now())
}

// CacheSize reports how many fingerprints are currently remembered
func (d *Deduplicator) CacheSize() int {
	return d.cache.ItemCount()
}
