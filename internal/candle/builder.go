package candle

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/midcurve/autoclose/internal/models"
)

// DefaultBucket is the timeframe the trigger pipeline evaluates on.
const DefaultBucket = time.Minute

// Event is one swap observation to fold into a candle.
type Event struct {
	Price   decimal.Decimal
	Volume0 decimal.Decimal
	Volume1 decimal.Decimal
	At      time.Time
}

// Builder is the accumulating state for one pool's OHLC pipeline. It is
// plain data: all transitions are pure functions, so the bucket-boundary
// logic is testable without timers or network.
type Builder struct {
	ChainID     int64
	PoolAddress string
	Bucket      time.Duration
	BucketStart time.Time

	Open  decimal.Decimal
	High  decimal.Decimal
	Low   decimal.Decimal
	Close decimal.Decimal

	Volume0    decimal.Decimal
	Volume1    decimal.Decimal
	TradeCount int

	// HasData is set once at least one event landed in the current bucket.
	// An idle bucket never produces a candle.
	HasData bool
}

// New returns a builder positioned at the bucket containing now, with all
// OHLC fields seeded from the pool's current price.
func New(chainID int64, pool string, bucket time.Duration, initialPrice decimal.Decimal, now time.Time) Builder {
	if bucket <= 0 {
		bucket = DefaultBucket
	}
	return Builder{
		ChainID:     chainID,
		PoolAddress: pool,
		Bucket:      bucket,
		BucketStart: now.UTC().Truncate(bucket),
		Open:        initialPrice,
		High:        initialPrice,
		Low:         initialPrice,
		Close:       initialPrice,
	}
}

// Apply folds one event into the builder. If the event belongs to a later
// bucket, the current bucket is finalized (only when it has data) and the
// builder advances one bucket at a time until the event's bucket is reached —
// an explicit loop, so an event arriving after a long idle gap cannot blow
// the stack. A new bucket always opens at the previous bucket's close.
//
// Returns the updated builder and the completed candle from the old bucket,
// or nil when no candle closed.
func (b Builder) Apply(ev Event) (Builder, *models.OhlcCandle) {
	evBucket := ev.At.UTC().Truncate(b.Bucket)
	if evBucket.Before(b.BucketStart) {
		// Late event from an already-closed bucket; drop it.
		return b, nil
	}

	var closed *models.OhlcCandle
	for evBucket.After(b.BucketStart) {
		if b.HasData && closed == nil {
			c := b.Finalize()
			closed = &c
		}
		b = b.StartBucket(b.BucketStart.Add(b.Bucket))
	}

	// Open is never touched by an event: a bucket opens at the previous
	// bucket's close (or the seed price), which is what makes consecutive
	// candles continuous.
	b.High = decimal.Max(b.High, ev.Price)
	b.Low = decimal.Min(b.Low, ev.Price)
	b.Close = ev.Price
	b.Volume0 = b.Volume0.Add(ev.Volume0.Abs())
	b.Volume1 = b.Volume1.Add(ev.Volume1.Abs())
	b.TradeCount++
	b.HasData = true
	return b, closed
}

// Roll is the timer-driven equivalent of a boundary crossing without an
// incoming event: it closes the current bucket (when it has data) and starts
// the bucket containing now. Used by the minute tick and the unsubscribe
// flush.
func (b Builder) Roll(now time.Time) (Builder, *models.OhlcCandle) {
	target := now.UTC().Truncate(b.Bucket)
	if !target.After(b.BucketStart) {
		return b, nil
	}
	var closed *models.OhlcCandle
	if b.HasData {
		c := b.Finalize()
		closed = &c
	}
	for target.After(b.BucketStart) {
		b = b.StartBucket(b.BucketStart.Add(b.Bucket))
	}
	return b, closed
}

// StartBucket opens a fresh bucket at start. Continuity invariant: the new
// bucket opens at the previous bucket's close, volume and trade counters
// reset, data flag cleared.
func (b Builder) StartBucket(start time.Time) Builder {
	b.BucketStart = start
	b.Open = b.Close
	b.High = b.Close
	b.Low = b.Close
	b.Volume0 = decimal.Zero
	b.Volume1 = decimal.Zero
	b.TradeCount = 0
	b.HasData = false
	return b
}

// Finalize projects the builder into an immutable candle record.
func (b Builder) Finalize() models.OhlcCandle {
	return models.OhlcCandle{
		ChainID:     b.ChainID,
		PoolAddress: b.PoolAddress,
		Timeframe:   timeframeLabel(b.Bucket),
		BucketStart: b.BucketStart.UnixMilli(),
		BucketISO:   b.BucketStart.Format(time.RFC3339),
		Open:        b.Open,
		High:        b.High,
		Low:         b.Low,
		Close:       b.Close,
		TradeCount:  b.TradeCount,
		Volume0:     b.Volume0,
		Volume1:     b.Volume1,
	}
}

func timeframeLabel(bucket time.Duration) string {
	if bucket%time.Minute == 0 {
		return fmt.Sprintf("%dm", int(bucket/time.Minute))
	}
	return fmt.Sprintf("%ds", int(bucket/time.Second))
}
