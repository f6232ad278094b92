// Package history records the probability history of a market: one
// immutable snapshot per committed trade, plus one at creation.
package history

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/LudeeD/market/internal/lmsr"
	"github.com/LudeeD/market/internal/model"
)

// Recorder derives snapshots from market quantities. The zero value is
// ready to use; NewID may be replaced in tests.
type Recorder struct {
	NewID func() string
}

// Snapshot prices (qYes, qNo) and returns a new snapshot stamped at.
func (r *Recorder) Snapshot(mm *lmsr.MarketMaker, marketID string, qYes, qNo decimal.Decimal, at time.Time) model.PriceSnapshot {
	newID := uuid.NewString
	if r != nil && r.NewID != nil {
		newID = r.NewID
	}
	priceYes := mm.Price(qYes, qNo)
	return model.PriceSnapshot{
		ID:        newID(),
		MarketID:  marketID,
		PriceYes:  priceYes,
		PriceNo:   decimal.NewFromInt(1).Sub(priceYes),
		QYes:      qYes,
		QNo:       qNo,
		CreatedAt: at.UTC(),
	}
}

// Point is one chart sample.
type Point struct {
	Time     time.Time `json:"time"`
	PriceYes float64   `json:"price_yes"`
	PriceNo  float64   `json:"price_no"`
}

// Series converts snapshots, already ordered by time, into chart points.
func Series(snapshots []model.PriceSnapshot) []Point {
	points := make([]Point, 0, len(snapshots))
	for _, s := range snapshots {
		points = append(points, Point{
			Time:     s.CreatedAt,
			PriceYes: s.PriceYes.InexactFloat64(),
			PriceNo:  s.PriceNo.InexactFloat64(),
		})
	}
	return points
}
