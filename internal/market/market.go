// Package market handles binary market creation and the lifecycle rules that
// decide when a market may be traded, closed or resolved.
package market

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/LudeeD/market/internal/lmsr"
	"github.com/LudeeD/market/internal/model"
)

const (
	// DefaultMinDuration is the shortest allowed gap between creation and
	// the end date.
	DefaultMinDuration = 24 * time.Hour

	maxQuestionLen = 500
)

// DefaultLiquidity is the LMSR b used when a market is created without one.
var DefaultLiquidity = decimal.NewFromInt(100)

var (
	ErrInvalidQuestion = errors.New("market: invalid question")
	ErrInvalidCreator  = errors.New("market: creator is required")
	ErrInvalidEndDate  = errors.New("market: invalid end date")
	ErrInvalidCloseAt  = errors.New("market: invalid close time")
	ErrInvalidB        = errors.New("market: liquidity parameter b must be positive")

	ErrMarketNotTradable = errors.New("market: market is not open for trading")
	ErrMarketExpired     = errors.New("market: trading window has ended")
	ErrAlreadyResolved   = errors.New("market: market already resolved")
	ErrTooEarly          = errors.New("market: market cannot be resolved yet")
	ErrNotAuthorized     = errors.New("market: user is not the market oracle")
)

// Params describes a market to create.
type Params struct {
	Question    string
	Description string
	CreatorID   string
	OracleID    string
	EndDate     time.Time
	CloseAt     *time.Time
	Liquidity   decimal.Decimal // zero means DefaultLiquidity

	// MaxLoss derives b from the subsidy the creator accepts to lose. It is
	// used only when Liquidity is zero.
	MaxLoss decimal.Decimal

	// MinDuration overrides DefaultMinDuration when positive.
	MinDuration time.Duration
}

// New validates p and returns an open market with zero outstanding shares.
func New(p Params, now time.Time) (*model.Market, error) {
	question := strings.TrimSpace(p.Question)
	if question == "" || len(question) > maxQuestionLen {
		return nil, fmt.Errorf("%w: must be 1-%d characters", ErrInvalidQuestion, maxQuestionLen)
	}
	if strings.TrimSpace(p.CreatorID) == "" {
		return nil, ErrInvalidCreator
	}

	minDur := p.MinDuration
	if minDur <= 0 {
		minDur = DefaultMinDuration
	}
	if p.EndDate.Before(now.Add(minDur)) {
		return nil, fmt.Errorf("%w: must be at least %s after creation", ErrInvalidEndDate, minDur)
	}
	if p.CloseAt != nil && (!p.CloseAt.After(now) || p.CloseAt.After(p.EndDate)) {
		return nil, fmt.Errorf("%w: must fall between now and the end date", ErrInvalidCloseAt)
	}

	b := p.Liquidity
	switch {
	case !b.IsZero():
	case !p.MaxLoss.IsZero():
		mm, err := lmsr.NewMarketMakerFromSubsidy(p.MaxLoss)
		if err != nil {
			return nil, err
		}
		b = mm.B()
	default:
		b = DefaultLiquidity
	}
	if _, err := lmsr.NewMarketMaker(b); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidB, b)
	}

	m := &model.Market{
		ID:          uuid.NewString(),
		Question:    question,
		Description: strings.TrimSpace(p.Description),
		CreatorID:   p.CreatorID,
		OracleID:    p.OracleID,
		EndDate:     p.EndDate.UTC(),
		Status:      model.StatusOpen,
		QYes:        decimal.Zero,
		QNo:         decimal.Zero,
		B:           b,
		Version:     1,
		CreatedAt:   now.UTC(),
	}
	if p.CloseAt != nil {
		at := p.CloseAt.UTC()
		m.CloseAt = &at
	}
	return m, nil
}

// Oracle returns the user allowed to resolve m: the configured oracle, or
// the creator when there is none.
func Oracle(m *model.Market) string {
	if m.OracleID != "" {
		return m.OracleID
	}
	return m.CreatorID
}

// CanResolveBy reports whether userID is m's oracle.
func CanResolveBy(m *model.Market, userID string) bool {
	return userID != "" && Oracle(m) == userID
}

// State derives the effective status of m at now. A market whose end date
// or close time has passed reads as closed even before anyone closes it.
func State(m *model.Market, now time.Time) model.MarketStatus {
	switch {
	case m.Status == model.StatusResolved:
		return model.StatusResolved
	case m.Status == model.StatusClosed:
		return model.StatusClosed
	case windowEnded(m, now):
		return model.StatusClosed
	default:
		return model.StatusOpen
	}
}

func windowEnded(m *model.Market, now time.Time) bool {
	if !now.Before(m.EndDate) {
		return true
	}
	return m.CloseAt != nil && !now.Before(*m.CloseAt)
}

// CheckTradable returns nil when m accepts trades at now.
func CheckTradable(m *model.Market, now time.Time) error {
	if m.Status != model.StatusOpen {
		return ErrMarketNotTradable
	}
	if windowEnded(m, now) {
		return ErrMarketExpired
	}
	return nil
}

// CheckResolvable returns nil when m may be resolved at now. Only the end
// date opens resolution; closing trading early does not. force skips the
// timing rule and callers gate it behind policy.
func CheckResolvable(m *model.Market, now time.Time, force bool) error {
	if m.Status == model.StatusResolved {
		return ErrAlreadyResolved
	}
	if !now.Before(m.EndDate) || force {
		return nil
	}
	return ErrTooEarly
}

// CheckClosable returns nil when actorID may stop trading on m early.
func CheckClosable(m *model.Market, actorID string) error {
	switch m.Status {
	case model.StatusResolved:
		return ErrAlreadyResolved
	case model.StatusClosed:
		return ErrMarketNotTradable
	}
	if !CanResolveBy(m, actorID) && actorID != m.CreatorID {
		return ErrNotAuthorized
	}
	return nil
}
