package settlement

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/LudeeD/market/internal/market"
	"github.com/LudeeD/market/internal/metrics"
	"github.com/LudeeD/market/internal/model"
	"github.com/LudeeD/market/internal/store"
	"github.com/LudeeD/market/internal/ws"
)

// Broadcaster receives the resolution event after it commits.
type Broadcaster interface {
	Broadcast(msg ws.Message)
}

// Config tunes a Service.
type Config struct {
	MaxRetries        int
	AllowForceResolve bool
	Clock             func() time.Time
}

// Service resolves markets against a store.
type Service struct {
	store store.Store
	hub   Broadcaster
	cfg   Config
}

// NewService creates a settlement service. hub may be nil.
func NewService(st store.Store, hub Broadcaster, cfg Config) *Service {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	return &Service{store: st, hub: hub, cfg: cfg}
}

func (s *Service) now() time.Time {
	if s.cfg.Clock != nil {
		return s.cfg.Clock().UTC()
	}
	return time.Now().UTC()
}

// Resolve settles marketID on outcome. Only the market's oracle may resolve.
// A trade committing between the read and the write bumps the market version,
// so the cycle re-reads positions and rebuilds the plan.
func (s *Service) Resolve(ctx context.Context, marketID, actorID string, outcome model.Side, force bool) (*model.SettlementPlan, error) {
	var plan *model.SettlementPlan
	err := store.RunWithRetry(ctx, s.cfg.MaxRetries, func(ctx context.Context) error {
		m, err := s.store.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		if !market.CanResolveBy(m, actorID) {
			return market.ErrNotAuthorized
		}
		positions, err := s.store.ListPositionsByMarket(ctx, marketID)
		if err != nil {
			return err
		}
		p, err := Resolve(Input{
			Market:     m,
			Positions:  positions,
			Outcome:    outcome,
			Now:        s.now(),
			Force:      force,
			AllowForce: s.cfg.AllowForceResolve,
		})
		if err != nil {
			return err
		}
		if err := s.store.ApplySettlement(ctx, p); err != nil {
			if errors.Is(err, store.ErrConflict) {
				metrics.StoreConflicts.WithLabelValues("settlement").Inc()
			}
			return err
		}
		plan = p
		return nil
	})
	if err != nil {
		slog.Warn("resolution rejected", "market", marketID, "by", actorID, "outcome", outcome, "err", err)
		return nil, err
	}

	total := plan.TotalPayout()
	metrics.SettlementsTotal.WithLabelValues(string(plan.Outcome)).Inc()
	metrics.PayoutVolume.Add(total.InexactFloat64())
	slog.Info("market resolved",
		"market", marketID,
		"outcome", plan.Outcome,
		"winners", len(plan.Payouts),
		"total_payout", total.String(),
		"forced", force && s.cfg.AllowForceResolve,
	)
	if s.hub != nil {
		s.hub.Broadcast(ws.Message{
			Type:     ws.EventMarketResolved,
			MarketID: marketID,
			Outcome:  string(plan.Outcome),
			Time:     plan.ResolvedAt,
		})
	}
	return plan, nil
}
