package market

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/LudeeD/market/internal/model"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func validParams() Params {
	return Params{
		Question:  "Will it rain in Lisbon on March 10?",
		CreatorID: "alice",
		EndDate:   now.Add(9 * 24 * time.Hour),
	}
}

func TestNew_Valid(t *testing.T) {
	m, err := New(validParams(), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.ID == "" {
		t.Error("expected generated id")
	}
	if m.Status != model.StatusOpen {
		t.Errorf("expected open, got %s", m.Status)
	}
	if !m.B.Equal(DefaultLiquidity) {
		t.Errorf("expected default b %s, got %s", DefaultLiquidity, m.B)
	}
	if !m.QYes.IsZero() || !m.QNo.IsZero() {
		t.Errorf("expected zero quantities, got %s/%s", m.QYes, m.QNo)
	}
	if m.Version != 1 {
		t.Errorf("expected version 1, got %d", m.Version)
	}
}

func TestNew_LiquidityFromMaxLoss(t *testing.T) {
	p := validParams()
	p.MaxLoss = decimal.NewFromFloat(69.31471806)
	m, err := New(p, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := m.B.Sub(decimal.NewFromInt(100)).Abs(); diff.GreaterThan(decimal.NewFromFloat(1e-6)) {
		t.Errorf("expected b near 100, got %s", m.B)
	}

	p.Liquidity = decimal.NewFromInt(50)
	m, err = New(p, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !m.B.Equal(decimal.NewFromInt(50)) {
		t.Errorf("explicit liquidity should win, got %s", m.B)
	}
}

func TestNew_Invalid(t *testing.T) {
	closeAfterEnd := now.Add(10 * 24 * time.Hour)
	closeInPast := now.Add(-time.Hour)

	tests := []struct {
		name    string
		mutate  func(p *Params)
		wantErr error
	}{
		{"empty question", func(p *Params) { p.Question = "   " }, ErrInvalidQuestion},
		{"missing creator", func(p *Params) { p.CreatorID = "" }, ErrInvalidCreator},
		{"end date too soon", func(p *Params) { p.EndDate = now.Add(time.Hour) }, ErrInvalidEndDate},
		{"close after end", func(p *Params) { p.CloseAt = &closeAfterEnd }, ErrInvalidCloseAt},
		{"close in past", func(p *Params) { p.CloseAt = &closeInPast }, ErrInvalidCloseAt},
		{"negative b", func(p *Params) { p.Liquidity = decimal.NewFromInt(-1) }, ErrInvalidB},
		{"b beyond float range", func(p *Params) { p.Liquidity = decimal.RequireFromString("1e309") }, ErrInvalidB},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validParams()
			tt.mutate(&p)
			if _, err := New(p, now); !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestNew_CustomMinDuration(t *testing.T) {
	p := validParams()
	p.EndDate = now.Add(2 * time.Hour)
	p.MinDuration = time.Hour
	if _, err := New(p, now); err != nil {
		t.Errorf("expected end date 2h out to pass a 1h minimum, got %v", err)
	}
}

func TestOracle_FallsBackToCreator(t *testing.T) {
	m := &model.Market{CreatorID: "alice"}
	if Oracle(m) != "alice" || !CanResolveBy(m, "alice") {
		t.Error("creator should be oracle when none is set")
	}

	m.OracleID = "bob"
	if CanResolveBy(m, "alice") {
		t.Error("creator should not resolve when an oracle is set")
	}
	if !CanResolveBy(m, "bob") {
		t.Error("oracle should be allowed to resolve")
	}
}

func TestState(t *testing.T) {
	closeAt := now.Add(time.Hour)
	base := model.Market{Status: model.StatusOpen, EndDate: now.Add(24 * time.Hour)}

	tests := []struct {
		name   string
		mutate func(m *model.Market)
		at     time.Time
		want   model.MarketStatus
	}{
		{"open", func(*model.Market) {}, now, model.StatusOpen},
		{"past end date", func(*model.Market) {}, now.Add(25 * time.Hour), model.StatusClosed},
		{"at end date", func(*model.Market) {}, now.Add(24 * time.Hour), model.StatusClosed},
		{"close time passed", func(m *model.Market) { m.CloseAt = &closeAt }, now.Add(2 * time.Hour), model.StatusClosed},
		{"explicitly closed", func(m *model.Market) { m.Status = model.StatusClosed }, now, model.StatusClosed},
		{"resolved", func(m *model.Market) { m.Status = model.StatusResolved }, now, model.StatusResolved},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := base
			tt.mutate(&m)
			if got := State(&m, tt.at); got != tt.want {
				t.Errorf("State() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestCheckTradable(t *testing.T) {
	m := &model.Market{Status: model.StatusOpen, EndDate: now.Add(time.Hour)}
	if err := CheckTradable(m, now); err != nil {
		t.Errorf("expected tradable, got %v", err)
	}
	if err := CheckTradable(m, now.Add(time.Hour)); !errors.Is(err, ErrMarketExpired) {
		t.Errorf("expected ErrMarketExpired at end date, got %v", err)
	}

	m.Status = model.StatusClosed
	if err := CheckTradable(m, now); !errors.Is(err, ErrMarketNotTradable) {
		t.Errorf("expected ErrMarketNotTradable, got %v", err)
	}
	m.Status = model.StatusResolved
	if err := CheckTradable(m, now); !errors.Is(err, ErrMarketNotTradable) {
		t.Errorf("expected ErrMarketNotTradable, got %v", err)
	}
}

func TestCheckResolvable(t *testing.T) {
	m := &model.Market{Status: model.StatusOpen, EndDate: now.Add(time.Hour)}

	if err := CheckResolvable(m, now, false); !errors.Is(err, ErrTooEarly) {
		t.Errorf("expected ErrTooEarly, got %v", err)
	}
	if err := CheckResolvable(m, now, true); err != nil {
		t.Errorf("forced resolution should pass, got %v", err)
	}
	if err := CheckResolvable(m, now.Add(2*time.Hour), false); err != nil {
		t.Errorf("expected resolvable after end date, got %v", err)
	}

	m.Status = model.StatusClosed
	if err := CheckResolvable(m, now, false); !errors.Is(err, ErrTooEarly) {
		t.Errorf("closing early must not open resolution, got %v", err)
	}
	closeAt := now.Add(-time.Minute)
	m.Status, m.CloseAt = model.StatusOpen, &closeAt
	if err := CheckResolvable(m, now, false); !errors.Is(err, ErrTooEarly) {
		t.Errorf("passed close time must not open resolution, got %v", err)
	}
	if err := CheckResolvable(m, m.EndDate, false); err != nil {
		t.Errorf("expected resolvable at end date, got %v", err)
	}

	m.Status = model.StatusResolved
	if err := CheckResolvable(m, now.Add(2*time.Hour), true); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("expected ErrAlreadyResolved, got %v", err)
	}
}

func TestCheckClosable(t *testing.T) {
	m := &model.Market{Status: model.StatusOpen, CreatorID: "alice", OracleID: "bob"}

	if err := CheckClosable(m, "alice"); err != nil {
		t.Errorf("creator should close, got %v", err)
	}
	if err := CheckClosable(m, "bob"); err != nil {
		t.Errorf("oracle should close, got %v", err)
	}
	if err := CheckClosable(m, "mallory"); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("expected ErrNotAuthorized, got %v", err)
	}

	m.Status = model.StatusClosed
	if err := CheckClosable(m, "alice"); !errors.Is(err, ErrMarketNotTradable) {
		t.Errorf("expected ErrMarketNotTradable, got %v", err)
	}
}
