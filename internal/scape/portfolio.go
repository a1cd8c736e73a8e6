package scape

import (
	"github.com/shopspring/decimal"
)

// Portfolio is the simulated account the market environment trades. Cash and
// entry price are kept in decimal so repeated fills do not drift.
type Portfolio struct {
	Cash       decimal.Decimal
	Shares     int64
	EntryPrice decimal.Decimal
}

func NewPortfolio(capital float64) Portfolio {
	return Portfolio{Cash: decimal.NewFromFloat(capital)}
}

func (p Portfolio) Holding() bool { return p.Shares > 0 }

// PositionFlag is 1 while shares are held and 0 otherwise.
func (p Portfolio) PositionFlag() float64 {
	if p.Holding() {
		return 1
	}
	return 0
}

func (p Portfolio) Value(price float64) decimal.Decimal {
	return p.Cash.Add(decimal.NewFromFloat(price).Mul(decimal.NewFromInt(p.Shares)))
}

// UnrealizedReturn is (price - entry) / entry for the open position.
func (p Portfolio) UnrealizedReturn(price float64) float64 {
	if !p.Holding() || p.EntryPrice.IsZero() {
		return 0
	}
	r, _ := decimal.NewFromFloat(price).Sub(p.EntryPrice).Div(p.EntryPrice).Float64()
	return r
}

// Buy spends up to budget (capped at available cash) on whole shares and
// returns the number bought.
func (p *Portfolio) Buy(price float64, budget decimal.Decimal) int64 {
	if price <= 0 || !budget.IsPositive() {
		return 0
	}
	if budget.GreaterThan(p.Cash) {
		budget = p.Cash
	}
	px := decimal.NewFromFloat(price)
	qty := budget.Div(px).Floor().IntPart()
	if qty <= 0 {
		return 0
	}
	cost := px.Mul(decimal.NewFromInt(qty))
	held := decimal.NewFromInt(p.Shares)
	total := decimal.NewFromInt(p.Shares + qty)
	p.EntryPrice = p.EntryPrice.Mul(held).Add(cost).Div(total)
	p.Cash = p.Cash.Sub(cost)
	p.Shares += qty
	return qty
}

// Sell sells up to qty shares and returns the number sold.
func (p *Portfolio) Sell(price float64, qty int64) int64 {
	if price <= 0 || qty <= 0 || p.Shares == 0 {
		return 0
	}
	if qty > p.Shares {
		qty = p.Shares
	}
	p.Cash = p.Cash.Add(decimal.NewFromFloat(price).Mul(decimal.NewFromInt(qty)))
	p.Shares -= qty
	if p.Shares == 0 {
		p.EntryPrice = decimal.Zero
	}
	return qty
}
