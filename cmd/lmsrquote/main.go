// Command lmsrquote prints an LMSR cost ladder for a fresh or seeded market.
//
//	lmsrquote -b 100 -step 10 -rows 10
//	lmsrquote -b 100 -qyes 25 -side NO -budget 50
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"

	"github.com/LudeeD/market/internal/lmsr"
	"github.com/LudeeD/market/internal/model"
)

type options struct {
	b      float64
	qYes   float64
	qNo    float64
	side   string
	step   float64
	rows   int
	budget float64
}

func main() {
	var o options
	flag.Float64Var(&o.b, "b", 100, "liquidity parameter")
	flag.Float64Var(&o.qYes, "qyes", 0, "outstanding YES shares")
	flag.Float64Var(&o.qNo, "qno", 0, "outstanding NO shares")
	flag.StringVar(&o.side, "side", "YES", "side to buy (YES or NO)")
	flag.Float64Var(&o.step, "step", 10, "shares added per ladder row")
	flag.IntVar(&o.rows, "rows", 10, "number of ladder rows")
	flag.Float64Var(&o.budget, "budget", 0, "also solve how many shares this budget buys")
	flag.Parse()

	if err := run(os.Stdout, o); err != nil {
		fmt.Fprintln(os.Stderr, "lmsrquote:", err)
		os.Exit(1)
	}
}

func run(out io.Writer, o options) error {
	side, err := model.ParseSide(o.side)
	if err != nil {
		return err
	}
	if o.step <= 0 || o.rows <= 0 {
		return errors.New("step and rows must be positive")
	}

	vals := make([]decimal.Decimal, 3)
	for i, x := range []float64{o.b, o.qYes, o.qNo} {
		if vals[i], err = lmsr.FromFloat(x); err != nil {
			return err
		}
	}
	mm, err := lmsr.NewMarketMaker(vals[0])
	if err != nil {
		return err
	}

	// The maker prices its first argument, so NO trades swap the pair.
	first, second := vals[1], vals[2]
	if side == model.SideNo {
		first, second = second, first
	}

	fmt.Fprintf(out, "b=%s  max loss=%s  p(%s)=%s\n",
		mm.B(), mm.MaxLoss().StringFixed(4), side, mm.Price(first, second).StringFixed(4))

	table := tablewriter.NewWriter(out)
	table.Header("Shares", "Cost", "Fill", "Price after", "Profit if "+string(side))
	step := decimal.NewFromFloat(o.step)
	for i := 1; i <= o.rows; i++ {
		n := step.Mul(decimal.NewFromInt(int64(i)))
		cost := mm.TradeCost(first, second, n)
		table.Append(
			n.String(),
			cost.StringFixed(4),
			mm.FillPrice(first, second, n).StringFixed(4),
			mm.Price(first.Add(n), second).StringFixed(4),
			n.Sub(cost).StringFixed(4),
		)
	}
	table.Render()

	if o.budget > 0 {
		budget, err := lmsr.FromFloat(o.budget)
		if err != nil {
			return err
		}
		shares, err := mm.SharesForCost(first, second, budget)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "budget %.2f buys %s %s shares for %s\n",
			o.budget, shares, side, mm.TradeCost(first, second, shares).StringFixed(8))
	}
	return nil
}
