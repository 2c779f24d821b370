package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/shopspring/decimal"

	"fxwatcher/internal/rates"
	"fxwatcher/internal/trends"
)

// Trends computes and prints the current market-trend summary.
func (a *App) Trends(ctx context.Context) error {
	universe := make([]rates.Currency, 0, len(a.Config.Trends.Universe))
	for _, code := range a.Config.Trends.Universe {
		universe = append(universe, rates.Currency(code))
	}

	cache := trends.New(a.newProvider(), trends.Options{
		TTL:               a.Config.Trends.TTL,
		Universe:          universe,
		LookbackDays:      a.Config.Trends.LookbackDays,
		SignificanceFloor: decimal.NewFromFloat(a.Config.Trends.SignificanceFloor),
		TopN:              a.Config.Trends.TopN,
		Concurrency:       a.Config.Trends.Concurrency,
	}, a.Logger)

	summary, err := cache.MarketTrends(ctx)
	if err != nil {
		return err
	}

	if len(summary.Gainers) == 0 && len(summary.Losers) == 0 {
		fmt.Fprintln(os.Stdout, "no significant movers over the lookback window")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Side\tPair\tPast\tLatest\tChange%")
	printMoves(writer, "gainer", summary.Gainers)
	printMoves(writer, "loser", summary.Losers)
	writer.Flush()
	return nil
}

func printMoves(writer *tabwriter.Writer, side string, moves []trends.PairTrend) {
	for _, move := range moves {
		fmt.Fprintf(
			writer,
			"%s\t%s/%s\t%s\t%s\t%s\n",
			side,
			move.Base,
			move.Quote,
			formatDecimal(move.Past, 6),
			formatDecimal(move.Latest, 6),
			formatDecimal(move.ChangePct, 3),
		)
	}
}
