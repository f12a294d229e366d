// Command tradereport prints the performance of the recorded trades and can
// export them as CSV.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"text/tabwriter"

	"autotrader/internal/adapters/logger"
	"autotrader/internal/adapters/sqlite"
	"autotrader/internal/analytics"
	"autotrader/internal/domain"
	"autotrader/internal/ports"
	"autotrader/internal/utils"
)

func main() {
	dbPath := flag.String("db", "./data/autotrader.db", "path to the SQLite database")
	mode := flag.String("mode", "virtual", "trading mode to report on: virtual or real")
	balance := flag.Float64("balance", 0, "initial balance; defaults to the stored start balance")
	export := flag.String("csv", "", "also write all trades of the mode to this CSV file")
	flag.Parse()

	m := domain.Mode(*mode)
	if m != domain.ModeVirtual && m != domain.ModeReal {
		log.Fatalf("invalid -mode %q: must be virtual or real", *mode)
	}

	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: *dbPath,
		Logger: logger.New(logger.Config{Level: "ERROR", Format: "console"}),
	})
	if err != nil {
		log.Fatalf("Error opening database: %v", err)
	}
	defer repo.Close()

	ctx := context.Background()
	virtual := m == domain.ModeVirtual
	trades, err := repo.GetTrades(ctx, ports.TradeFilter{Virtual: &virtual})
	if err != nil {
		log.Fatalf("Error reading trades: %v", err)
	}

	start := *balance
	if start <= 0 {
		if c, err := repo.LoadCapital(ctx, m); err == nil && c != nil {
			start = c.StartBalance
		}
	}

	printReport(os.Stdout, m, analytics.Summarize(trades, start))

	if *export != "" {
		f, err := os.Create(*export)
		if err != nil {
			log.Fatalf("Error creating %s: %v", *export, err)
		}
		defer f.Close()
		if err := utils.WriteTradesCSV(f, trades); err != nil {
			log.Fatalf("Error writing %s: %v", *export, err)
		}
		fmt.Printf("\nWrote %d trades to %s\n", len(trades), *export)
	}
}

func printReport(out io.Writer, mode domain.Mode, s analytics.Summary) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', tabwriter.AlignRight|tabwriter.Debug)
	fmt.Fprintln(w, "Mode\tTrades\tWinRate\tAvgWin\tAvgLoss\tTotalPnL\tPF\tMaxDD%\tROI%\t")
	fmt.Fprintf(w, "%s\t%d\t%.2f\t%.2f\t%.2f\t%.2f\t%.2f\t%.2f\t%.2f\t\n",
		mode,
		s.TotalTrades,
		s.WinRate*100,
		s.AverageWin,
		s.AverageLoss,
		s.TotalPNL,
		s.ProfitFactor,
		s.MaxDrawdown,
		s.ReturnOnInvestment*100,
	)
	w.Flush()

	if s.TotalTrades == 0 {
		return
	}
	fmt.Fprintf(out, "\nStreaks: %d wins, %d losses. Average holding time: %s\n",
		s.MaxConsecutiveWins, s.MaxConsecutiveLosses, s.AverageDuration)

	monthly := s.SortedMonthlyReturns()
	if len(monthly) == 0 {
		return
	}
	fmt.Fprintln(out, "\nMonth\tPnL")
	for _, r := range monthly {
		fmt.Fprintf(out, "%s\t%.2f\n", r.Month.Format("2006-01"), r.Return)
	}
}
