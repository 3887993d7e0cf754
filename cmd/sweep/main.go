package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"floryn/internal/config"
	"floryn/internal/domain"
	"floryn/internal/report"
	"floryn/internal/store"
	"floryn/internal/store/memory"
	pgstore "floryn/internal/store/postgres"
	"floryn/internal/sweep"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	flags := pflag.NewFlagSet("sweep", pflag.ExitOnError)
	threshold := flags.Int("low-stock-threshold", 0, "also list Available flowers below this stock level (0 skips the check)")
	batchSize := flags.Int("batch-size", cfg.SweepBatchSize, "flowers per sweep commit")
	logLevel := flags.String("log-level", "warn", "zap log level")
	_ = flags.Parse(os.Args[1:])

	lvl, err := zap.ParseAtomicLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "log level %q: %v\n", *logLevel, err)
		os.Exit(2)
	}
	zc := zap.NewProductionConfig()
	zc.Level = lvl
	logger, err := zc.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg.SweepBatchSize = *batchSize
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *threshold, logger, os.Stdout); err != nil {
		logger.Error("sweep failed", zap.Error(err))
		fmt.Fprintf(os.Stderr, "sweep failed: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, threshold int, logger *zap.Logger, out io.Writer) error {
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	var repo store.Repository
	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL, cfg.LockTimeout())
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		defer pg.Close()
		repo = pg
	} else {
		// without a database the seeded demo catalog is swept
		repo = memory.NewSeeded(time.Now().In(loc), memory.WithLockTimeout(cfg.LockTimeout()))
	}

	sweeper := sweep.New(repo, sweep.Config{BatchSize: cfg.SweepBatchSize, Location: loc, Logger: logger})
	stats, sweepErr := sweeper.Run(ctx)
	writeStats(out, stats)

	if threshold > 0 {
		low, err := report.New(repo, report.Config{Location: loc, Logger: logger}).LowStock(ctx, threshold)
		if err != nil {
			return fmt.Errorf("low stock: %w", err)
		}
		writeLowStock(out, threshold, low)
	}
	return sweepErr
}

func writeStats(out io.Writer, stats domain.FreshnessStats) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STATUS\tFLOWERS")
	fmt.Fprintf(tw, "Fresh\t%d\n", stats.Fresh)
	fmt.Fprintf(tw, "Good\t%d\n", stats.Good)
	fmt.Fprintf(tw, "Last Sale\t%d\n", stats.LastSale)
	fmt.Fprintf(tw, "Expired\t%d\n", stats.Expired)
	fmt.Fprintf(tw, "Total\t%d\n", stats.Total)
	_ = tw.Flush()
}

func writeLowStock(out io.Writer, threshold int, flowers []domain.Flower) {
	fmt.Fprintf(out, "\nLow stock (below %d): %d\n", threshold, len(flowers))
	if len(flowers) == 0 {
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tCATEGORY\tSTOCK")
	for _, f := range flowers {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", f.ID, f.Name, f.Category, f.StockQuantity)
	}
	_ = tw.Flush()
}
