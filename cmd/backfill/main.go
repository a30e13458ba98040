package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"quantis-trader/internal/bootstrap"
	"quantis-trader/internal/history"
	"quantis-trader/internal/market"
	"quantis-trader/internal/syncer"
)

var rootCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Populate the Redis candle history from Binance",
	Long: `Pages through Binance klines for every symbol and granularity and stores
them in the Redis history. Series that already hold candles resume after the
last stored one; empty series start at --start.`,
	RunE:          run,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.Flags().StringP("config", "c", "", "Config file (json or yaml)")
	rootCmd.Flags().StringSliceP("symbols", "s", nil, "Symbols to backfill (default: trading symbol)")
	rootCmd.Flags().StringSliceP("granularities", "g", nil, "Granularities to backfill (default: sync granularities)")
	rootCmd.Flags().String("start", "", "First day for empty series, YYYY-MM-DD (default: backfill.start_date)")
	rootCmd.Flags().Int("max-pages", 0, "Max pages per series, 0 for unlimited")
	rootCmd.Flags().Duration("task-delay", 0, "Pause between series (default: backfill.task_delay)")

	for _, name := range []string{"config", "symbols", "granularities", "start", "max-pages", "task-delay"} {
		viper.BindPFlag(name, rootCmd.Flags().Lookup(name))
	}
	viper.SetEnvPrefix("BACKFILL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func run(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nShutting down gracefully...")
		cancel()
	}()

	env, err := bootstrap.Load(ctx, viper.GetString("config"), "backfill")
	if err != nil {
		env.Close()
		return err
	}
	defer env.Close()
	cfg := env.Config

	symbols := viper.GetStringSlice("symbols")
	if len(symbols) == 0 {
		symbols = []string{cfg.TradingConfig.Symbol}
	}
	labels := viper.GetStringSlice("granularities")
	if len(labels) == 0 {
		labels = cfg.TradingConfig.SyncGranularities
	}
	granularities, err := market.ParseGranularities(labels)
	if err != nil {
		return err
	}

	bfCfg := cfg.BackfillConfig
	if start := viper.GetString("start"); start != "" {
		bfCfg.StartDate = start
	}
	if n := viper.GetInt("max-pages"); n > 0 {
		bfCfg.MaxPages = n
	}
	if d := viper.GetDuration("task-delay"); d > 0 {
		bfCfg.TaskDelay = d
	}
	backfillConfig, err := bfCfg.Syncer()
	if err != nil {
		return err
	}

	store := history.NewStore(env.Redis, history.Options{
		ChunkSize: cfg.RedisConfig.ChunkSize,
		Logger:    env.Logger.WithComponent("history"),
	})
	backfiller := syncer.NewBackfiller(env.MarketClient(), store, backfillConfig, env.Logger.WithComponent("backfill"))

	fmt.Printf("Backfilling %s for %s from %s\n",
		strings.Join(labels, ","), strings.Join(symbols, ","), backfillConfig.Start.Format("2006-01-02"))

	started := time.Now()
	results := backfiller.Run(ctx, symbols, granularities)

	failed := 0
	for _, r := range results {
		status := "ok"
		if r.Err != nil {
			status = "error: " + r.Err.Error()
			failed++
		}
		fmt.Printf("%-10s %-4s pages=%-5d fetched=%-7d stored=%-7d %-8s %s\n",
			r.Symbol, r.Granularity, r.Pages, r.Fetched, r.Applied, r.Duration.Round(time.Millisecond), status)
	}
	fmt.Printf("Done: %d series, %d failed in %s\n", len(results), failed, time.Since(started).Round(time.Second))

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if failed > 0 {
		return fmt.Errorf("%d series failed", failed)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
