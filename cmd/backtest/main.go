package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"quantis-trader/internal/backtest"
	"quantis-trader/internal/bootstrap"
	"quantis-trader/internal/history"
	"quantis-trader/internal/market"
)

var rootCmd = &cobra.Command{
	Use:   "backtest",
	Short: "Run the SMA crossover grid over stored candles",
	Long: `Loads candles from the Redis history and simulates a long-only SMA
crossover for every fast/slow combination, best return first.`,
	RunE:          run,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.Flags().StringP("config", "c", "", "Config file (json or yaml)")
	rootCmd.Flags().StringP("symbol", "s", "", "Symbol (default: trading symbol)")
	rootCmd.Flags().StringP("granularity", "g", "", "Candle granularity (default: backtest.granularity)")
	rootCmd.Flags().Int("days", 0, "Days of history ending now (default: backtest.days)")
	rootCmd.Flags().String("start", "", "Range start, YYYY-MM-DD (overrides --days)")
	rootCmd.Flags().String("end", "", "Range end, YYYY-MM-DD (default: now)")
	rootCmd.Flags().IntSlice("fast", nil, "Fast SMA periods")
	rootCmd.Flags().IntSlice("slow", nil, "Slow SMA periods")
	rootCmd.Flags().Float64("cash", 0, "Initial cash in quote currency")
	rootCmd.Flags().Float64("commission", 0, "Commission per trade as a fraction")
	rootCmd.Flags().Bool("json", false, "Print the report as JSON")
	rootCmd.Flags().Bool("trades", false, "List the trades of the best combination")

	for _, name := range []string{"config", "symbol", "granularity", "days", "start", "end", "fast", "slow", "cash", "commission", "json", "trades"} {
		viper.BindPFlag(name, rootCmd.Flags().Lookup(name))
	}
	viper.SetEnvPrefix("BACKTEST")
	viper.AutomaticEnv()
}

func run(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	env, err := bootstrap.Load(ctx, viper.GetString("config"), "backtest")
	if err != nil {
		env.Close()
		return err
	}
	defer env.Close()

	btCfg, err := buildConfig(env.Config.BacktestConfig, env.Config.TradingConfig.Symbol)
	if err != nil {
		return err
	}

	store := history.NewStore(env.Redis, history.Options{Logger: env.Logger.WithComponent("history")})
	report, err := backtest.New(store, env.Logger.WithComponent("backtest")).Run(ctx, btCfg)
	if err != nil {
		return err
	}

	if viper.GetBool("json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	printReport(report, viper.GetBool("trades"))
	return nil
}

// buildConfig layers flags over the configured grid.
func buildConfig(base backtest.Config, symbol string) (backtest.Config, error) {
	cfg := base
	cfg.Symbol = symbol
	if s := viper.GetString("symbol"); s != "" {
		cfg.Symbol = strings.ToUpper(s)
	}
	if g := viper.GetString("granularity"); g != "" {
		cfg.Granularity = market.Granularity(g)
	}
	if d := viper.GetInt("days"); d > 0 {
		cfg.Days = d
	}
	if fast := viper.GetIntSlice("fast"); len(fast) > 0 {
		cfg.FastPeriods = fast
	}
	if slow := viper.GetIntSlice("slow"); len(slow) > 0 {
		cfg.SlowPeriods = slow
	}
	if c := viper.GetFloat64("cash"); c > 0 {
		cfg.InitialCash = c
	}
	if c := viper.GetFloat64("commission"); c > 0 {
		cfg.Commission = c
	}

	var err error
	if s := viper.GetString("start"); s != "" {
		if cfg.Start, err = time.Parse("2006-01-02", s); err != nil {
			return cfg, fmt.Errorf("invalid --start: %w", err)
		}
	}
	if s := viper.GetString("end"); s != "" {
		if cfg.End, err = time.Parse("2006-01-02", s); err != nil {
			return cfg, fmt.Errorf("invalid --end: %w", err)
		}
	}
	return cfg, nil
}

func printReport(r backtest.Report, withTrades bool) {
	fmt.Printf("%s %s  %s to %s  %d candles  cash %.2f  commission %.4f\n\n",
		r.Symbol, r.Granularity, r.From.Format("2006-01-02"), r.To.Format("2006-01-02"),
		r.Candles, r.InitialCash, r.Commission)
	fmt.Printf("%5s %5s %12s %10s %9s %7s %8s %9s %9s\n",
		"FAST", "SLOW", "FINAL", "PNL", "RETURN%", "TRADES", "WIN%", "MAXDD%", "HOLD%")
	for _, res := range r.Results {
		fmt.Printf("%5d %5d %12.2f %10.2f %9.2f %7d %8.1f %9.2f %9.2f\n",
			res.FastPeriod, res.SlowPeriod, res.FinalValue, res.PnL, res.ReturnPct,
			res.NumTrades, res.WinRate, res.MaxDrawdownPct, res.BuyHoldPct)
	}

	best, ok := r.Best()
	if !ok {
		return
	}
	fmt.Printf("\nBest: SMA %d/%d returned %.2f%% (%.2f)\n", best.FastPeriod, best.SlowPeriod, best.ReturnPct, best.PnL)
	if !withTrades {
		return
	}
	for _, t := range best.Trades {
		fmt.Printf("  %s %-4s price=%.4f amount=%.6f fee=%.6f value=%.2f\n",
			t.Time.Format("2006-01-02 15:04"), t.Side, t.Price, t.Amount, t.Commission, t.ValueAfter)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
