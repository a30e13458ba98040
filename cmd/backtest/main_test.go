package main

import (
	"testing"
	"time"

	"github.com/spf13/viper"

	"quantis-trader/internal/backtest"
	"quantis-trader/internal/market"
)

func TestBuildConfigLayersFlags(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	base := backtest.DefaultConfig("")
	cfg, err := buildConfig(base, "BTCUSDT")
	if err != nil {
		t.Fatalf("buildConfig failed: %v", err)
	}
	if cfg.Symbol != "BTCUSDT" || cfg.Granularity != market.Day1 || len(cfg.SlowPeriods) != 4 {
		t.Errorf("Expected configured defaults, got %+v", cfg)
	}

	viper.Set("symbol", "ethusdt")
	viper.Set("granularity", "4h")
	viper.Set("fast", []int{5})
	viper.Set("start", "2024-02-01")
	viper.Set("cash", 500.0)
	cfg, err = buildConfig(base, "BTCUSDT")
	if err != nil {
		t.Fatalf("buildConfig failed: %v", err)
	}
	if cfg.Symbol != "ETHUSDT" || cfg.Granularity != market.Hour4 || cfg.InitialCash != 500 {
		t.Errorf("Expected flag overrides, got %+v", cfg)
	}
	if len(cfg.FastPeriods) != 1 || cfg.FastPeriods[0] != 5 {
		t.Errorf("Expected fast periods [5], got %v", cfg.FastPeriods)
	}
	if !cfg.Start.Equal(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Expected start 2024-02-01, got %v", cfg.Start)
	}

	viper.Set("end", "tomorrow")
	if _, err := buildConfig(base, "BTCUSDT"); err == nil {
		t.Error("Expected error for invalid end date")
	}
}
