package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"quantis-trader/internal/backtest"
	"quantis-trader/internal/market"
)

// handleRunBacktest runs the SMA crossover grid over stored candles
// POST /api/backtest
// Body: {"granularity": "1d", "start_date": "2023-01-01", "end_date": "2024-01-01", "fast_periods": [10], "slow_periods": [50]}
func (s *Server) handleRunBacktest(c *gin.Context) {
	if s.deps.Backtester == nil {
		errorResponse(c, http.StatusServiceUnavailable, "backtesting not configured")
		return
	}

	var req struct {
		Granularity string  `json:"granularity"`
		Days        int     `json:"days"`
		StartDate   string  `json:"start_date"`
		EndDate     string  `json:"end_date"`
		FastPeriods []int   `json:"fast_periods"`
		SlowPeriods []int   `json:"slow_periods"`
		InitialCash float64 `json:"initial_cash"`
		Commission  float64 `json:"commission"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			errorResponse(c, http.StatusBadRequest, err.Error())
			return
		}
	}

	cfg := backtest.DefaultConfig(s.deps.Bot.Config().Pair.Symbol)
	if req.Granularity != "" {
		cfg.Granularity = market.Granularity(req.Granularity)
	}
	if req.Days > 0 {
		cfg.Days = req.Days
	}
	if len(req.FastPeriods) > 0 {
		cfg.FastPeriods = req.FastPeriods
	}
	if len(req.SlowPeriods) > 0 {
		cfg.SlowPeriods = req.SlowPeriods
	}
	if req.InitialCash > 0 {
		cfg.InitialCash = req.InitialCash
	}
	if req.Commission > 0 {
		cfg.Commission = req.Commission
	}

	var err error
	if req.StartDate != "" {
		if cfg.Start, err = time.Parse("2006-01-02", req.StartDate); err != nil {
			errorResponse(c, http.StatusBadRequest, "Invalid start_date format (use YYYY-MM-DD)")
			return
		}
	}
	if req.EndDate != "" {
		if cfg.End, err = time.Parse("2006-01-02", req.EndDate); err != nil {
			errorResponse(c, http.StatusBadRequest, "Invalid end_date format (use YYYY-MM-DD)")
			return
		}
	}

	report, err := s.deps.Backtester.Run(c.Request.Context(), cfg)
	if errors.Is(err, backtest.ErrNoData) {
		errorResponse(c, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	// Trades are only returned for the winning combination.
	for i := 1; i < len(report.Results); i++ {
		report.Results[i].Trades = nil
	}
	successResponse(c, report)
}
