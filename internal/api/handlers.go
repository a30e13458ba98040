package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"quantis-trader/internal/history"
	"quantis-trader/internal/market"
)

const (
	defaultCandleLimit = 100
	maxCandleLimit     = 1000
	defaultActionLimit = 50
	maxActionLimit     = 500
)

// candleResponse is the JSON form of a candle.
type candleResponse struct {
	OpenTime  int64  `json:"open_time"`
	Open      string `json:"open"`
	High      string `json:"high"`
	Low       string `json:"low"`
	Close     string `json:"close"`
	Volume    string `json:"volume"`
	CloseTime int64  `json:"close_time"`
}

func toCandleResponses(candles []market.Candle) []candleResponse {
	out := make([]candleResponse, len(candles))
	for i, c := range candles {
		out[i] = candleResponse{
			OpenTime:  c.OpenTime.UnixMilli(),
			Open:      c.Open.String(),
			High:      c.High.String(),
			Low:       c.Low.String(),
			Close:     c.Close.String(),
			Volume:    c.Volume.String(),
			CloseTime: c.CloseTime.UnixMilli(),
		}
	}
	return out
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(s.deps.Checks))
	healthy := true
	for name, check := range s.deps.Checks {
		if err := check(ctx); err != nil {
			healthy = false
			checks[name] = "unhealthy: " + err.Error()
			continue
		}
		checks[name] = "healthy"
	}

	status := http.StatusOK
	label := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		label = "unhealthy"
	}
	c.JSON(status, gin.H{
		"status": label,
		"checks": checks,
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	cfg := s.deps.Bot.Config()
	resp := gin.H{
		"symbol":                 cfg.Pair.Symbol,
		"sync_granularities":     cfg.SyncGranularities,
		"analysis_granularities": cfg.AnalysisGranularities,
		"cycles":                 s.deps.Bot.CycleCount(),
		"stream_enabled":         cfg.StreamEnabled,
	}
	if last, ok := s.deps.Bot.LastCycle(); ok {
		resp["last_cycle"] = gin.H{
			"id":          last.ID,
			"result":      last.Result,
			"finished_at": last.FinishedAt,
			"signal":      last.Signal.Signal,
			"action":      last.Outcome.Action,
			"status":      last.Outcome.Status,
		}
	}
	if stats, ok := s.deps.Bot.StreamStats(); ok {
		resp["stream"] = stats
	}
	if s.hub != nil {
		resp["ws_clients"] = s.hub.GetClientCount()
	}
	successResponse(c, resp)
}

func (s *Server) handleLastCycle(c *gin.Context) {
	last, ok := s.deps.Bot.LastCycle()
	if !ok {
		errorResponse(c, http.StatusNotFound, "no cycle has run yet")
		return
	}
	successResponse(c, last)
}

func (s *Server) handlePosition(c *gin.Context) {
	pair := s.deps.Bot.Config().Pair
	held, err := s.deps.Positions.HeldAsset(c.Request.Context(), pair)
	if err != nil {
		s.logger.Error("failed to read held asset", "error", err)
		errorResponse(c, http.StatusInternalServerError, "failed to read position")
		return
	}
	successResponse(c, gin.H{
		"symbol": pair.Symbol,
		"held":   held,
		"asset":  pair.Asset(held),
	})
}

// handleCandles serves /api/candles/:granularity?limit=N or ?from=&to=
// where from and to are unix milliseconds or RFC3339.
func (s *Server) handleCandles(c *gin.Context) {
	g := market.Granularity(c.Param("granularity"))
	if !g.Valid() {
		errorResponse(c, http.StatusBadRequest, "unknown granularity "+string(g))
		return
	}
	symbol := s.deps.Bot.Config().Pair.Symbol
	ctx := c.Request.Context()

	if c.Query("from") != "" || c.Query("to") != "" {
		from, err := parseTime(c.Query("from"), time.Unix(0, 0))
		if err != nil {
			errorResponse(c, http.StatusBadRequest, "invalid from: "+err.Error())
			return
		}
		to, err := parseTime(c.Query("to"), time.Now())
		if err != nil {
			errorResponse(c, http.StatusBadRequest, "invalid to: "+err.Error())
			return
		}
		if to.Before(from) {
			errorResponse(c, http.StatusBadRequest, "to is before from")
			return
		}
		candles, err := s.deps.Candles.Range(ctx, symbol, g, from, to)
		if err != nil {
			s.logger.Error("candle range failed", "granularity", g.String(), "error", err)
			errorResponse(c, http.StatusInternalServerError, "failed to read candles")
			return
		}
		successResponse(c, gin.H{"symbol": symbol, "granularity": g, "candles": toCandleResponses(candles)})
		return
	}

	limit, err := parseLimit(c.Query("limit"), defaultCandleLimit, maxCandleLimit)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	candles, err := s.deps.Candles.LastN(ctx, symbol, g, limit)
	if errors.Is(err, history.ErrSeriesNotFound) {
		errorResponse(c, http.StatusNotFound, "no candles stored for "+symbol+" "+g.String())
		return
	}
	if err != nil {
		s.logger.Error("candle read failed", "granularity", g.String(), "error", err)
		errorResponse(c, http.StatusInternalServerError, "failed to read candles")
		return
	}
	total, _ := s.deps.Candles.Count(ctx, symbol, g)
	successResponse(c, gin.H{"symbol": symbol, "granularity": g, "total": total, "candles": toCandleResponses(candles)})
}

func (s *Server) handleTradeActions(c *gin.Context) {
	if s.deps.Journal == nil {
		errorResponse(c, http.StatusServiceUnavailable, "trade journal not configured")
		return
	}
	limit, err := parseLimit(c.Query("limit"), defaultActionLimit, maxActionLimit)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	symbol := c.DefaultQuery("symbol", s.deps.Bot.Config().Pair.Symbol)
	actions, err := s.deps.Journal.RecentTradeActions(c.Request.Context(), symbol, limit)
	if err != nil {
		s.logger.Error("failed to read trade actions", "error", err)
		errorResponse(c, http.StatusInternalServerError, "failed to read trade actions")
		return
	}
	successResponse(c, actions)
}

func parseLimit(raw string, def, max int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > max {
		n = max
	}
	return n, nil
}

func parseTime(raw string, def time.Time) (time.Time, error) {
	if raw == "" {
		return def, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return market.FromMillis(ms), nil
	}
	return time.Parse(time.RFC3339, raw)
}
