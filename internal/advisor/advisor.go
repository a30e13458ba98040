// Package advisor asks an LLM for a BUY/SELL/HOLD signal from multi-timeframe
// indicator snapshots.
package advisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"quantis-trader/internal/indicators"
	"quantis-trader/internal/logging"
	"quantis-trader/internal/market"
)

// Status tags a Result.
type Status string

const (
	StatusOK          Status = "ok"
	StatusUnavailable Status = "unavailable"
	StatusError       Status = "error"
)

// Result is the outcome of one signal request. Signal is set only when
// Status is StatusOK.
type Result struct {
	Status    Status `json:"status"`
	Signal    Signal `json:"signal,omitempty"`
	Rationale string `json:"rationale,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Raw       string `json:"-"`
	Err       error  `json:"-"`
}

// OK reports whether a signal is present.
func (r Result) OK() bool {
	return r.Status == StatusOK && r.Signal.Valid()
}

// Unavailable builds a result without a signal.
func Unavailable(reason string) Result {
	return Result{Status: StatusUnavailable, Reason: reason}
}

// Config holds advisor settings on top of the LLM client.
type Config struct {
	Client ClientConfig `json:"client" yaml:"client"`
	// RateLimitPerMin caps oracle calls; zero disables the cap.
	RateLimitPerMin int `json:"rate_limit_per_min" yaml:"rate_limit_per_min" default:"10" validate:"gte=0"`
}

// Advisor requests trade signals from an LLM.
type Advisor struct {
	client  Completer
	limiter *rate.Limiter
	logger  *logging.Logger
}

// New creates an Advisor over any Completer.
func New(client Completer, rateLimitPerMin int, logger *logging.Logger) *Advisor {
	if logger == nil {
		logger = logging.WithComponent("advisor")
	}
	a := &Advisor{client: client, logger: logger}
	if rateLimitPerMin > 0 {
		a.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(rateLimitPerMin)), rateLimitPerMin)
	}
	return a
}

// NewFromConfig creates an Advisor backed by the HTTP client.
func NewFromConfig(cfg Config, logger *logging.Logger) *Advisor {
	return New(NewClient(&cfg.Client), cfg.RateLimitPerMin, logger)
}

// RequestSignal asks the oracle for a signal. It never panics and never
// returns a signal it could not read unambiguously.
func (a *Advisor) RequestSignal(ctx context.Context, snapshots map[market.Granularity]indicators.Snapshot, symbol string, refPrice *float64) (res Result) {
	log := a.logger.WithField("symbol", symbol)

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("advisor panicked: %v", r)
			log.Error("signal request panicked", "error", err)
			res = Result{Status: StatusError, Reason: err.Error(), Err: err}
		}
	}()

	if a.client == nil {
		return Result{Status: StatusError, Reason: ErrNotConfigured.Error(), Err: ErrNotConfigured}
	}
	if len(snapshots) == 0 {
		return Unavailable("no indicator snapshots")
	}
	if a.limiter != nil && !a.limiter.Allow() {
		log.Warn("advisor rate limit exceeded")
		return Unavailable("rate limit exceeded")
	}

	prompt := BuildSignalPrompt(symbol, snapshots, refPrice)
	log.Debug("sending signal prompt", "prompt", prompt)

	start := time.Now()
	raw, err := a.client.Complete(ctx, SystemPromptSignal, prompt)
	if err != nil {
		if errors.Is(err, ErrNotConfigured) {
			log.Error("advisor not configured")
		} else {
			log.Error("signal request failed", "error", err, "duration", time.Since(start))
		}
		return Result{Status: StatusError, Reason: err.Error(), Err: fmt.Errorf("LLM request failed: %w", err)}
	}

	sig, rationale, ok := ParseSignal(raw)
	if !ok {
		log.Warn("unreadable signal response", "response", raw)
		return Result{Status: StatusUnavailable, Reason: "malformed response", Rationale: rationale, Raw: raw}
	}

	log.Info("signal received", "signal", string(sig), "duration", time.Since(start))
	return Result{Status: StatusOK, Signal: sig, Rationale: rationale, Raw: raw}
}
