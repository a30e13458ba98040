package advisor

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"quantis-trader/internal/indicators"
	"quantis-trader/internal/market"
)

// SystemPromptSignal frames the short-horizon signal request.
const SystemPromptSignal = `You are a technical analysis assistant for the cryptocurrency spot market.
You give short-term trade signals (next few hours) from the indicator data provided. Be direct and objective.

Answer with exactly one word on the first line: BUY, SELL or HOLD.
On the second line write "JUSTIFICATION:" followed by one or two sentences.`

// BuildSignalPrompt renders the per-granularity snapshots in a fixed order,
// longest granularity first.
func BuildSignalPrompt(symbol string, snapshots map[market.Granularity]indicators.Snapshot, refPrice *float64) string {
	var sb strings.Builder

	price := "N/A"
	if refPrice != nil {
		price = strconv.FormatFloat(*refPrice, 'f', -1, 64)
	}
	fmt.Fprintf(&sb, "Approximate current price (%s): %s\n", symbol, price)
	fmt.Fprintf(&sb, "Multi-timeframe indicators for %s:\n", symbol)

	for _, g := range promptGranularities(snapshots) {
		snap := snapshots[g]
		fmt.Fprintf(&sb, "\n--- Timeframe %s ---\n", g)
		if !snap.Complete() {
			sb.WriteString("Data not available.\n")
			continue
		}
		for _, f := range snap.Fields() {
			fmt.Fprintf(&sb, "%s: %s\n", f.Name, strconv.FormatFloat(*f.Value, 'f', -1, 64))
		}
		if *snap.SMAFast > *snap.SMASlow {
			fmt.Fprintf(&sb, "Trend %s: UP\n", g)
		} else if *snap.SMAFast < *snap.SMASlow {
			fmt.Fprintf(&sb, "Trend %s: DOWN\n", g)
		} else {
			fmt.Fprintf(&sb, "Trend %s: SIDEWAYS\n", g)
		}
	}

	sb.WriteString(`
Instructions:
1. Consider the long-term trend (1M, 1w, 1d).
2. Analyse the medium-term trend (4h, 1h).
3. Use the short timeframes (15m, 5m, 1m) for timing and confirmation.
4. Look for confluence or divergence between timeframes.
5. Based on this analysis, what is the most appropriate signal for the NEXT FEW HOURS?

Reply with a single word on the first line: BUY, SELL or HOLD.
`)
	return sb.String()
}

// promptGranularities lists the keys of snapshots in PromptOrder, followed by
// any other labels sorted by duration.
func promptGranularities(snapshots map[market.Granularity]indicators.Snapshot) []market.Granularity {
	var out []market.Granularity
	seen := make(map[market.Granularity]bool)
	for _, g := range market.PromptOrder {
		if _, ok := snapshots[g]; ok {
			out = append(out, g)
			seen[g] = true
		}
	}

	var rest []market.Granularity
	for g := range snapshots {
		if !seen[g] {
			rest = append(rest, g)
		}
	}
	sort.Slice(rest, func(i, j int) bool {
		di, _ := rest[i].Duration()
		dj, _ := rest[j].Duration()
		if di != dj {
			return di > dj
		}
		return rest[i] < rest[j]
	})
	return append(out, rest...)
}
