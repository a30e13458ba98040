package advisor

import (
	"regexp"
	"strings"
)

// Signal is the three-valued oracle output.
type Signal string

const (
	SignalBuy  Signal = "BUY"
	SignalSell Signal = "SELL"
	SignalHold Signal = "HOLD"
)

// Valid reports whether s is one of the three tokens.
func (s Signal) Valid() bool {
	return s == SignalBuy || s == SignalSell || s == SignalHold
}

var (
	codeFence       = regexp.MustCompile("(?s)^```[a-zA-Z]*\\s*\\n?(.*?)\\n?```$")
	signalToken     = regexp.MustCompile(`\b(BUY|SELL|HOLD)\b`)
	justificationRe = regexp.MustCompile(`(?is)\bJUSTIFICATION\s*:\s*(.*)$`)
)

// stripMarkdownCodeBlock removes fenced or inline code formatting.
func stripMarkdownCodeBlock(response string) string {
	response = strings.TrimSpace(response)
	if m := codeFence.FindStringSubmatch(response); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	if len(response) > 1 && strings.HasPrefix(response, "`") && strings.HasSuffix(response, "`") {
		return strings.TrimSpace(strings.Trim(response, "`"))
	}
	return response
}

// bareToken trims decoration a model tends to add around a single word.
func bareToken(line string) Signal {
	return Signal(strings.ToUpper(strings.Trim(strings.TrimSpace(line), "*_`'\".!: ")))
}

// ParseSignal extracts the signal and rationale from raw model text. An exact
// token on the first line (or as the whole text) wins; otherwise the text is
// scanned for whole-word tokens and accepted only if exactly one distinct
// token appears outside the justification. ok is false when no signal can be
// determined.
func ParseSignal(raw string) (sig Signal, rationale string, ok bool) {
	text := stripMarkdownCodeBlock(raw)
	if text == "" {
		return "", "", false
	}

	body := text
	if m := justificationRe.FindStringSubmatchIndex(text); m != nil {
		rationale = strings.TrimSpace(text[m[2]:m[3]])
		body = text[:m[0]]
	}

	if s := bareToken(text); s.Valid() {
		return s, rationale, true
	}

	lines := strings.SplitN(strings.TrimSpace(body), "\n", 2)
	if s := bareToken(lines[0]); s.Valid() {
		if rationale == "" && len(lines) > 1 {
			rationale = strings.TrimSpace(lines[1])
		}
		return s, rationale, true
	}

	found := make(map[string]bool)
	for _, tok := range signalToken.FindAllString(strings.ToUpper(body), -1) {
		found[tok] = true
	}
	if len(found) != 1 {
		return "", rationale, false
	}
	for tok := range found {
		sig = Signal(tok)
	}
	return sig, rationale, true
}
