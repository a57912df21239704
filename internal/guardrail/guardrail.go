// Package guardrail inspects inbound chat messages for length/prompt
// injection violations and redacts PII from both inbound and outbound
// text, grounded in the original's Guardrails/_PII_PATTERNS/_redact.
package guardrail

import (
	"regexp"
	"strings"
)

const redactedMarker = "[REDACTED]"

// Config is the "Guardrails" knob group from spec §6.
type Config struct {
	MaxInputChars int
	BannedPhrases []string
	PIIPatterns   []string
}

// Guardrail holds compiled banned-phrase and PII-pattern matchers built
// from a Config.
type Guardrail struct {
	maxInputChars int
	banned        []string
	piiPatterns   []*regexp.Regexp
}

// New compiles cfg into a Guardrail. Patterns that fail to compile are
// skipped rather than causing startup failure, since they come from
// operator-supplied configuration.
func New(cfg Config) *Guardrail {
	g := &Guardrail{maxInputChars: cfg.MaxInputChars}
	for _, phrase := range cfg.BannedPhrases {
		if phrase == "" {
			continue
		}
		g.banned = append(g.banned, strings.ToLower(phrase))
	}
	for _, pattern := range cfg.PIIPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			continue
		}
		g.piiPatterns = append(g.piiPatterns, re)
	}
	return g
}

// Result is the outcome of inspecting an inbound message.
type Result struct {
	Allowed  bool
	Reason   string
	Redacted string
}

// InspectInput checks text against the length and banned-phrase rules,
// operating on the original text, then returns a PII-redacted copy for
// downstream use (retrieval, prompting) when the message is allowed.
func (g *Guardrail) InspectInput(text string) Result {
	if g.maxInputChars > 0 && len([]rune(text)) > g.maxInputChars {
		return Result{Allowed: false, Reason: "input_too_large"}
	}
	lower := strings.ToLower(text)
	for _, phrase := range g.banned {
		if strings.Contains(lower, phrase) {
			return Result{Allowed: false, Reason: "prompt_injection_detected"}
		}
	}
	return Result{Allowed: true, Redacted: g.Redact(text)}
}

// Redact replaces every PII pattern match in text with a redaction
// marker. Used both on the sanitized inbound message and on every
// outbound answer.
func (g *Guardrail) Redact(text string) string {
	redacted := text
	for _, re := range g.piiPatterns {
		redacted = re.ReplaceAllString(redacted, redactedMarker)
	}
	return redacted
}

// HistoryTurn is one prior exchange turn, keyed by role ("user"/"assistant").
type HistoryTurn struct {
	Role    string
	Content string
}

const historyTurnCharLimit = 400

// SummarizeHistory renders prior turns into truncated "role: content"
// lines for prompt conditioning, mirroring summarize_history's 400-char
// per-turn cap.
func SummarizeHistory(history []HistoryTurn) string {
	if len(history) == 0 {
		return ""
	}
	lines := make([]string, 0, len(history))
	for _, turn := range history {
		trimmed := strings.TrimSpace(turn.Content)
		runes := []rune(trimmed)
		if len(runes) > historyTurnCharLimit {
			trimmed = string(runes[:historyTurnCharLimit]) + "…"
		}
		lines = append(lines, turn.Role+": "+trimmed)
	}
	return strings.Join(lines, "\n")
}
