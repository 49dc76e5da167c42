// Package redact scrubs secrets from agent output before it leaves the
// process, e.g. when a failure message is posted back to an issue tracker.
package redact

import (
	"math"
	"regexp"
	"sort"
	"strings"
)

// Mode selects how much is redacted.
type Mode string

const (
	ModeOff Mode = "off"
	// ModeBasic redacts configured secret values, env-style assignments,
	// sensitive headers and query parameters, PEM blocks and well-known
	// token prefixes.
	ModeBasic Mode = "basic"
	// ModeAggressive additionally redacts high-entropy strings.
	ModeAggressive Mode = "aggressive"

	DefaultReplacement = "***REDACTED***"

	minEntropyCandidateLen = 20
	minSecretLen           = 6
)

// ParseMode maps a config string to a Mode. Unknown values give ModeBasic.
func ParseMode(s string) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeOff:
		return ModeOff
	case ModeAggressive:
		return ModeAggressive
	default:
		return ModeBasic
	}
}

// Config configures a Redactor.
type Config struct {
	Mode Mode
	// Secrets are literal values (API tokens, passwords) that must never
	// appear in output. Values shorter than six characters are ignored.
	Secrets []string
	// Keys are extra env-style key suffixes to treat as secret, e.g. "_DSN".
	Keys        []string
	Replacement string
}

type rule struct {
	re   *regexp.Regexp
	repl string
}

// Redactor applies a fixed set of rules. It is safe for concurrent use.
type Redactor struct {
	mode        Mode
	replacement string
	secrets     []string
	rules       []rule
	candidate   *regexp.Regexp
}

var (
	sensitiveHeaders = []string{
		"Authorization", "Proxy-Authorization", "X-API-Key", "X-Auth-Token",
		"X-GitHub-Token", "Authentication", "Cookie", "Set-Cookie",
	}
	sensitiveParams = []string{
		"token", "key", "secret", "password", "api_key", "apikey",
		"access_token", "refresh_token", "auth_token", "authorization",
	}
	secretKeySuffixes = []string{"_TOKEN", "_KEY", "_SECRET", "_PASSWORD", "_AUTHORIZATION"}
	secretKeyExact    = []string{"API_KEY", "APIKEY", "AUTH_TOKEN", "PASSWORD", "SECRET"}
	knownPrefixes     = []struct{ prefix, pattern string }{
		{"ghp_", `ghp_[A-Za-z0-9_]{32,36}`},
		{"gho_", `gho_[A-Za-z0-9_]{32,36}`},
		{"ghu_", `ghu_[A-Za-z0-9_]{32,36}`},
		{"ghs_", `ghs_[A-Za-z0-9_]{32,36}`},
		{"ghr_", `ghr_[A-Za-z0-9_]{32,36}`},
		{"github_pat_", `github_pat_[A-Za-z0-9_]{40,90}`},
		{"sk-ant-", `sk-ant-[A-Za-z0-9_\-]{20,120}`},
		{"sk-", `sk-[A-Za-z0-9_]{26,46}`},
		{"xoxb-", `xoxb-[A-Za-z0-9\-]{26,46}`},
		{"xoxp-", `xoxp-[A-Za-z0-9\-]{26,46}`},
		{"AKIA", `AKIA[A-Z0-9]{16}`},
		{"ATATT", `ATATT[A-Za-z0-9_\-=]{20,300}`},
	}
)

// New compiles the rules for cfg.
func New(cfg Config) *Redactor {
	r := &Redactor{mode: cfg.Mode, replacement: cfg.Replacement}
	if r.mode == "" {
		r.mode = ModeBasic
	}
	if r.replacement == "" {
		r.replacement = DefaultReplacement
	}

	for _, s := range cfg.Secrets {
		if s = strings.TrimSpace(s); len(s) >= minSecretLen {
			r.secrets = append(r.secrets, s)
		}
	}
	// Longest first so a secret containing another is replaced whole.
	sort.Slice(r.secrets, func(i, j int) bool { return len(r.secrets[i]) > len(r.secrets[j]) })

	r.rules = append(r.rules, rule{
		re:   regexp.MustCompile(`-----BEGIN [A-Za-z0-9+/ -]+-----[\s\S]*?-----END [A-Za-z0-9+/ -]+-----`),
		repl: "-----BEGIN REDACTED-----\n" + r.replacement + "\n-----END REDACTED-----",
	})

	suffixes := append([]string{}, secretKeySuffixes...)
	suffixes = append(suffixes, cfg.Keys...)
	for _, s := range suffixes {
		r.rules = append(r.rules, rule{
			re:   regexp.MustCompile(`(\w*` + regexp.QuoteMeta(s) + `)\s*=\s*['"]?[^'"\s]+['"]?`),
			repl: "${1}=" + r.replacement,
		})
	}
	for _, k := range secretKeyExact {
		r.rules = append(r.rules, rule{
			re:   regexp.MustCompile(`\b(` + k + `)\s*=\s*['"]?[^'"\s]+['"]?`),
			repl: "${1}=" + r.replacement,
		})
	}
	for _, h := range sensitiveHeaders {
		r.rules = append(r.rules, rule{
			re:   regexp.MustCompile(`(?im)^(\s*` + regexp.QuoteMeta(h) + `)\s*:\s*\S[^\r\n]*`),
			repl: "${1}: " + r.replacement,
		})
	}
	for _, p := range sensitiveParams {
		r.rules = append(r.rules, rule{
			re:   regexp.MustCompile(`([?&]` + regexp.QuoteMeta(p) + `)=[^&\s#'"]+`),
			repl: "${1}=" + r.replacement,
		})
	}
	for _, kp := range knownPrefixes {
		r.rules = append(r.rules, rule{re: regexp.MustCompile(kp.pattern), repl: kp.prefix + r.replacement})
	}

	if r.mode == ModeAggressive {
		r.candidate = regexp.MustCompile(`\b[A-Za-z0-9_\-\.]{20,}\b`)
	}
	return r
}

// String returns s with secrets replaced.
func (r *Redactor) String(s string) string {
	if r == nil || r.mode == ModeOff {
		return s
	}
	for _, secret := range r.secrets {
		s = strings.ReplaceAll(s, secret, r.replacement)
	}
	for _, rl := range r.rules {
		s = rl.re.ReplaceAllString(s, rl.repl)
	}
	if r.candidate != nil {
		s = r.candidate.ReplaceAllStringFunc(s, func(m string) string {
			if isLikelyFalsePositive(m) || !isHighEntropy(m) {
				return m
			}
			return r.replacement
		})
	}
	return s
}

// Redact is the []byte form of String.
func (r *Redactor) Redact(data []byte) []byte {
	return []byte(r.String(string(data)))
}

// isHighEntropy reports whether the Shannon entropy of s exceeds 4 bits per
// character. Natural language sits below 3.5.
func isHighEntropy(s string) bool {
	if len(s) < minEntropyCandidateLen {
		return false
	}
	freq := make(map[rune]float64)
	for _, ch := range s {
		freq[ch]++
	}
	entropy := 0.0
	for _, count := range freq {
		p := count / float64(len(s))
		entropy -= p * math.Log2(p)
	}
	return entropy > 4.0
}

func isLikelyFalsePositive(s string) bool {
	if strings.ContainsAny(s, `/\`) {
		return true
	}
	if s == strings.ToLower(s) && len(s) < 30 {
		return true
	}
	if s == strings.ToUpper(s) && len(s) < 20 {
		return true
	}
	lower := 0
	for _, ch := range s {
		if ch >= 'a' && ch <= 'z' {
			lower++
		}
	}
	return float64(lower)/float64(len(s)) > 0.7
}
