package capsule

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/Iron-Ham/simpleaide/internal/errors"
	"github.com/Iron-Ham/simpleaide/internal/util"
)

// Scanner defaults.
const (
	DefaultEntropyThreshold = 4.5
	DefaultMinSecretLength  = 20
)

// previewKeep is how many characters each end of a match keeps in a preview.
const previewKeep = 4

type secretRule struct {
	name string
	re   *regexp.Regexp
}

var secretRules = []secretRule{
	{"private_key", regexp.MustCompile(`-----BEGIN (?:[A-Z]+ )*PRIVATE KEY(?: BLOCK)?-----`)},
	{"aws_access_key_id", regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`)},
	{"github_token", regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`)},
	{"github_pat", regexp.MustCompile(`\bgithub_pat_[A-Za-z0-9_]{22,}\b`)},
	{"gitlab_token", regexp.MustCompile(`\bglpat-[A-Za-z0-9_-]{20,}\b`)},
	{"slack_token", regexp.MustCompile(`\bxox[abposr]-[A-Za-z0-9-]{10,}\b`)},
	{"stripe_key", regexp.MustCompile(`\b[sr]k_live_[A-Za-z0-9]{20,}\b`)},
	{"google_api_key", regexp.MustCompile(`\bAIza[0-9A-Za-z_-]{35}\b`)},
	{"jwt", regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{10,}\.eyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\b`)},
	{"password_assignment", regexp.MustCompile(`(?i)\b(?:password|passwd|secret|api_?key|access_?token)\s*[:=]\s*["']([^"'\s]{8,})["']`)},
}

// candidateRegex finds tokens worth an entropy check.
var candidateRegex = regexp.MustCompile(`[A-Za-z0-9+/=_\-]+`)

// Scanner detects likely secrets with known-format rules plus a Shannon
// entropy check on long tokens.
type Scanner struct {
	entropyThreshold float64
	minLength        int
}

// NewScanner creates a Scanner. Non-positive arguments use the defaults.
func NewScanner(entropyThreshold float64, minLength int) *Scanner {
	if entropyThreshold <= 0 {
		entropyThreshold = DefaultEntropyThreshold
	}
	if minLength <= 0 {
		minLength = DefaultMinSecretLength
	}
	return &Scanner{entropyThreshold: entropyThreshold, minLength: minLength}
}

// Scan returns findings ordered by line and column. Lines and columns are
// 1-based; columns count characters, not bytes.
func (s *Scanner) Scan(content string) []errors.SecretFinding {
	var findings []errors.SecretFinding

	for i, line := range strings.Split(content, "\n") {
		lineNo := i + 1
		var covered [][2]int

		for _, rule := range secretRules {
			for _, loc := range rule.re.FindAllStringSubmatchIndex(line, -1) {
				start, end := loc[0], loc[1]
				// Rules with a capture group report only the value.
				if len(loc) >= 4 && loc[2] >= 0 {
					start, end = loc[2], loc[3]
				}
				covered = append(covered, [2]int{start, end})
				findings = append(findings, errors.SecretFinding{
					Type:         rule.name,
					Line:         lineNo,
					Column:       utf8.RuneCountInString(line[:start]) + 1,
					MatchPreview: util.MaskMiddle(line[start:end], previewKeep),
				})
			}
		}

		for _, loc := range candidateRegex.FindAllStringIndex(line, -1) {
			token := line[loc[0]:loc[1]]
			if len(token) < s.minLength || overlaps(covered, loc[0], loc[1]) {
				continue
			}
			entropy := ShannonEntropy(token)
			if entropy < s.entropyThreshold {
				continue
			}
			e := math.Round(entropy*100) / 100
			findings = append(findings, errors.SecretFinding{
				Type:         "high_entropy_string",
				Line:         lineNo,
				Column:       utf8.RuneCountInString(line[:loc[0]]) + 1,
				MatchPreview: util.MaskMiddle(token, previewKeep),
				Entropy:      &e,
			})
		}
	}

	sort.SliceStable(findings, func(i, j int) bool {
		if findings[i].Line != findings[j].Line {
			return findings[i].Line < findings[j].Line
		}
		return findings[i].Column < findings[j].Column
	})
	return findings
}

// ShannonEntropy returns the entropy of s in bits per character.
func ShannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	counts := make(map[rune]int)
	total := 0
	for _, r := range s {
		counts[r]++
		total++
	}
	var entropy float64
	for _, c := range counts {
		p := float64(c) / float64(total)
		entropy -= p * math.Log2(p)
	}
	return entropy
}

func overlaps(ranges [][2]int, start, end int) bool {
	for _, r := range ranges {
		if start < r[1] && r[0] < end {
			return true
		}
	}
	return false
}
