package fallback

import (
	"math/rand/v2"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/BTreeMap/FlowPipe/internal/config"
)

// maxParts is the largest number of parts a reply is delivered in before
// it is merged back into two.
const maxParts = 3

var sentenceEnd = regexp.MustCompile(`[.!?…]+["')\]]*\s+`)

// SplitReply breaks text into parts of at most maxChars when it is longer
// than that. Sentences are packed greedily and never cut, so a sentence over
// the budget is a part of its own. A split that yields more than three parts
// is merged into two at the part boundary closest to the middle.
func SplitReply(text string, maxChars int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if maxChars <= 0 || utf8.RuneCountInString(text) <= maxChars {
		return []string{text}
	}

	var parts []string
	for _, para := range strings.Split(text, "\n\n") {
		parts = append(parts, pack(sentences(para), maxChars)...)
	}
	if len(parts) <= maxParts {
		return parts
	}
	return mergeInTwo(parts)
}

func pack(sents []string, maxChars int) []string {
	var out []string
	cur, curLen := "", 0
	for _, sent := range sents {
		n := utf8.RuneCountInString(sent)
		if cur != "" && curLen+1+n <= maxChars {
			cur += " " + sent
			curLen += 1 + n
			continue
		}
		if cur != "" {
			out = append(out, cur)
		}
		cur, curLen = sent, n
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out
}

func sentences(s string) []string {
	var out []string
	last := 0
	for _, loc := range sentenceEnd.FindAllStringIndex(s, -1) {
		if seg := strings.TrimSpace(s[last:loc[1]]); seg != "" {
			out = append(out, seg)
		}
		last = loc[1]
	}
	if seg := strings.TrimSpace(s[last:]); seg != "" {
		out = append(out, seg)
	}
	return out
}

func mergeInTwo(parts []string) []string {
	total := 0
	for _, p := range parts {
		total += utf8.RuneCountInString(p)
	}
	best, bestDiff, acc := 1, -1, 0
	for i := 0; i < len(parts)-1; i++ {
		acc += utf8.RuneCountInString(parts[i])
		diff := acc*2 - total
		if diff < 0 {
			diff = -diff
		}
		if bestDiff < 0 || diff < bestDiff {
			best, bestDiff = i+1, diff
		}
	}
	return []string{strings.Join(parts[:best], " "), strings.Join(parts[best:], " ")}
}

// PlanDelays computes the wait before each part: proportional to its length,
// with random jitter of ±p.Jitter, clamped to [p.Min, p.Max]. rnd returns
// values in [0,1); nil uses the global source.
func PlanDelays(parts []string, p config.Pacing, rnd func() float64) []time.Duration {
	if rnd == nil {
		rnd = rand.Float64
	}
	out := make([]time.Duration, len(parts))
	for i, part := range parts {
		base := float64(utf8.RuneCountInString(part)) * float64(p.PerChar)
		factor := 1 + p.Jitter*(2*rnd()-1)
		d := time.Duration(base * factor)
		if d < p.Min {
			d = p.Min
		}
		if p.Max > 0 && d > p.Max {
			d = p.Max
		}
		out[i] = d
	}
	return out
}
