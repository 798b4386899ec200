// Package redact removes off-platform contact details from free text.
//
// Redaction is pure and deterministic. Overlapping detections are resolved by
// accepting the longest match first and then re-scanning only the text that is
// still uncovered, so no byte is ever redacted twice. Placeholders contain no
// detectable contact shape, which makes Redact idempotent on its own output.
package redact

import (
	"regexp"
	"sort"
	"strings"

	"github.com/tullo/moderation/internal/models"
)

const (
	EmailPlaceholder   = "[EMAIL REDACTED]"
	PhonePlaceholder   = "[PHONE REDACTED]"
	ContactPlaceholder = "[CONTACT REDACTED]"
)

const (
	minPhoneDigits = 7
	maxPhoneDigits = 15
)

var (
	emailRe           = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9\-]+(?:\.[A-Za-z0-9\-]+)*\.[A-Za-z]{2,}`)
	obfuscatedEmailRe = regexp.MustCompile(`(?i)[A-Za-z0-9._%+\-]+\s*(?:\(at\)|\[at\]|\{at\})\s*[A-Za-z0-9\-]+\s*(?:\(dot\)|\[dot\]|\{dot\})\s*[A-Za-z]{2,}`)
	phoneRe           = regexp.MustCompile(`\+?\(?\d[\d\s().\-]{4,}\d`)
	dateRe            = regexp.MustCompile(`^\d{1,4}[./\-]\d{1,2}[./\-]\d{1,4}$`)
	handleRe          = regexp.MustCompile(`(?:^|[^\w@.])(@[A-Za-z0-9_](?:[A-Za-z0-9_.]{0,28}[A-Za-z0-9_])?)`)
	labeledHandleRe   = regexp.MustCompile(`(?i)\b(?:ig|insta|instagram|snap|snapchat|telegram|whatsapp|discord|kik|wechat)\s*[:=]\s*[A-Za-z0-9_.\-#]{3,32}`)
	inviteLinkRe      = regexp.MustCompile(`(?i)\b(?:https?://)?(?:www\.)?(?:chat\.whatsapp\.com|api\.whatsapp\.com|wa\.me|t\.me|telegram\.me|telegram\.dog|discord\.gg|discord(?:app)?\.com/invite|m\.me|line\.me|signal\.me|signal\.group|snapchat\.com/add|kik\.me|ig\.me|instagram\.com|invite\.viber\.com|viber\.me)(?:/[^\s\[\]]*)?`)
)

// Result is the redacted text plus the spans that were replaced, in original byte offsets.
type Result struct {
	Text  string                 `json:"text"`
	Spans []models.RedactionSpan `json:"spans"`
}

type detector struct {
	spanType models.SpanType
	find     func(s string) [][2]int
}

// order doubles as the tie-break priority for equal-length matches
var detectors = []detector{
	{models.SpanLink, regexFinder(inviteLinkRe, 0)},
	{models.SpanEmail, regexFinder(emailRe, 0)},
	{models.SpanEmail, regexFinder(obfuscatedEmailRe, 0)},
	{models.SpanPhone, findPhones},
	{models.SpanSocialHandle, regexFinder(handleRe, 1)},
	{models.SpanSocialHandle, regexFinder(labeledHandleRe, 0)},
}

// Redact replaces every detected contact detail with its placeholder.
func Redact(text string) Result {
	spans := []models.RedactionSpan{}
	for {
		next, ok := longestCandidate(text, spans)
		if !ok {
			break
		}
		spans = append(spans, next)
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].Start < spans[j].Start })

	if len(spans) == 0 {
		return Result{Text: text, Spans: spans}
	}

	var b strings.Builder
	b.Grow(len(text))
	last := 0
	for _, s := range spans {
		b.WriteString(text[last:s.Start])
		b.WriteString(Placeholder(s.Type))
		last = s.End
	}
	b.WriteString(text[last:])
	return Result{Text: b.String(), Spans: spans}
}

// Placeholder returns the fixed token that replaces a span of the given type.
func Placeholder(t models.SpanType) string {
	switch t {
	case models.SpanEmail:
		return EmailPlaceholder
	case models.SpanPhone:
		return PhonePlaceholder
	}
	return ContactPlaceholder
}

// longestCandidate scans every uncovered gap and returns the longest match.
// Ties go to the earlier start, then to detector order.
func longestCandidate(text string, covered []models.RedactionSpan) (models.RedactionSpan, bool) {
	var (
		best  models.RedactionSpan
		found bool
	)
	for _, gap := range uncovered(len(text), covered) {
		segment := text[gap[0]:gap[1]]
		for _, d := range detectors {
			for _, m := range d.find(segment) {
				cand := models.RedactionSpan{Start: gap[0] + m[0], End: gap[0] + m[1], Type: d.spanType}
				if cand.End <= cand.Start {
					continue
				}
				if !found || longer(cand, best) {
					best = cand
					found = true
				}
			}
		}
	}
	return best, found
}

func longer(a, b models.RedactionSpan) bool {
	la, lb := a.End-a.Start, b.End-b.Start
	if la != lb {
		return la > lb
	}
	return a.Start < b.Start
}

// uncovered returns the [start,end) ranges of text not claimed by any span.
func uncovered(n int, covered []models.RedactionSpan) [][2]int {
	if len(covered) == 0 {
		return [][2]int{{0, n}}
	}
	sorted := make([]models.RedactionSpan, len(covered))
	copy(sorted, covered)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	gaps := [][2]int{}
	pos := 0
	for _, s := range sorted {
		if s.Start > pos {
			gaps = append(gaps, [2]int{pos, s.Start})
		}
		if s.End > pos {
			pos = s.End
		}
	}
	if pos < n {
		gaps = append(gaps, [2]int{pos, n})
	}
	return gaps
}

func regexFinder(re *regexp.Regexp, group int) func(string) [][2]int {
	return func(s string) [][2]int {
		idx := re.FindAllStringSubmatchIndex(s, -1)
		out := make([][2]int, 0, len(idx))
		for _, m := range idx {
			start, end := m[2*group], m[2*group+1]
			if start < 0 {
				continue
			}
			out = append(out, [2]int{start, end})
		}
		return out
	}
}

// findPhones returns digit runs that look like phone numbers. A run that fails
// validation as a whole (too many digits, or a date) is split on whitespace and
// the longest valid sub-runs are kept.
func findPhones(s string) [][2]int {
	out := [][2]int{}
	for _, m := range phoneRe.FindAllStringIndex(s, -1) {
		run := s[m[0]:m[1]]
		if isPhone(run) {
			out = append(out, [2]int{m[0], m[1]})
			continue
		}
		for _, sub := range splitPhoneRun(run) {
			out = append(out, [2]int{m[0] + sub[0], m[0] + sub[1]})
		}
	}
	return out
}

func splitPhoneRun(run string) [][2]int {
	out := [][2]int{}
	group := [][2]int{}
	flush := func() {
		out = append(out, longestPhones(run, group)...)
		group = group[:0]
	}
	for _, p := range fieldsIndex(run) {
		if isDate(run[p[0]:p[1]]) {
			flush()
			continue
		}
		group = append(group, p)
	}
	flush()
	return out
}

// longestPhones walks whitespace-separated pieces left to right, taking the
// longest run of pieces that validates as a phone number at each position.
func longestPhones(run string, pieces [][2]int) [][2]int {
	out := [][2]int{}
	for i := 0; i < len(pieces); {
		match := -1
		for j := len(pieces) - 1; j >= i; j-- {
			if isPhone(run[pieces[i][0]:pieces[j][1]]) {
				match = j
				break
			}
		}
		if match < 0 {
			i++
			continue
		}
		out = append(out, [2]int{pieces[i][0], pieces[match][1]})
		i = match + 1
	}
	return out
}

// fieldsIndex is strings.Fields that keeps byte offsets.
func fieldsIndex(s string) [][2]int {
	out := [][2]int{}
	start := -1
	for i, r := range s {
		space := r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f'
		switch {
		case space && start >= 0:
			out = append(out, [2]int{start, i})
			start = -1
		case !space && start < 0:
			start = i
		}
	}
	if start >= 0 {
		out = append(out, [2]int{start, len(s)})
	}
	return out
}

func isPhone(candidate string) bool {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" || isDate(candidate) {
		return false
	}
	digits := 0
	for _, r := range candidate {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	return digits >= minPhoneDigits && digits <= maxPhoneDigits
}

func isDate(piece string) bool {
	return dateRe.MatchString(strings.Trim(piece, " \t\r\n.-"))
}
