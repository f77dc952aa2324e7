package digest

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"digest_server/core/domain"
)

// Temporal extraction (T-ex): a deterministic mini-parser over subject and
// snippet that fills TemporalContext with intrinsic timestamps. It never
// consults the clock; a date it cannot anchor (no year stated) is left
// absent rather than guessed. Failure to parse is not an error.

var monthNums = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March,
	"apr": time.April, "may": time.May, "jun": time.June,
	"jul": time.July, "aug": time.August, "sep": time.September,
	"oct": time.October, "nov": time.November, "dec": time.December,
}

var (
	// "Fri Nov 21, 2025 6:30pm", "@ Mon Jan 5 2026 6pm", "Nov 21, 2025"
	wordDatePattern = regexp.MustCompile(`(?i)(?:(?:mon|tue|wed|thu|fri|sat|sun)[a-z]*,?\s+)?` +
		`(jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.?\s+(\d{1,2})(?:st|nd|rd|th)?,?\s+(\d{4})` +
		`(?:\s*(?:@|at)?\s*(\d{1,2})(?::(\d{2}))?\s*(am|pm)?)?`)

	// "2025-11-21", "2025-11-21T18:30", "2025-11-21 18:30"
	isoDatePattern = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})(?:[T ](\d{2}):(\d{2})(?::\d{2})?Z?)?`)

	// "11/21/2025" (month first)
	slashDatePattern = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})/(\d{4})\b`)

	// Cue words deciding which TemporalContext field a found timestamp fills.
	deliveredCue = regexp.MustCompile(`(?i)\bdeliver(?:ed|y)\b|\barriv(?:ed|ing|al)\b|\bout\s+for\s+delivery\b`)
	expiresCue   = regexp.MustCompile(`(?i)\bexpir(?:es?|ing|ation)\b|\bvalid\s+(?:until|through)\b|\bends?\s+on\b`)
	purchaseCue  = regexp.MustCompile(`(?i)\bpurchas(?:ed?|e\s+date)\b|\border\s+placed\b|\bpayment\s+(?:received|processed|confirmed)\b|\bcharged\b`)

	// "6:30pm - 8:00pm" range on the same date.
	timeRangePattern = regexp.MustCompile(`(?i)(\d{1,2})(?::(\d{2}))?\s*(am|pm)?\s*[-–]\s*(\d{1,2})(?::(\d{2}))?\s*(am|pm)`)
)

// NewExtractStage builds the T-ex stage.
func NewExtractStage() *Stage {
	return &Stage{
		Name:    "temporal_extract",
		Inputs:  []Key{KeyMessages},
		Outputs: []Key{KeyTemporal},
		Run:     runExtract,
	}
}

func runExtract(sc *StageContext) error {
	v, err := sc.Get(KeyMessages)
	if err != nil {
		return err
	}
	messages, _ := v.([]domain.ClassifiedEmail)

	temporal := make(map[string]*domain.TemporalContext, len(messages))
	for i := range messages {
		m := &messages[i]
		// A caller-supplied context wins over re-parsing.
		if m.Temporal != nil && !m.Temporal.Empty() {
			if m.Temporal.Validate() == nil {
				temporal[m.Email.ID] = m.Temporal
				continue
			}
			sc.Warn("message %s: invalid supplied temporal context ignored", m.Email.ID)
		}
		tc := ExtractTemporal(m.Email.Subject, m.Email.Snippet)
		if !tc.Empty() {
			temporal[m.Email.ID] = tc
		}
	}
	return sc.Set(KeyTemporal, temporal)
}

// ExtractTemporal parses intrinsic timestamps out of one message's text.
// Exported for the extractor stage tests and the /classify enrichment path.
func ExtractTemporal(subject, snippet string) *domain.TemporalContext {
	text := subject + "\n" + snippet
	tc := &domain.TemporalContext{}

	when, ok := firstTimestamp(text)
	if !ok {
		return tc
	}

	switch {
	case deliveredCue.MatchString(text):
		tc.DeliveryDate = &when
	case expiresCue.MatchString(text):
		tc.ExpirationDate = &when
	case purchaseCue.MatchString(text):
		tc.PurchaseDate = &when
	default:
		// With an event cue or none at all, the timestamp reads as an event
		// start; a time range on the same line supplies the end.
		tc.EventStart = &when
		if end, ok := rangeEnd(text, when); ok {
			tc.EventEnd = &end
		}
	}

	if tc.Validate() != nil {
		tc.EventEnd = nil
	}
	return tc
}

// firstTimestamp finds the first parseable timestamp in the text. All wall
// times are taken as UTC; the enricher renders them in the user's timezone.
func firstTimestamp(text string) (time.Time, bool) {
	if m := wordDatePattern.FindStringSubmatch(text); m != nil {
		month := monthNums[strings.ToLower(m[1])]
		day, _ := strconv.Atoi(m[2])
		year, _ := strconv.Atoi(m[3])
		hour, minute := parseClock(m[4], m[5], m[6])
		if validDate(year, month, day) {
			return time.Date(year, month, day, hour, minute, 0, 0, time.UTC), true
		}
	}
	if m := isoDatePattern.FindStringSubmatch(text); m != nil {
		year, _ := strconv.Atoi(m[1])
		mon, _ := strconv.Atoi(m[2])
		day, _ := strconv.Atoi(m[3])
		hour, minute := 0, 0
		if m[4] != "" {
			hour, _ = strconv.Atoi(m[4])
			minute, _ = strconv.Atoi(m[5])
		}
		if mon >= 1 && mon <= 12 && validDate(year, time.Month(mon), day) {
			return time.Date(year, time.Month(mon), day, hour, minute, 0, 0, time.UTC), true
		}
	}
	if m := slashDatePattern.FindStringSubmatch(text); m != nil {
		mon, _ := strconv.Atoi(m[1])
		day, _ := strconv.Atoi(m[2])
		year, _ := strconv.Atoi(m[3])
		if mon >= 1 && mon <= 12 && validDate(year, time.Month(mon), day) {
			return time.Date(year, time.Month(mon), day, 0, 0, 0, 0, time.UTC), true
		}
	}
	return time.Time{}, false
}

// rangeEnd resolves "6:30pm - 8pm" style ranges against the found start date.
func rangeEnd(text string, start time.Time) (time.Time, bool) {
	m := timeRangePattern.FindStringSubmatch(text)
	if m == nil {
		return time.Time{}, false
	}
	hour, minute := parseClock(m[4], m[5], m[6])
	end := time.Date(start.Year(), start.Month(), start.Day(), hour, minute, 0, 0, time.UTC)
	if end.Before(start) {
		return time.Time{}, false
	}
	return end, true
}

// parseClock converts hour/minute/meridiem captures; empty hour means 00:00.
func parseClock(h, m, mer string) (int, int) {
	if h == "" {
		return 0, 0
	}
	hour, _ := strconv.Atoi(h)
	minute := 0
	if m != "" {
		minute, _ = strconv.Atoi(m)
	}
	switch strings.ToLower(mer) {
	case "pm":
		if hour < 12 {
			hour += 12
		}
	case "am":
		if hour == 12 {
			hour = 0
		}
	}
	if hour > 23 || minute > 59 {
		return 0, 0
	}
	return hour, minute
}

func validDate(year int, month time.Month, day int) bool {
	if year < 2000 || year > 2100 || day < 1 || day > 31 {
		return false
	}
	d := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	return d.Day() == day && d.Month() == month
}
