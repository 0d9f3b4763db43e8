package processor

import (
	"regexp"
	"strings"
	"time"
)

var reviewedOn = regexp.MustCompile(`(?i)^reviewed\b.*\bon\s+(.+?)\s*$`)

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"January 2, 2006",
	"January 2 2006",
	"Jan 2, 2006",
	"Jan. 2, 2006",
	"2 January 2006",
	"01/02/2006",
}

// ParseReviewDate understands ISO-like dates and the site phrase
// "Reviewed in <place> on <Month> <Day>, <Year>". It returns nil when nothing
// matches.
func ParseReviewDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if m := reviewedOn.FindStringSubmatch(s); m != nil {
		s = m[1]
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
