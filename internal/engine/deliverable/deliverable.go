// Package deliverable validates evidence records against a work item's
// deliverable requirement. Validation is pure and side-effect free.
package deliverable

import (
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"crewcall/internal/config"
	"crewcall/internal/domain"
)

var validate = validator.New()

type link struct {
	URL   string `validate:"required"`
	Title string `validate:"required"`
}

// TooShortError is the typed refusal for a summary below the minimum. Missing
// tells the caller exactly how many characters are still needed.
type TooShortError struct {
	Length  int
	Min     int
	Missing int
}

func (e TooShortError) Error() string {
	return fmt.Sprintf("deliverable summary is %d characters; %d required (%d more needed)", e.Length, e.Min, e.Missing)
}

// LinkError identifies one malformed link by position rather than failing the
// whole submission opaquely.
type LinkError struct {
	Index  int
	URL    string
	Reason string
}

func (e LinkError) Error() string {
	return fmt.Sprintf("link %d (%s): %s", e.Index, e.URL, e.Reason)
}

// TooLongError bounds the next-steps field.
type TooLongError struct {
	Field  string
	Length int
	Max    int
}

func (e TooLongError) Error() string {
	return fmt.Sprintf("%s is %d characters; at most %d allowed", e.Field, e.Length, e.Max)
}

// Validate checks a candidate deliverable against the item's requirement.
// Links and next steps are validated regardless of requires_deliverable; the
// summary minimum applies only when the item demands evidence.
func Validate(cfg *config.Config, item domain.WorkItem, d domain.Deliverable) error {
	if err := ValidateShape(cfg, d); err != nil {
		return err
	}
	if item.RequiresDeliverable {
		return ValidateSummary(cfg, d.Summary)
	}
	return nil
}

// ValidateShape checks links and the next-steps ceiling without the summary
// minimum. Deliverable edits use it: the minimum is a submission gate, not an
// editing gate.
func ValidateShape(cfg *config.Config, d domain.Deliverable) error {
	if err := validateLinks(d.Links); err != nil {
		return err
	}
	if max := cfg.Deliverable.NextStepsMaxChars; utf8.RuneCountInString(d.NextSteps) > max {
		return TooLongError{Field: "next_steps", Length: utf8.RuneCountInString(d.NextSteps), Max: max}
	}
	return nil
}

// ValidateSummary enforces the trimmed minimum length on its own; submit,
// retry and mark-complete re-run it even when the deliverable is unchanged.
func ValidateSummary(cfg *config.Config, summary string) error {
	min := cfg.Deliverable.SummaryMinChars
	n := utf8.RuneCountInString(strings.TrimSpace(summary))
	if n < min {
		return TooShortError{Length: n, Min: min, Missing: min - n}
	}
	return nil
}

// validateLinks checks each (url, title) pair independently so the refusal
// names the offending position instead of failing the submission opaquely.
func validateLinks(links []domain.DeliverableLink) error {
	for i, l := range links {
		if err := validate.Struct(link{URL: l.URL, Title: strings.TrimSpace(l.Title)}); err != nil {
			reason := "url must be non-empty"
			if l.URL != "" {
				reason = "title must be non-empty"
			}
			return LinkError{Index: i, URL: l.URL, Reason: reason}
		}
		u, err := url.Parse(l.URL)
		if err != nil || !u.IsAbs() || u.Host == "" {
			return LinkError{Index: i, URL: l.URL, Reason: "must be a well-formed absolute URL"}
		}
	}
	return nil
}
