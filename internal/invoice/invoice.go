// Package invoice handles platform invoice reference parsing and validation.
//
// Allocations may link a position to the invoice whose financing it funds.
// The reference itself is minted by the onboarding service; this package only
// validates the format and extracts its parts.
package invoice

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// refRegex matches: INV-{orgID}-{seq}-{YYYYMMDD}
// Example: INV-ACME01-000042-20260815
var refRegex = regexp.MustCompile(
	`^INV-([A-Z0-9]+)-(\d+)-(\d{8})$`,
)

// ErrInvalidRef is returned when a reference does not match the platform
// invoice format.
var ErrInvalidRef = errors.New("invoice: invalid reference format")

// Invoice represents a parsed invoice reference.
type Invoice struct {
	Ref       string    `json:"ref"`
	OrgID     string    `json:"org_id"`
	Sequence  string    `json:"sequence"`
	IssueDate time.Time `json:"issue_date"`
}

// ParseRef parses and validates an invoice reference string.
// Format: INV-{orgID}-{seq}-{YYYYMMDD}
func ParseRef(ref string) (*Invoice, error) {
	matches := refRegex.FindStringSubmatch(ref)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected INV-{org}-{seq}-{YYYYMMDD})",
			ErrInvalidRef, ref)
	}

	issued, err := time.Parse("20060102", matches[3])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid date %s", ErrInvalidRef, matches[3])
	}

	return &Invoice{
		Ref:       ref,
		OrgID:     matches[1],
		Sequence:  matches[2],
		IssueDate: issued,
	}, nil
}
