package invoice_test

import (
	"errors"
	"testing"
	"time"

	"github.com/faktora/pool-engine/internal/invoice"
)

func TestParseRef_Valid(t *testing.T) {
	inv, err := invoice.ParseRef("INV-ACME01-000042-20260815")
	if err != nil {
		t.Fatalf("valid reference rejected: %v", err)
	}

	if inv.OrgID != "ACME01" {
		t.Errorf("expected org ACME01, got %s", inv.OrgID)
	}
	if inv.Sequence != "000042" {
		t.Errorf("expected sequence 000042, got %s", inv.Sequence)
	}
	want := time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC)
	if !inv.IssueDate.Equal(want) {
		t.Errorf("expected issue date %s, got %s", want, inv.IssueDate)
	}
}

func TestParseRef_Invalid(t *testing.T) {
	bad := []string{
		"",
		"INVOICE-ACME01-000042-20260815",
		"INV-acme01-000042-20260815", // lowercase org
		"INV-ACME01-000042",          // missing date
		"INV-ACME01-000042-2026081",  // short date
		"INV-ACME01-000042-20261345", // impossible date
	}

	for _, ref := range bad {
		if _, err := invoice.ParseRef(ref); !errors.Is(err, invoice.ErrInvalidRef) {
			t.Errorf("expected ErrInvalidRef for %q, got %v", ref, err)
		}
	}
}
