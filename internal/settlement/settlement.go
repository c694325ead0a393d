// Package settlement defines the chain-settlement collaborator: given a
// logical transfer request it returns a transaction reference proving the
// transfer occurred. The reference is an opaque string — the engine never
// parses it for meaning.
package settlement

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrUnavailable is returned when the settlement collaborator does not
// confirm within the configured timeout. Bookkeeping must not be finalized
// without a confirmed reference.
var ErrUnavailable = errors.New("settlement: collaborator unavailable")

// Transfer kinds.
const (
	KindRedemption = "redemption"
	KindPayout     = "payout"
)

// TransferRequest describes one logical transfer to settle.
type TransferRequest struct {
	Kind       string
	FunderID   string
	PositionID string
	Amount     decimal.Decimal
}

// Settler confirms transfers and returns settlement references.
type Settler interface {
	Settle(ctx context.Context, req TransferRequest) (string, error)
}

// Simulated is a deterministic in-process settler for deployments without a
// chain connection. The same transfer request always yields the same
// reference, so retried bookkeeping stays idempotent.
type Simulated struct{}

// NewSimulated creates a simulated settler.
func NewSimulated() *Simulated {
	return &Simulated{}
}

// Settle returns a deterministic simulated reference for the transfer.
func (s *Simulated) Settle(ctx context.Context, req TransferRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	sum := sha256.Sum256([]byte(req.Kind + "|" + req.FunderID + "|" + req.PositionID + "|" + req.Amount.String()))
	return "SIM-" + hex.EncodeToString(sum[:16]), nil
}

// timeoutSettler bounds how long a settlement attempt may block.
type timeoutSettler struct {
	inner   Settler
	timeout time.Duration
}

// WithTimeout wraps a settler so calls are bounded by the given timeout.
// A deadline expiry surfaces as ErrUnavailable.
func WithTimeout(inner Settler, timeout time.Duration) Settler {
	return &timeoutSettler{inner: inner, timeout: timeout}
}

func (s *timeoutSettler) Settle(ctx context.Context, req TransferRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	type result struct {
		ref string
		err error
	}
	done := make(chan result, 1)
	go func() {
		ref, err := s.inner.Settle(ctx, req)
		done <- result{ref, err}
	}()

	select {
	case r := <-done:
		if errors.Is(r.err, context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: timed out after %s", ErrUnavailable, s.timeout)
		}
		return r.ref, r.err
	case <-ctx.Done():
		return "", fmt.Errorf("%w: timed out after %s", ErrUnavailable, s.timeout)
	}
}
