// Package catalog declares the collaborators the engine consumes from the
// surrounding catalog and finance systems.
package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrUnknownRecipient = errors.New("unknown_recipient")
	ErrRateUnavailable  = errors.New("rate_unavailable")
)

// EntityLookup answers whether a release or track exists in the catalog.
type EntityLookup interface {
	Exists(ctx context.Context, entityID string) (bool, error)
}

// Recipient carries the payout preferences of a rights-holder.
type Recipient struct {
	ID             string
	Method         string
	PayoutCurrency string
}

type RecipientDirectory interface {
	Resolve(ctx context.Context, recipientID string) (*Recipient, error)
}

// RateProvider returns how many units of `to` one unit of `from` buys at the
// given instant.
type RateProvider interface {
	Rate(ctx context.Context, from, to string, at time.Time) (decimal.Decimal, error)
}
