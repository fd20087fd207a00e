package service

import (
	"math/big"
	"sort"

	allocationdomain "github.com/smallbiznis/royalty/internal/allocation/domain"
	ledgerdomain "github.com/smallbiznis/royalty/internal/ledger/domain"
	splitdomain "github.com/smallbiznis/royalty/internal/split/domain"
	"github.com/smallbiznis/royalty/pkg/money"
)

var hundredRat = big.NewRat(100, 1)

type recipientShare struct {
	recipientID string
	exact       *big.Rat
	rounded     int64
	remainder   *big.Rat
}

// Compute splits a fact across the resolved windows. Each recipient's exact
// share is amount x elapsed/period x percentage/100 summed over windows,
// rounded half to even; the rounding residual is handed out one minor unit at
// a time by largest remainder (ties by recipient id) so the allocations always
// sum to the fact amount. IDs and timestamps are left for the caller.
func Compute(fact ledgerdomain.RevenueFact, res *splitdomain.Resolution) []allocationdomain.Allocation {
	if res == nil || fact.Amount == 0 {
		return nil
	}

	amount := new(big.Rat).SetInt64(fact.Amount)
	exact := map[string]*big.Rat{}
	for _, w := range res.Windows {
		if w.PeriodLength <= 0 {
			continue
		}
		fraction := big.NewRat(int64(w.Elapsed), int64(w.PeriodLength))
		for _, share := range w.Shares {
			v := new(big.Rat).Mul(amount, fraction)
			v.Mul(v, share.Percentage.Rat())
			v.Quo(v, hundredRat)
			if cur, ok := exact[share.RecipientID]; ok {
				cur.Add(cur, v)
			} else {
				exact[share.RecipientID] = v
			}
		}
	}

	shares := make([]*recipientShare, 0, len(exact))
	var total int64
	for id, v := range exact {
		rounded := money.RoundHalfEven(v)
		shares = append(shares, &recipientShare{
			recipientID: id,
			exact:       v,
			rounded:     rounded,
			remainder:   new(big.Rat).Sub(v, new(big.Rat).SetInt64(rounded)),
		})
		total += rounded
	}
	distributeResidual(shares, fact.Amount-total)

	sort.Slice(shares, func(i, j int) bool { return shares[i].recipientID < shares[j].recipientID })

	out := make([]allocationdomain.Allocation, 0, len(shares))
	for _, s := range shares {
		if s.rounded == 0 {
			continue
		}
		out = append(out, allocationdomain.Allocation{
			RevenueFactID: fact.ID,
			SplitType:     string(res.SplitType),
			RecipientID:   s.recipientID,
			EntityID:      fact.EntityID,
			Amount:        s.rounded,
			Currency:      fact.Currency,
			PeriodStart:   fact.PeriodStart,
			PeriodEnd:     fact.PeriodEnd,
		})
	}
	return out
}

// distributeResidual moves residual minor units onto the shares whose exact
// value was rounded away the most.
func distributeResidual(shares []*recipientShare, residual int64) {
	if residual == 0 || len(shares) == 0 {
		return
	}

	ordered := make([]*recipientShare, len(shares))
	copy(ordered, shares)
	if residual > 0 {
		sort.SliceStable(ordered, func(i, j int) bool {
			if c := ordered[i].remainder.Cmp(ordered[j].remainder); c != 0 {
				return c > 0
			}
			return ordered[i].recipientID < ordered[j].recipientID
		})
	} else {
		sort.SliceStable(ordered, func(i, j int) bool {
			if c := ordered[i].remainder.Cmp(ordered[j].remainder); c != 0 {
				return c < 0
			}
			return ordered[i].recipientID < ordered[j].recipientID
		})
	}

	step := int64(1)
	if residual < 0 {
		step = -1
	}
	for i := 0; residual != 0; i++ {
		ordered[i%len(ordered)].rounded += step
		residual -= step
	}
}

// Negate mirrors allocations of an original fact onto its reversal.
func Negate(reversal ledgerdomain.RevenueFact, original []allocationdomain.Allocation) []allocationdomain.Allocation {
	out := make([]allocationdomain.Allocation, 0, len(original))
	for _, a := range original {
		out = append(out, allocationdomain.Allocation{
			RevenueFactID: reversal.ID,
			SplitType:     a.SplitType,
			RecipientID:   a.RecipientID,
			EntityID:      reversal.EntityID,
			Amount:        -a.Amount,
			Currency:      reversal.Currency,
			PeriodStart:   reversal.PeriodStart,
			PeriodEnd:     reversal.PeriodEnd,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecipientID < out[j].RecipientID })
	return out
}

func sumAmounts(allocations []allocationdomain.Allocation) int64 {
	var total int64
	for _, a := range allocations {
		total += a.Amount
	}
	return total
}
