package service

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/royalty/internal/royaltyerr"
	splitdomain "github.com/smallbiznis/royalty/internal/split/domain"
)

// buildResolution splits [PeriodStart, PeriodEnd) on every agreement boundary
// inside it and checks that each window is a full partition.
func buildResolution(req splitdomain.ResolveRequest, agreements []splitdomain.Agreement) (*splitdomain.Resolution, error) {
	boundaries := []time.Time{req.PeriodStart, req.PeriodEnd}
	boundaries = appendEffectiveBoundaries(boundaries, agreements, req.KnownAt, req.PeriodStart, req.PeriodEnd)
	boundaries = uniqueSortedTimes(boundaries)

	periodLength := req.PeriodEnd.Sub(req.PeriodStart)
	windows := make([]splitdomain.Window, 0, len(boundaries)-1)
	for i := 0; i < len(boundaries)-1; i++ {
		start := boundaries[i]
		end := boundaries[i+1]
		if !end.After(start) {
			continue
		}

		active := activeAt(agreements, start, req.KnownAt)
		if err := checkPartition(req, start, active); err != nil {
			return nil, err
		}

		windows = append(windows, splitdomain.Window{
			Start:        start,
			End:          end,
			Elapsed:      end.Sub(start),
			PeriodLength: periodLength,
			Shares:       sharesOf(active),
		})
	}

	return &splitdomain.Resolution{
		EntityID:    req.EntityID,
		SplitType:   req.SplitType,
		PeriodStart: req.PeriodStart,
		PeriodEnd:   req.PeriodEnd,
		KnownAt:     req.KnownAt,
		Windows:     windows,
	}, nil
}

func checkPartition(req splitdomain.ResolveRequest, instant time.Time, active []splitdomain.Agreement) error {
	if len(active) == 0 {
		return &royaltyerr.IntegrityError{
			EntityID:    req.EntityID,
			SplitType:   string(req.SplitType),
			PeriodStart: req.PeriodStart,
			PeriodEnd:   req.PeriodEnd,
			Instant:     instant,
			Sum:         "0",
			Gap:         true,
		}
	}

	sum := sumPercentages(active)
	if sum.Sub(splitdomain.Hundred).Abs().GreaterThan(splitdomain.SumTolerance) {
		return &royaltyerr.IntegrityError{
			EntityID:    req.EntityID,
			SplitType:   string(req.SplitType),
			PeriodStart: req.PeriodStart,
			PeriodEnd:   req.PeriodEnd,
			Instant:     instant,
			Sum:         sum.String(),
			Agreements:  conflicts(active, req.KnownAt),
		}
	}
	return nil
}

// checkCeiling rejects an agreement set that exceeds 100% at any boundary
// inside [from, to). A zero to is open-ended.
func checkCeiling(entityID string, splitType splitdomain.SplitType, agreements []splitdomain.Agreement, from, to, knownAt time.Time) error {
	var instants []time.Time
	instants = append(instants, from)
	for _, a := range agreements {
		instants = append(instants, a.EffectiveDate)
		if end := a.EndAsOf(knownAt); end != nil {
			instants = append(instants, *end)
		}
	}
	instants = uniqueSortedTimes(instants)

	for _, instant := range instants {
		if instant.Before(from) || (!to.IsZero() && !instant.Before(to)) {
			continue
		}
		active := activeAt(agreements, instant, knownAt)
		sum := sumPercentages(active)
		if sum.Sub(splitdomain.Hundred).GreaterThan(splitdomain.SumTolerance) {
			return &royaltyerr.IntegrityError{
				EntityID:    entityID,
				SplitType:   string(splitType),
				PeriodStart: from,
				PeriodEnd:   to,
				Instant:     instant,
				Sum:         sum.String(),
				Agreements:  conflicts(active, knownAt),
			}
		}
	}
	return nil
}

// checkTimeline walks every boundary of the recorded history. Instants after
// the last agreement ends are not gaps.
func checkTimeline(entityID string, splitType splitdomain.SplitType, agreements []splitdomain.Agreement, knownAt time.Time) error {
	var instants []time.Time
	for _, a := range agreements {
		if !a.VisibleAt(knownAt) {
			continue
		}
		instants = append(instants, a.EffectiveDate)
		if end := a.EndAsOf(knownAt); end != nil {
			instants = append(instants, *end)
		}
	}
	instants = uniqueSortedTimes(instants)

	for i, instant := range instants {
		active := activeAt(agreements, instant, knownAt)
		if len(active) == 0 && !startsAfter(agreements, instant, knownAt) {
			continue
		}
		end := time.Time{}
		if i+1 < len(instants) {
			end = instants[i+1]
		}
		req := splitdomain.ResolveRequest{
			EntityID:    entityID,
			SplitType:   splitType,
			PeriodStart: instant,
			PeriodEnd:   end,
			KnownAt:     knownAt,
		}
		if err := checkPartition(req, instant, active); err != nil {
			return err
		}
	}
	return nil
}

func startsAfter(agreements []splitdomain.Agreement, t, knownAt time.Time) bool {
	for _, a := range agreements {
		if a.VisibleAt(knownAt) && a.EffectiveDate.After(t) {
			return true
		}
	}
	return false
}

func activeAt(agreements []splitdomain.Agreement, t, knownAt time.Time) []splitdomain.Agreement {
	out := make([]splitdomain.Agreement, 0, len(agreements))
	for _, a := range agreements {
		if a.ActiveAt(t, knownAt) {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].RecipientID != out[j].RecipientID {
			return out[i].RecipientID < out[j].RecipientID
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func sumPercentages(agreements []splitdomain.Agreement) decimal.Decimal {
	sum := decimal.Zero
	for _, a := range agreements {
		sum = sum.Add(a.Percentage)
	}
	return sum
}

func sharesOf(agreements []splitdomain.Agreement) []splitdomain.Share {
	shares := make([]splitdomain.Share, 0, len(agreements))
	for _, a := range agreements {
		shares = append(shares, splitdomain.Share{
			AgreementID: a.ID,
			RecipientID: a.RecipientID,
			Percentage:  a.Percentage,
		})
	}
	return shares
}

func conflicts(agreements []splitdomain.Agreement, knownAt time.Time) []royaltyerr.Conflict {
	out := make([]royaltyerr.Conflict, 0, len(agreements))
	for _, a := range agreements {
		out = append(out, royaltyerr.Conflict{
			AgreementID:   a.ID.String(),
			RecipientID:   a.RecipientID,
			Percentage:    a.Percentage.String(),
			EffectiveDate: a.EffectiveDate,
			EndDate:       a.EndAsOf(knownAt),
		})
	}
	return out
}

func appendEffectiveBoundaries(
	boundaries []time.Time,
	agreements []splitdomain.Agreement,
	knownAt time.Time,
	periodStart, periodEnd time.Time,
) []time.Time {
	for _, a := range agreements {
		if !a.VisibleAt(knownAt) {
			continue
		}
		start := a.EffectiveDate.UTC()
		if start.After(periodStart) && start.Before(periodEnd) {
			boundaries = append(boundaries, start)
		}
		if end := a.EndAsOf(knownAt); end != nil {
			e := end.UTC()
			if e.After(periodStart) && e.Before(periodEnd) {
				boundaries = append(boundaries, e)
			}
		}
	}
	return boundaries
}

func uniqueSortedTimes(times []time.Time) []time.Time {
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	out := make([]time.Time, 0, len(times))
	for _, t := range times {
		if len(out) == 0 || !t.Equal(out[len(out)-1]) {
			out = append(out, t)
		}
	}
	return out
}
