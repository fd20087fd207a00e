package scheduler

import (
	"context"

	allocationdomain "github.com/smallbiznis/royalty/internal/allocation/domain"
	payoutdomain "github.com/smallbiznis/royalty/internal/payout/domain"
)

// fetchUnaccruedAllocations finds allocations whose accrual was interrupted
// after the allocation run committed.
func (s *Scheduler) fetchUnaccruedAllocations(ctx context.Context, limit int) ([]allocationdomain.Allocation, error) {
	var rows []allocationdomain.Allocation
	err := s.db.WithContext(ctx).Raw(
		`SELECT a.*
		 FROM allocations a
		 LEFT JOIN accrual_entries e
		   ON e.source_type = ? AND e.source_id = CAST(a.id AS TEXT)
		 WHERE e.id IS NULL
		 ORDER BY a.id ASC
		 LIMIT ?`,
		payoutdomain.EntrySourceAllocation,
		limit,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
