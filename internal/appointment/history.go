package appointment

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// HistoryLedger is the append-only audit trail of lifecycle transitions.
// There is deliberately no way to update or delete an entry.
type HistoryLedger interface {
	AppendHistory(ctx context.Context, entry HistoryEntry) (HistoryEntry, error)
	ListHistory(ctx context.Context, appointmentID uuid.UUID, order SortOrder) ([]HistoryEntry, error)
}

// VerifyWalk checks that entries, oldest first, start at Requested and
// follow lifecycle edges.
func VerifyWalk(entries []HistoryEntry) error {
	if len(entries) == 0 {
		return fmt.Errorf("%w: empty history", ErrIllegalTransition)
	}
	if entries[0].Status != StatusRequested {
		return fmt.Errorf("%w: history starts at %s", ErrIllegalTransition, entries[0].Status)
	}
	for i := 1; i < len(entries); i++ {
		from, to := entries[i-1].Status, entries[i].Status
		if _, ok := transitions[from][to]; !ok {
			return fmt.Errorf("%w: entry %d moves %s -> %s", ErrIllegalTransition, i, from, to)
		}
	}
	return nil
}
