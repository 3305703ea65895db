package engine

import (
	"sort"

	"github.com/google/uuid"

	"github.com/finpulse/recurrence-engine/pkg/models"
)

// Group is one candidate transaction group: every unlinked transaction a user
// has under a single (payee, direction, currency) key, date-ascending.
type Group struct {
	Key          models.PatternKey
	Transactions []models.Transaction
}

// DroppedGroup reports a group that never reached the splitter.
type DroppedGroup struct {
	Key    models.PatternKey `json:"key"`
	Size   int               `json:"size"`
	Reason RejectReason      `json:"reason"`
}

// GroupFilters narrows a discovery run to one payee and/or direction.
type GroupFilters struct {
	PayeeID   *uuid.UUID
	Direction *models.Direction
}

// BuildCandidateGroups partitions a user's transactions by series key,
// strips transactions already linked to a pattern of that key, and drops
// groups too small for interval inference (two intervals need three rows).
// Currencies and directions never share a group. Pure function of its inputs.
func BuildCandidateGroups(txns []models.Transaction, linked map[uuid.UUID]bool, filters GroupFilters, minSize int) ([]Group, []DroppedGroup) {
	byKey := make(map[models.PatternKey][]models.Transaction)
	for _, t := range txns {
		if filters.PayeeID != nil && t.PayeeID != *filters.PayeeID {
			continue
		}
		if filters.Direction != nil && t.Direction != *filters.Direction {
			continue
		}
		if linked[t.ID] {
			continue
		}
		k := t.Key()
		byKey[k] = append(byKey[k], t)
	}

	keys := make([]models.PatternKey, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	var groups []Group
	var dropped []DroppedGroup
	for _, k := range keys {
		members := byKey[k]
		sortByDate(members)
		if len(members) < minSize {
			dropped = append(dropped, DroppedGroup{Key: k, Size: len(members), Reason: RejectTooFew})
			continue
		}
		groups = append(groups, Group{Key: k, Transactions: members})
	}
	return groups, dropped
}

// sortByDate orders transactions by occurrence, breaking date ties by id so
// repeated runs see identical input order.
func sortByDate(txns []models.Transaction) {
	sort.Slice(txns, func(i, j int) bool {
		if !txns[i].OccurredAt.Equal(txns[j].OccurredAt) {
			return txns[i].OccurredAt.Before(txns[j].OccurredAt)
		}
		return txns[i].ID.String() < txns[j].ID.String()
	})
}
