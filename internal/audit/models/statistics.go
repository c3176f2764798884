package models

import (
	"sort"

	id "carenotes/pkg/domain"
)

// Count is the number of events for one (resource, action) pair.
type Count struct {
	Resource string `json:"resource"`
	Action   Action `json:"action"`
	Count    int64  `json:"count"`
}

// Statistics aggregates a tenant's events for dashboards.
type Statistics struct {
	TenantID   id.TenantID      `json:"tenant_id"`
	Range      TimeRange        `json:"range"`
	Total      int64            `json:"total"`
	ByResource map[string]int64 `json:"by_resource"`
	ByAction   map[Action]int64 `json:"by_action"`
	Breakdown  []Count          `json:"breakdown"`
}

// NewStatistics folds raw counts into totals. Breakdown is sorted by
// resource then action for stable output.
func NewStatistics(tenantID id.TenantID, r TimeRange, counts []Count) *Statistics {
	s := &Statistics{
		TenantID:   tenantID,
		Range:      r,
		ByResource: make(map[string]int64),
		ByAction:   make(map[Action]int64),
		Breakdown:  append([]Count(nil), counts...),
	}
	for _, c := range counts {
		s.Total += c.Count
		s.ByResource[c.Resource] += c.Count
		s.ByAction[c.Action] += c.Count
	}
	sort.Slice(s.Breakdown, func(i, j int) bool {
		if s.Breakdown[i].Resource != s.Breakdown[j].Resource {
			return s.Breakdown[i].Resource < s.Breakdown[j].Resource
		}
		return s.Breakdown[i].Action < s.Breakdown[j].Action
	})
	return s
}
