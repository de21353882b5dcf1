// Package policydiff quantifies the semantic distance between two policy
// documents.
package policydiff

import (
	"sort"
	"strings"

	"iamlp/pkg/models"
)

// DefaultHighRiskServices are the services whose action-count movement is
// tracked separately in diff metrics.
var DefaultHighRiskServices = map[string]struct{}{
	"iam":           {},
	"kms":           {},
	"organizations": {},
	"sts":           {},
}

// Diff compares a before/after pair of policy documents.
type Diff struct {
	Before   models.PolicyDocument
	After    models.PolicyDocument
	HighRisk map[string]struct{}
}

// New returns a Diff using the curated high-risk service set.
func New(before, after models.PolicyDocument) *Diff {
	return &Diff{Before: before, After: after, HighRisk: DefaultHighRiskServices}
}

func (d *Diff) StatementDelta() int {
	return len(d.After.Statements) - len(d.Before.Statements)
}

func (d *Diff) AllowedActionDelta() int {
	return countActions(d.After) - countActions(d.Before)
}

// ResourceReductionRatio is (before-after)/before clamped to [0,1]; zero when
// the before document references no resources.
func (d *Diff) ResourceReductionRatio() float64 {
	before := countResources(d.Before)
	after := countResources(d.After)
	if before == 0 {
		return 0
	}
	ratio := float64(before-after) / float64(before)
	if ratio < 0 {
		return 0
	}
	return ratio
}

func (d *Diff) HighRiskReduction() int {
	return d.highRisk(d.Before) - d.highRisk(d.After)
}

// Metrics assembles the full metric set. The access-denied counts are
// supplied by the caller (typically computed by the simulator over
// caller-chosen probes), not derived here.
func (d *Diff) Metrics(accessDeniedBefore, accessDeniedAfter int) models.DiffMetrics {
	return models.DiffMetrics{
		StatementDelta:           d.StatementDelta(),
		AllowedActionDelta:       d.AllowedActionDelta(),
		ResourceReductionRatio:   d.ResourceReductionRatio(),
		AccessDeniedReduction:    deniedReduction(accessDeniedBefore, accessDeniedAfter),
		HighRiskServiceReduction: d.HighRiskReduction(),
	}
}

// TopServiceChanges lists services whose action count strictly decreased,
// sorted alphabetically and capped at limit. Reporting only.
func (d *Diff) TopServiceChanges(limit int) []models.ServiceChange {
	before := serviceCounts(d.Before)
	after := serviceCounts(d.After)
	var changes []models.ServiceChange
	for service, beforeCount := range before {
		afterCount := after[service]
		if beforeCount > afterCount {
			changes = append(changes, models.ServiceChange{Service: service, Before: beforeCount, After: afterCount})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Service < changes[j].Service })
	if limit >= 0 && len(changes) > limit {
		changes = changes[:limit]
	}
	return changes
}

func deniedReduction(before, after int) float64 {
	if before <= 0 {
		return 0
	}
	ratio := float64(before-after) / float64(before)
	if ratio < 0 {
		return 0
	}
	return ratio
}

func countActions(doc models.PolicyDocument) int {
	total := 0
	for _, stmt := range doc.Statements {
		total += len(stmt.Actions)
	}
	return total
}

func countResources(doc models.PolicyDocument) int {
	total := 0
	for _, stmt := range doc.Statements {
		total += len(stmt.Resources)
	}
	return total
}

func (d *Diff) highRisk(doc models.PolicyDocument) int {
	total := 0
	for _, stmt := range doc.Statements {
		for _, action := range stmt.Actions {
			service, _, _ := strings.Cut(action, ":")
			if _, ok := d.HighRisk[service]; ok {
				total++
			}
		}
	}
	return total
}

func serviceCounts(doc models.PolicyDocument) map[string]int {
	counts := map[string]int{}
	for _, stmt := range doc.Statements {
		for _, action := range stmt.Actions {
			service, _, _ := strings.Cut(action, ":")
			counts[service]++
		}
	}
	return counts
}
