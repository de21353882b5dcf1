// Package aggregate folds normalized access events into deduplicated
// per-principal usage records.
package aggregate

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"iamlp/pkg/models"
)

// Sink receives surviving usage records after a fold. Implementations are
// collaborators (Postgres, DynamoDB, ...); errors are reported as warnings,
// never as aggregation failures.
type Sink interface {
	Upsert(ctx context.Context, record models.UsageRecord) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, record models.UsageRecord) error

func (f SinkFunc) Upsert(ctx context.Context, record models.UsageRecord) error {
	return f(ctx, record)
}

// Config controls filtering during aggregation. Patterns are fnmatch-style
// globs ('*' and '?'); PrincipalFilter is a regular expression matched
// anywhere in the principal ARN.
type Config struct {
	PrincipalFilter string
	ExcludeActions  []string
	AllowActions    []string
	AllowPrincipals []string
	AllowResources  []string
	MinCount        int
	Sink            Sink
}

// Warning reports a non-fatal fault, currently only sink upsert failures.
type Warning struct {
	RecordKey string
	Err       error
}

func (w Warning) Error() string {
	return fmt.Sprintf("upsert %s: %v", w.RecordKey, w.Err)
}

type Aggregator struct {
	principal       *regexp.Regexp
	exclude         []string
	allowActions    []string
	allowPrincipals []string
	allowResources  []string
	minCount        int
	sink            Sink
}

// New validates the configuration. An invalid principal regexp or glob
// pattern fails here, not mid-aggregation.
func New(cfg Config) (*Aggregator, error) {
	a := &Aggregator{
		exclude:         cleanPatterns(cfg.ExcludeActions),
		allowActions:    cleanPatterns(cfg.AllowActions),
		allowPrincipals: cleanPatterns(cfg.AllowPrincipals),
		allowResources:  cleanPatterns(cfg.AllowResources),
		minCount:        cfg.MinCount,
		sink:            cfg.Sink,
	}
	if a.minCount < 1 {
		a.minCount = 1
	}
	if cfg.PrincipalFilter != "" {
		re, err := regexp.Compile(cfg.PrincipalFilter)
		if err != nil {
			return nil, fmt.Errorf("principal filter: %w", err)
		}
		a.principal = re
	}
	return a, nil
}

func cleanPatterns(patterns []string) []string {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

type foldKey struct {
	principal string
	service   string
	action    string
}

type foldState struct {
	record    models.UsageRecord
	resources map[string]struct{}
}

// Aggregate folds events into usage records: one record per distinct
// (principal, service, action), count equal to the number of qualifying
// events, resources unioned in first-seen order, last-seen raised
// monotonically. Records below the minimum count or matching an allowlist
// waiver are dropped. Output order is (principal, service, action),
// independent of event arrival order.
func (a *Aggregator) Aggregate(ctx context.Context, events []models.AccessEvent) ([]models.UsageRecord, []Warning) {
	states := map[foldKey]*foldState{}
	order := make([]foldKey, 0, len(events))

	for _, event := range events {
		if a.principal != nil && !a.principal.MatchString(event.PrincipalARN) {
			continue
		}
		action := normalizeAction(event)
		if matchesAny(a.exclude, action) {
			continue
		}
		key := foldKey{principal: event.PrincipalARN, service: event.Service, action: action}
		state, ok := states[key]
		if !ok {
			state = &foldState{
				record: models.UsageRecord{
					PrincipalARN: event.PrincipalARN,
					Service:      event.Service,
					Action:       action,
				},
				resources: map[string]struct{}{},
			}
			states[key] = state
			order = append(order, key)
		}
		state.register(event)
	}

	records := make([]models.UsageRecord, 0, len(order))
	for _, key := range order {
		rec := states[key].record
		if rec.Count < a.minCount {
			continue
		}
		if a.isWaived(rec) {
			continue
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].PrincipalARN != records[j].PrincipalARN {
			return records[i].PrincipalARN < records[j].PrincipalARN
		}
		if records[i].Service != records[j].Service {
			return records[i].Service < records[j].Service
		}
		return records[i].Action < records[j].Action
	})

	var warnings []Warning
	if a.sink != nil {
		for _, rec := range records {
			if err := a.sink.Upsert(ctx, rec); err != nil {
				warnings = append(warnings, Warning{RecordKey: rec.Key(), Err: err})
			}
		}
	}
	return records, warnings
}

func (s *foldState) register(event models.AccessEvent) {
	s.record.Count++
	if !event.EventTime.IsZero() && event.EventTime.After(s.record.LastSeen) {
		s.record.LastSeen = event.EventTime
	}
	for _, arn := range event.ResourceARNs {
		if arn == "" {
			continue
		}
		if _, ok := s.resources[arn]; ok {
			continue
		}
		s.resources[arn] = struct{}{}
		s.record.Resources = append(s.record.Resources, arn)
	}
	for _, cond := range event.Conditions {
		if len(cond) > 0 {
			s.record.Conditions = append(s.record.Conditions, cond)
		}
	}
}

func normalizeAction(event models.AccessEvent) string {
	if strings.Contains(event.Action, ":") {
		return event.Action
	}
	return event.Service + ":" + event.Action
}

func (a *Aggregator) isWaived(rec models.UsageRecord) bool {
	if matchesAny(a.allowActions, rec.Action) {
		return true
	}
	if matchesAny(a.allowPrincipals, rec.PrincipalARN) {
		return true
	}
	for _, resource := range rec.Resources {
		if matchesAny(a.allowResources, resource) {
			return true
		}
	}
	return false
}

func matchesAny(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if Glob(pattern, name) {
			return true
		}
	}
	return false
}

// Glob matches fnmatch-style patterns: '*' matches any run of characters
// including separators, '?' matches one character. ARNs embed ':' and '/',
// so path.Match separator rules would be wrong here.
func Glob(pattern, name string) bool {
	var starPattern, starName int = -1, 0
	p, n := 0, 0
	for n < len(name) {
		switch {
		case p < len(pattern) && (pattern[p] == '?' || pattern[p] == name[n]):
			p++
			n++
		case p < len(pattern) && pattern[p] == '*':
			starPattern = p
			starName = n
			p++
		case starPattern >= 0:
			starName++
			p = starPattern + 1
			n = starName
		default:
			return false
		}
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}
