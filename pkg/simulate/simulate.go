// Package simulate evaluates probe cases against policy documents and
// compares before/after outcomes.
package simulate

import (
	"context"
	"strings"

	"iamlp/pkg/models"
)

const (
	DecisionAllow = "Allow"
	DecisionDeny  = "Deny"
)

// Key identifies one evaluated (action, resource) pair.
type Key struct {
	Action   string
	Resource string
}

// Evaluator is an external policy-evaluation service. A transport or service
// failure makes the simulator fall back to local evaluation for that call;
// retries belong to the implementation, not here.
type Evaluator interface {
	Evaluate(ctx context.Context, doc models.PolicyDocument, cases []models.ProbeCase) (map[Key]string, error)
}

type Simulator struct {
	evaluator Evaluator
}

// New returns a simulator. A nil evaluator means local evaluation only.
func New(evaluator Evaluator) *Simulator {
	return &Simulator{evaluator: evaluator}
}

// Compare evaluates every case against both documents and pairs the
// decisions. Cases are never mutated; an empty probe resource is treated as
// the wildcard. The evaluator sees the normalized resources too, so its
// decisions key by the same pairs the comparison looks up.
func (s *Simulator) Compare(ctx context.Context, before, after models.PolicyDocument, cases []models.ProbeCase) []models.ProbeResult {
	normalized := normalizeCases(cases)
	beforeResults := s.run(ctx, before, normalized)
	afterResults := s.run(ctx, after, normalized)

	results := make([]models.ProbeResult, 0, len(normalized))
	for _, c := range normalized {
		key := Key{Action: c.Action, Resource: c.Resource}
		ctxMap := c.Context
		if ctxMap == nil {
			ctxMap = map[string]interface{}{}
		}
		results = append(results, models.ProbeResult{
			Action:   c.Action,
			Resource: c.Resource,
			Context:  ctxMap,
			Before:   decisionOr(beforeResults, key),
			After:    decisionOr(afterResults, key),
		})
	}
	return results
}

func normalizeCases(cases []models.ProbeCase) []models.ProbeCase {
	out := make([]models.ProbeCase, len(cases))
	for i, c := range cases {
		c.Resource = probeResource(c)
		out[i] = c
	}
	return out
}

func (s *Simulator) run(ctx context.Context, doc models.PolicyDocument, cases []models.ProbeCase) map[Key]string {
	if s.evaluator != nil {
		if results, err := s.evaluator.Evaluate(ctx, doc, cases); err == nil {
			return results
		}
		// Degrade to the local approximation rather than failing the
		// whole comparison.
	}
	return evalLocal(doc, cases)
}

func decisionOr(results map[Key]string, key Key) string {
	if decision, ok := results[key]; ok && decision != "" {
		return decision
	}
	return DecisionDeny
}

func probeResource(c models.ProbeCase) string {
	if c.Resource == "" {
		return "*"
	}
	return c.Resource
}

// evalLocal is a best-effort approximation of IAM evaluation for allow-only
// documents: default deny, first matching Allow statement wins. No explicit
// deny statements are modeled.
func evalLocal(doc models.PolicyDocument, cases []models.ProbeCase) map[Key]string {
	results := make(map[Key]string, len(cases))
	for _, c := range cases {
		resource := probeResource(c)
		decision := DecisionDeny
		for _, stmt := range doc.Statements {
			if stmt.Effect != "Allow" {
				continue
			}
			if !actionMatches(c.Action, stmt.Actions) {
				continue
			}
			if !resourceMatches(resource, stmt.Resources) {
				continue
			}
			decision = DecisionAllow
			break
		}
		results[Key{Action: c.Action, Resource: resource}] = decision
	}
	return results
}

func actionMatches(action string, patterns []string) bool {
	for _, pattern := range patterns {
		if pattern == action {
			return true
		}
		if strings.HasSuffix(pattern, "*") && strings.HasPrefix(action, pattern[:len(pattern)-1]) {
			return true
		}
	}
	return false
}

// A statement with no resource patterns matches only the literal wildcard
// probe.
func resourceMatches(resource string, patterns []string) bool {
	if len(patterns) == 0 {
		return resource == "*"
	}
	for _, pattern := range patterns {
		if pattern == "*" || pattern == resource {
			return true
		}
		if strings.HasSuffix(pattern, "*") && strings.HasPrefix(resource, pattern[:len(pattern)-1]) {
			return true
		}
	}
	return false
}
