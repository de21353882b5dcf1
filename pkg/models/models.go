package models

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// AccessEvent is one normalized audit-log entry. Produced by the trail
// normalizer (or the event bus) and never mutated afterwards.
type AccessEvent struct {
	EventTime         time.Time                `json:"event_time"`
	PrincipalARN      string                   `json:"principal_arn"`
	PrincipalType     string                   `json:"principal_type"`
	AccountID         string                   `json:"account_id"`
	Region            string                   `json:"region,omitempty"`
	EventSource       string                   `json:"event_source"`
	Action            string                   `json:"action"`
	RequestParameters map[string]interface{}   `json:"request_parameters,omitempty"`
	ResourceARNs      []string                 `json:"resource_arns,omitempty"`
	Conditions        []map[string]interface{} `json:"conditions,omitempty"`
	ErrorCode         string                   `json:"error_code,omitempty"`
	Service           string                   `json:"service"`
	ReadOnly          bool                     `json:"read_only,omitempty"`
	Denied            bool                     `json:"denied,omitempty"`
}

// UsageRecord is the deduplicated usage of one action by one principal.
// Identity is (principal, service, action).
type UsageRecord struct {
	PrincipalARN string                   `json:"principal_arn"`
	Service      string                   `json:"service"`
	Action       string                   `json:"action"`
	Count        int                      `json:"count"`
	Resources    []string                 `json:"resources,omitempty"`
	Conditions   []map[string]interface{} `json:"conditions,omitempty"`
	LastSeen     time.Time                `json:"last_seen,omitempty"`
}

// Key is the persistence-sink identity: principal + "#" + service:action.
func (r UsageRecord) Key() string {
	return r.PrincipalARN + "#" + r.Service + ":" + r.Action
}

// StringList marshals as a JSON array but accepts either a scalar string or
// an array on input. IAM policy documents in the wild use both forms.
type StringList []string

func (l StringList) MarshalJSON() ([]byte, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]string(l))
}

func (l *StringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*l = StringList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*l = StringList(many)
	return nil
}

// PolicyStatement is one allow rule in a policy document.
type PolicyStatement struct {
	Sid       string                 `json:"Sid,omitempty"`
	Effect    string                 `json:"Effect"`
	Actions   StringList             `json:"Action"`
	Resources StringList             `json:"Resource"`
	Condition map[string]interface{} `json:"Condition,omitempty"`
}

// PolicyVersion is the IAM policy language version tag.
const PolicyVersion = "2012-10-17"

// PolicyDocument is an ordered sequence of statements. A document with zero
// statements is valid.
type PolicyDocument struct {
	Version    string            `json:"Version"`
	Statements []PolicyStatement `json:"Statement"`
}

func NewPolicyDocument(statements []PolicyStatement) PolicyDocument {
	if statements == nil {
		statements = []PolicyStatement{}
	}
	return PolicyDocument{Version: PolicyVersion, Statements: statements}
}

// Services returns the sorted unique service prefixes referenced by the
// document's actions.
func (d PolicyDocument) Services() []string {
	seen := map[string]struct{}{}
	for _, stmt := range d.Statements {
		for _, action := range stmt.Actions {
			service, _, _ := strings.Cut(action, ":")
			seen[service] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for service := range seen {
		out = append(out, service)
	}
	sort.Strings(out)
	return out
}

// ProbeCase is a synthetic (action, resource, context) tuple evaluated by the
// simulator. Resource defaults to "*" when empty.
type ProbeCase struct {
	Action   string                 `json:"action"`
	Resource string                 `json:"resource,omitempty"`
	Context  map[string]interface{} `json:"context,omitempty"`
}

// ProbeResult pairs one probe with its before/after decisions.
type ProbeResult struct {
	Action   string                 `json:"action"`
	Resource string                 `json:"resource"`
	Context  map[string]interface{} `json:"context"`
	Before   string                 `json:"before"`
	After    string                 `json:"after"`
}

// DiffMetrics quantifies the change between two policy documents.
type DiffMetrics struct {
	StatementDelta           int     `json:"statementDelta"`
	AllowedActionDelta       int     `json:"allowedActionDelta"`
	ResourceReductionRatio   float64 `json:"resourceReductionRatio"`
	AccessDeniedReduction    float64 `json:"accessDeniedReduction"`
	HighRiskServiceReduction int     `json:"highRiskServiceReduction"`
}

// ServiceChange reports per-service action counts for services whose usage
// strictly decreased.
type ServiceChange struct {
	Service string `json:"service"`
	Before  int    `json:"before"`
	After   int    `json:"after"`
}
