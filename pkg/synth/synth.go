// Package synth composes least-privilege policy documents from aggregated
// usage records.
package synth

import (
	"fmt"
	"sort"
	"strings"

	"iamlp/pkg/conditions"
	"iamlp/pkg/inference"
	"iamlp/pkg/models"
)

// Mode selects the resource-scoping strategy.
type Mode string

const (
	// ModeActions scopes statements to observed resources only; records
	// without observed resources get the wildcard.
	ModeActions Mode = "actions"
	// ModeResources additionally consults the inference registry for
	// scoping-capable actions without observed resources.
	ModeResources Mode = "resources"
)

// Options configures a Generator. Zero-value collaborators fall back to the
// curated defaults.
type Options struct {
	Mode                Mode
	IncludeLogsBaseline bool
	// MaxStatements caps statements per document where the platform limits
	// policy size; zero disables chunking.
	MaxStatements int
	Registry      *inference.Registry
	Capabilities  *inference.CapabilityTable
	Reducer       conditions.Reducer
}

type Generator struct {
	mode         Mode
	logsBaseline bool
	maxStmts     int
	registry     *inference.Registry
	capabilities *inference.CapabilityTable
	reducer      conditions.Reducer
}

// New validates the mode and fills in default collaborators.
func New(opts Options) (*Generator, error) {
	switch opts.Mode {
	case "", ModeActions:
		opts.Mode = ModeActions
	case ModeResources:
	default:
		return nil, fmt.Errorf("mode must be %q or %q, got %q", ModeActions, ModeResources, opts.Mode)
	}
	if opts.Registry == nil {
		opts.Registry = inference.NewRegistry()
	}
	if opts.Capabilities == nil {
		opts.Capabilities = inference.NewCapabilityTable()
	}
	return &Generator{
		mode:         opts.Mode,
		logsBaseline: opts.IncludeLogsBaseline,
		maxStmts:     opts.MaxStatements,
		registry:     opts.Registry,
		capabilities: opts.Capabilities,
		reducer:      opts.Reducer,
	}, nil
}

type group struct {
	service     string
	resources   []string
	fingerprint string
	condition   map[string]interface{}
	actions     map[string]struct{}
}

func (g *group) sortKey() string {
	return g.service + "\x1f" + strings.Join(g.resources, "\x1f") + "\x1f" + g.fingerprint
}

// Build groups records into statements and returns the primary document plus
// any overflow documents produced by chunking. The output is a deterministic
// function of the record set: identical inputs yield byte-identical documents
// regardless of record order within a group.
func (g *Generator) Build(records []models.UsageRecord) (models.PolicyDocument, []models.PolicyDocument) {
	if len(records) == 0 {
		return models.NewPolicyDocument(nil), nil
	}

	groups := map[string]*group{}
	for _, record := range records {
		resources := g.determineResources(record)
		condition := g.reducer.Merge(record.Conditions)
		fingerprint := conditions.Fingerprint(condition)
		key := record.Service + "\x1f" + strings.Join(resources, "\x1f") + "\x1f" + fingerprint
		grp, ok := groups[key]
		if !ok {
			grp = &group{
				service:     record.Service,
				resources:   resources,
				fingerprint: fingerprint,
				condition:   condition,
				actions:     map[string]struct{}{},
			}
			groups[key] = grp
		}
		grp.actions[record.Action] = struct{}{}
	}

	ordered := make([]*group, 0, len(groups))
	for _, grp := range groups {
		ordered = append(ordered, grp)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].sortKey() < ordered[j].sortKey() })

	counters := map[string]int{}
	statements := make([]models.PolicyStatement, 0, len(ordered))
	for _, grp := range ordered {
		counters[grp.service]++
		actions := make([]string, 0, len(grp.actions))
		for action := range grp.actions {
			actions = append(actions, action)
		}
		sort.Strings(actions)
		var condition map[string]interface{}
		if len(grp.condition) > 0 {
			condition = grp.condition
		}
		statements = append(statements, models.PolicyStatement{
			Sid:       buildSid(grp.service, counters[grp.service]),
			Effect:    "Allow",
			Actions:   models.StringList(actions),
			Resources: append(models.StringList(nil), grp.resources...),
			Condition: condition,
		})
	}

	if g.logsBaseline && anyService(records, "lambda") {
		counters["logs"]++
		statements = append(statements, logsBaselineStatement(counters["logs"]))
	}

	return chunk(statements, g.maxStmts)
}

func (g *Generator) determineResources(record models.UsageRecord) []string {
	if len(record.Resources) > 0 {
		return sortedUnique(record.Resources)
	}
	if g.mode == ModeResources && g.capabilities.AllowsScoping(record.Action) {
		if inferred := g.registry.InferFromRecord(record); len(inferred) > 0 {
			return sortedUnique(inferred)
		}
	}
	return []string{inference.Wildcard}
}

func sortedUnique(values []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func anyService(records []models.UsageRecord, service string) bool {
	for _, record := range records {
		if record.Service == service {
			return true
		}
	}
	return false
}

// Lambda execution requires log-shipping permissions that never show up as
// distinct usage; the baseline keeps generated roles deployable. The sid
// counter continues the logs-service sequence so the baseline never collides
// with a synthesized logs statement.
func logsBaselineStatement(counter int) models.PolicyStatement {
	return models.PolicyStatement{
		Sid:    buildSid("logs", counter),
		Effect: "Allow",
		Actions: models.StringList{
			"logs:CreateLogGroup",
			"logs:CreateLogStream",
			"logs:PutLogEvents",
		},
		Resources: models.StringList{"arn:aws:logs:*:*:log-group:/aws/lambda/*"},
	}
}

func buildSid(service string, counter int) string {
	prefix := strings.NewReplacer(":", "_", "-", "_").Replace(service)
	if len(prefix) > 40 {
		prefix = prefix[:40]
	}
	if prefix == "" {
		prefix = "svc"
	}
	sid := fmt.Sprintf("%s_allow_%03d", prefix, counter)
	if len(sid) > 128 {
		sid = sid[:128]
	}
	return sid
}

func chunk(statements []models.PolicyStatement, max int) (models.PolicyDocument, []models.PolicyDocument) {
	if max <= 0 || len(statements) <= max {
		return models.NewPolicyDocument(statements), nil
	}
	var docs []models.PolicyDocument
	for start := 0; start < len(statements); start += max {
		end := start + max
		if end > len(statements) {
			end = len(statements)
		}
		docs = append(docs, models.NewPolicyDocument(statements[start:end]))
	}
	return docs[0], docs[1:]
}
