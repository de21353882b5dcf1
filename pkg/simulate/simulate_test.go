package simulate

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"iamlp/pkg/models"
)

func doc(statements ...models.PolicyStatement) models.PolicyDocument {
	return models.NewPolicyDocument(statements)
}

func allow(actions, resources []string) models.PolicyStatement {
	return models.PolicyStatement{
		Effect:    "Allow",
		Actions:   models.StringList(actions),
		Resources: models.StringList(resources),
	}
}

func TestCompareLocalDecisions(t *testing.T) {
	t.Parallel()

	before := doc(allow([]string{"*"}, []string{"*"}))
	after := doc(allow([]string{"s3:GetObject"}, []string{"arn:aws:s3:::data/*"}))

	cases := []models.ProbeCase{
		{Action: "s3:GetObject", Resource: "arn:aws:s3:::data/report.csv"},
		{Action: "s3:GetObject", Resource: "arn:aws:s3:::other/report.csv"},
		{Action: "iam:CreateUser", Resource: "*"},
	}
	results := New(nil).Compare(context.Background(), before, after, cases)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}

	want := []struct{ before, after string }{
		{DecisionAllow, DecisionAllow},
		{DecisionAllow, DecisionDeny},
		{DecisionAllow, DecisionDeny},
	}
	for i, w := range want {
		if results[i].Before != w.before || results[i].After != w.after {
			t.Fatalf("case %d: got before=%s after=%s, want before=%s after=%s",
				i, results[i].Before, results[i].After, w.before, w.after)
		}
	}
}

func TestCompareEmptyResourceProbesWildcard(t *testing.T) {
	t.Parallel()

	scoped := doc(allow([]string{"s3:GetObject"}, []string{"arn:aws:s3:::data/*"}))
	wildcard := doc(allow([]string{"s3:GetObject"}, []string{"*"}))

	results := New(nil).Compare(context.Background(), wildcard, scoped, []models.ProbeCase{{Action: "s3:GetObject"}})
	if results[0].Resource != "*" {
		t.Fatalf("expected wildcard resource in result, got %q", results[0].Resource)
	}
	if results[0].Before != DecisionAllow {
		t.Fatalf("wildcard statement should allow wildcard probe, got %s", results[0].Before)
	}
	if results[0].After != DecisionDeny {
		t.Fatalf("prefix pattern must not allow wildcard probe, got %s", results[0].After)
	}
}

func TestCompareStatementWithoutResources(t *testing.T) {
	t.Parallel()

	bare := doc(models.PolicyStatement{Effect: "Allow", Actions: models.StringList{"logs:PutLogEvents"}})
	results := New(nil).Compare(context.Background(), bare, bare, []models.ProbeCase{
		{Action: "logs:PutLogEvents"},
		{Action: "logs:PutLogEvents", Resource: "arn:aws:logs:us-east-1:1:log-group:/app"},
	})
	if results[0].Before != DecisionAllow {
		t.Fatalf("resource-free statement should match the wildcard probe, got %s", results[0].Before)
	}
	if results[1].Before != DecisionDeny {
		t.Fatalf("resource-free statement must not match concrete resources, got %s", results[1].Before)
	}
}

func TestCompareActionPrefixPatterns(t *testing.T) {
	t.Parallel()

	d := doc(allow([]string{"s3:Get*"}, []string{"*"}))
	results := New(nil).Compare(context.Background(), d, d, []models.ProbeCase{
		{Action: "s3:GetObject", Resource: "*"},
		{Action: "s3:PutObject", Resource: "*"},
	})
	if results[0].Before != DecisionAllow || results[1].Before != DecisionDeny {
		t.Fatalf("unexpected pattern decisions: %s / %s", results[0].Before, results[1].Before)
	}
}

func TestCompareNilContextNormalized(t *testing.T) {
	t.Parallel()

	d := doc(allow([]string{"s3:GetObject"}, []string{"*"}))
	results := New(nil).Compare(context.Background(), d, d, []models.ProbeCase{{Action: "s3:GetObject", Resource: "*"}})
	if results[0].Context == nil {
		t.Fatal("expected non-nil context map")
	}
}

type stubEvaluator struct {
	results map[Key]string
	err     error
	calls   int
}

func (s *stubEvaluator) Evaluate(ctx context.Context, doc models.PolicyDocument, cases []models.ProbeCase) (map[Key]string, error) {
	s.calls++
	return s.results, s.err
}

func TestCompareUsesEvaluatorDecisions(t *testing.T) {
	t.Parallel()

	// The stub contradicts the local result on purpose.
	stub := &stubEvaluator{results: map[Key]string{
		{Action: "s3:GetObject", Resource: "*"}: DecisionDeny,
	}}
	d := doc(allow([]string{"*"}, []string{"*"}))
	results := New(stub).Compare(context.Background(), d, d, []models.ProbeCase{{Action: "s3:GetObject", Resource: "*"}})
	if stub.calls != 2 {
		t.Fatalf("expected one evaluator call per document, got %d", stub.calls)
	}
	if results[0].Before != DecisionDeny || results[0].After != DecisionDeny {
		t.Fatalf("expected evaluator decisions, got %s / %s", results[0].Before, results[0].After)
	}
}

// echoEvaluator allows every case it receives, keyed by exactly the
// (action, resource) pairs handed to it.
type echoEvaluator struct {
	seen []models.ProbeCase
}

func (e *echoEvaluator) Evaluate(ctx context.Context, doc models.PolicyDocument, cases []models.ProbeCase) (map[Key]string, error) {
	e.seen = append(e.seen, cases...)
	out := make(map[Key]string, len(cases))
	for _, c := range cases {
		out[Key{Action: c.Action, Resource: c.Resource}] = DecisionAllow
	}
	return out, nil
}

func TestCompareEvaluatorSeesNormalizedResources(t *testing.T) {
	t.Parallel()

	echo := &echoEvaluator{}
	d := doc(allow([]string{"s3:GetObject"}, []string{"*"}))
	results := New(echo).Compare(context.Background(), d, d, []models.ProbeCase{{Action: "s3:GetObject"}})
	if results[0].Before != DecisionAllow || results[0].After != DecisionAllow {
		t.Fatalf("expected evaluator decisions for the wildcard-defaulted probe, got %s / %s", results[0].Before, results[0].After)
	}
	if len(echo.seen) != 2 {
		t.Fatalf("expected the case once per document, got %d", len(echo.seen))
	}
	for _, c := range echo.seen {
		if c.Resource != "*" {
			t.Fatalf("evaluator received un-normalized resource %q", c.Resource)
		}
	}
}

func TestCompareFallsBackWhenEvaluatorFails(t *testing.T) {
	t.Parallel()

	stub := &stubEvaluator{err: errors.New("service unavailable")}
	d := doc(allow([]string{"s3:GetObject"}, []string{"*"}))
	results := New(stub).Compare(context.Background(), d, d, []models.ProbeCase{{Action: "s3:GetObject", Resource: "*"}})
	if results[0].Before != DecisionAllow {
		t.Fatalf("expected local fallback to allow, got %s", results[0].Before)
	}
}

func TestCompareMissingDecisionDefaultsToDeny(t *testing.T) {
	t.Parallel()

	stub := &stubEvaluator{results: map[Key]string{}}
	d := doc(allow([]string{"*"}, []string{"*"}))
	results := New(stub).Compare(context.Background(), d, d, []models.ProbeCase{{Action: "s3:GetObject", Resource: "*"}})
	if results[0].Before != DecisionDeny {
		t.Fatalf("expected default deny for missing decision, got %s", results[0].Before)
	}
}

func TestHTTPEvaluator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("expected POST, got %s", r.Method)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"decisions":[{"action":"s3:GetObject","resource":"*","decision":"Allow"}]}`))
	}))
	defer srv.Close()

	eval := &HTTPEvaluator{URL: srv.URL, Client: srv.Client()}
	results, err := eval.Evaluate(context.Background(), models.NewPolicyDocument(nil), []models.ProbeCase{{Action: "s3:GetObject", Resource: "*"}})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if results[Key{Action: "s3:GetObject", Resource: "*"}] != DecisionAllow {
		t.Fatalf("unexpected decisions: %#v", results)
	}
}

func TestHTTPEvaluatorErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	eval := &HTTPEvaluator{URL: srv.URL, Client: srv.Client()}
	if _, err := eval.Evaluate(context.Background(), models.NewPolicyDocument(nil), nil); err == nil {
		t.Fatal("expected error for non-200 status")
	}
}

func TestNewHTTPEvaluatorFromEnv(t *testing.T) {
	t.Run("unset", func(t *testing.T) {
		t.Setenv("SIMULATOR_URL", "")
		if eval := NewHTTPEvaluatorFromEnv(); eval != nil {
			t.Fatal("expected nil evaluator without SIMULATOR_URL")
		}
	})
	t.Run("configured", func(t *testing.T) {
		t.Setenv("SIMULATOR_URL", "http://sim.internal/v1/evaluate")
		t.Setenv("SIMULATOR_RETRIES", "5")
		eval := NewHTTPEvaluatorFromEnv()
		if eval == nil || eval.URL != "http://sim.internal/v1/evaluate" || eval.Retries != 5 {
			t.Fatalf("unexpected evaluator: %+v", eval)
		}
	})
}
