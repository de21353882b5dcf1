// iamlp generates least-privilege IAM policies from CloudTrail exports and
// compares, diffs and simulates the results. Defaults come from an optional
// .iamlp.yaml in the working directory; flags override it.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"iamlp/pkg/aggregate"
	"iamlp/pkg/allowlist"
	"iamlp/pkg/config"
	"iamlp/pkg/models"
	"iamlp/pkg/policydiff"
	"iamlp/pkg/simulate"
	"iamlp/pkg/synth"
	"iamlp/pkg/trail"

	"github.com/spf13/pflag"
)

// Testable variables for main()
var (
	logFatalf = log.Fatalf
	stdout    io.Writer = os.Stdout
)

func main() {
	if err := run(os.Args[1:], stdout); err != nil {
		logFatalf("iamlp: %v", err)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		printUsage(out)
		return fmt.Errorf("command required")
	}
	switch args[0] {
	case "generate":
		return runGenerate(args[1:], out)
	case "diff":
		return runDiff(args[1:], out)
	case "simulate":
		return runSimulate(args[1:], out)
	case "help", "-h", "--help":
		printUsage(out)
		return nil
	default:
		return fmt.Errorf("unknown command %q (expected generate, diff or simulate)", args[0])
	}
}

func printUsage(out io.Writer) {
	fmt.Fprint(out, `usage: iamlp <command> [flags]

commands:
  generate   build a least-privilege policy from a CloudTrail export
  diff       compare two policy documents
  simulate   evaluate probe cases against a before/after policy pair

Run 'iamlp <command> --help' for command flags.
`)
}

func runGenerate(args []string, out io.Writer) error {
	flags := pflag.NewFlagSet("iamlp generate", pflag.ContinueOnError)
	configPath := flags.String("config", config.DefaultPath, "settings file")
	source := flags.String("source", "", "CloudTrail export file or directory")
	start := flags.String("start", "", "window start (RFC3339 or YYYY-MM-DD)")
	end := flags.String("end", "", "window end (RFC3339 or YYYY-MM-DD)")
	mode := flags.String("mode", "", "synthesis mode: actions or resources")
	principal := flags.String("principal", "", "principal ARN filter (regular expression)")
	minCount := flags.Int("min-count", 0, "drop records observed fewer times than this")
	maxStatements := flags.Int("max-statements", 0, "chunk documents above this statement count (0 disables)")
	logsBaseline := flags.Bool("logs-baseline", false, "append the CloudWatch Logs baseline statement")
	excludeInternal := flags.Bool("exclude-internal", false, "drop AWS-internal service events")
	excludeActions := flags.StringSlice("exclude-action", nil, "action glob to exclude (repeatable)")
	allowPath := flags.String("allowlist", "", "allowlist waiver file")
	output := flags.String("out", "", "output file (default stdout)")
	if err := flags.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	settings, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if !flags.Changed("source") {
		*source = settings.Trail.Source
	}
	if !flags.Changed("start") {
		*start = settings.Trail.Start
	}
	if !flags.Changed("end") {
		*end = settings.Trail.End
	}
	if !flags.Changed("mode") {
		*mode = settings.Generate.Mode
	}
	if !flags.Changed("principal") {
		*principal = settings.Generate.PrincipalFilter
	}
	if !flags.Changed("min-count") {
		*minCount = settings.Generate.MinCount
	}
	if !flags.Changed("max-statements") {
		*maxStatements = settings.Generate.MaxStatements
	}
	if !flags.Changed("logs-baseline") {
		*logsBaseline = settings.Generate.LogsBaseline
	}
	if !flags.Changed("exclude-internal") {
		*excludeInternal = settings.Generate.ExcludeInternal
	}
	if !flags.Changed("exclude-action") {
		*excludeActions = settings.Generate.ExcludeActions
	}
	if !flags.Changed("allowlist") {
		*allowPath = settings.AllowlistPath
	}
	if *allowPath == "" {
		*allowPath = allowlist.DefaultPath
	}
	if !flags.Changed("out") {
		*output = settings.Generate.Output
	}

	startTime, err := parseTimeFlag(*start)
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}
	endTime, err := parseTimeFlag(*end)
	if err != nil {
		return fmt.Errorf("end: %w", err)
	}

	reader, err := trail.NewReader(*source, startTime, endTime)
	if err != nil {
		return err
	}
	raws, err := reader.Load()
	if err != nil {
		return err
	}
	normalizer := &trail.Normalizer{ExcludeInternal: *excludeInternal}
	events := normalizer.Transform(raws)

	waivers, err := allowlist.Load(*allowPath, allowlist.Options{})
	if err != nil {
		return err
	}
	aggregator, err := aggregate.New(aggregate.Config{
		PrincipalFilter: *principal,
		ExcludeActions:  *excludeActions,
		AllowActions:    waivers.Actions,
		AllowPrincipals: waivers.Principals,
		AllowResources:  waivers.Resources,
		MinCount:        *minCount,
	})
	if err != nil {
		return err
	}
	records, _ := aggregator.Aggregate(context.Background(), events)

	generator, err := synth.New(synth.Options{
		Mode:                synth.Mode(*mode),
		IncludeLogsBaseline: *logsBaseline,
		MaxStatements:       *maxStatements,
	})
	if err != nil {
		return err
	}
	doc, overflow := generator.Build(records)

	log.Printf("iamlp generate: %d events, %d records, %d statements", len(events), len(records), len(doc.Statements))
	if *output == "" {
		if len(overflow) == 0 {
			return writeJSON(out, doc)
		}
		return writeJSON(out, map[string]interface{}{
			"policy":           doc,
			"overflowPolicies": overflow,
		})
	}
	if err := writeDocument(out, *output, doc); err != nil {
		return err
	}
	for i, extra := range overflow {
		if err := writeDocument(out, overflowPath(*output, i+2), extra); err != nil {
			return err
		}
	}
	return nil
}

func runDiff(args []string, out io.Writer) error {
	flags := pflag.NewFlagSet("iamlp diff", pflag.ContinueOnError)
	configPath := flags.String("config", config.DefaultPath, "settings file")
	beforePath := flags.String("before", "", "policy document before tightening")
	afterPath := flags.String("after", "", "policy document after tightening")
	deniedBefore := flags.Int("denied-before", 0, "access-denied probe count before")
	deniedAfter := flags.Int("denied-after", 0, "access-denied probe count after")
	top := flags.Int("top", 0, "service changes to report")
	highRisk := flags.StringSlice("high-risk", nil, "high-risk service override (repeatable)")
	if err := flags.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	settings, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if !flags.Changed("top") {
		*top = settings.Diff.TopServices
	}
	if !flags.Changed("high-risk") {
		*highRisk = settings.Diff.HighRiskServices
	}

	before, err := readDocument(*beforePath)
	if err != nil {
		return fmt.Errorf("before: %w", err)
	}
	after, err := readDocument(*afterPath)
	if err != nil {
		return fmt.Errorf("after: %w", err)
	}
	diff := policydiff.New(before, after)
	if len(*highRisk) > 0 {
		services := make(map[string]struct{}, len(*highRisk))
		for _, service := range *highRisk {
			services[strings.TrimSpace(service)] = struct{}{}
		}
		diff.HighRisk = services
	}
	return writeJSON(out, map[string]interface{}{
		"metrics":        diff.Metrics(*deniedBefore, *deniedAfter),
		"serviceChanges": diff.TopServiceChanges(*top),
	})
}

func runSimulate(args []string, out io.Writer) error {
	flags := pflag.NewFlagSet("iamlp simulate", pflag.ContinueOnError)
	beforePath := flags.String("before", "", "policy document before tightening")
	afterPath := flags.String("after", "", "policy document after tightening")
	casesPath := flags.String("cases", "", "probe case file (JSON array)")
	if err := flags.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	before, err := readDocument(*beforePath)
	if err != nil {
		return fmt.Errorf("before: %w", err)
	}
	after, err := readDocument(*afterPath)
	if err != nil {
		return fmt.Errorf("after: %w", err)
	}
	if *casesPath == "" {
		return fmt.Errorf("cases file required")
	}
	raw, err := os.ReadFile(*casesPath)
	if err != nil {
		return fmt.Errorf("cases: %w", err)
	}
	var cases []models.ProbeCase
	if err := json.Unmarshal(raw, &cases); err != nil {
		return fmt.Errorf("cases: %w", err)
	}
	if len(cases) == 0 {
		return fmt.Errorf("cases file is empty")
	}

	sim := simulate.New(cliEvaluator())
	results := sim.Compare(context.Background(), before, after, cases)
	summary := map[string]int{}
	for _, res := range results {
		summary[res.Before+"->"+res.After]++
	}
	return writeJSON(out, map[string]interface{}{
		"results": results,
		"summary": summary,
	})
}

// cliEvaluator avoids handing a typed-nil pointer to the simulator when no
// external evaluator is configured.
func cliEvaluator() simulate.Evaluator {
	if eval := simulate.NewHTTPEvaluatorFromEnv(); eval != nil {
		return eval
	}
	return nil
}

func parseTimeFlag(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected RFC3339 or YYYY-MM-DD, got %q", raw)
	}
	return t, nil
}

func readDocument(path string) (models.PolicyDocument, error) {
	var doc models.PolicyDocument
	if strings.TrimSpace(path) == "" {
		return doc, fmt.Errorf("path required")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return doc, err
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return doc, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}

func writeDocument(out io.Writer, path string, doc models.PolicyDocument) error {
	if path == "" {
		return writeJSON(out, doc)
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(raw, '\n'), 0o644)
}

// overflowPath turns policy.json into policy.2.json for chunked documents.
func overflowPath(path string, n int) string {
	if ext := ".json"; strings.HasSuffix(path, ext) {
		return fmt.Sprintf("%s.%d%s", strings.TrimSuffix(path, ext), n, ext)
	}
	return fmt.Sprintf("%s.%d", path, n)
}

func writeJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
