// Package allowlist reads the repo-level waiver file consumed by the
// aggregation filters.
package allowlist

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"
)

// DefaultPath is where the waiver file lives in a consumer repo.
const DefaultPath = ".iamlp-allow.json"

// Allowlist waives min-count filtering for the matched actions, principals
// and resources. Patterns are fnmatch-style globs.
type Allowlist struct {
	Actions    []string `json:"actions"`
	Resources  []string `json:"resources"`
	Principals []string `json:"principals"`
	Reason     string   `json:"reason"`
	Owner      string   `json:"owner"`
	CreatedAt  string   `json:"createdAt"`
	ExpiresAt  string   `json:"expiresAt"`
}

// Options controls expiry enforcement. A nil Strict defers to the CI
// environment variable, so pipelines fail hard on stale waivers while local
// runs only warn.
type Options struct {
	Strict *bool
	Now    func() time.Time
}

// Load reads the allowlist at path. A missing file yields an empty allowlist
// without error; a present file must carry reason, owner, createdAt and
// expiresAt.
func Load(path string, opts Options) (Allowlist, error) {
	if path == "" {
		path = DefaultPath
	}
	strict := os.Getenv("CI") != ""
	if opts.Strict != nil {
		strict = *opts.Strict
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Allowlist{}, nil
		}
		return Allowlist{}, fmt.Errorf("read %s: %w", path, err)
	}
	var list Allowlist
	if err := json.Unmarshal(raw, &list); err != nil {
		return Allowlist{}, fmt.Errorf("parse %s: %w", path, err)
	}

	var missing []string
	for _, field := range []struct{ name, value string }{
		{"reason", list.Reason},
		{"owner", list.Owner},
		{"createdAt", list.CreatedAt},
		{"expiresAt", list.ExpiresAt},
	} {
		if strings.TrimSpace(field.value) == "" {
			missing = append(missing, field.name)
		}
	}
	if len(missing) > 0 {
		return Allowlist{}, fmt.Errorf("%s missing required keys: %s", path, strings.Join(missing, ", "))
	}

	created, err := parseTimestamp("createdAt", list.CreatedAt)
	if err != nil {
		return Allowlist{}, err
	}
	expires, err := parseTimestamp("expiresAt", list.ExpiresAt)
	if err != nil {
		return Allowlist{}, err
	}
	if expires.Before(created) {
		return Allowlist{}, fmt.Errorf("%s expiresAt is before createdAt", path)
	}
	if expires.Before(now().UTC()) {
		if strict {
			return Allowlist{}, fmt.Errorf("%s has expired entries", path)
		}
		log.Printf("warning: %s has expired entries", path)
	}
	return list, nil
}

func parseTimestamp(label, value string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s is not a valid RFC 3339 timestamp: %w", label, err)
	}
	return ts, nil
}
