package trail

import (
	"strings"

	"iamlp/pkg/models"
)

var internalIdentityTypes = map[string]struct{}{
	"AWSSupportService": {},
	"AWSService":        {},
	"AWSInternal":       {},
	"Service":           {},
}

var internalEventSources = map[string]struct{}{
	"signin.amazonaws.com":         {},
	"health.amazonaws.com":         {},
	"trustedadvisor.amazonaws.com": {},
}

var principalTypes = map[string]string{
	"IAMUser":           "user",
	"Root":              "root",
	"Role":              "role",
	"AssumedRole":       "assumed-role",
	"AWSService":        "service",
	"AWSAccount":        "account",
	"AWSInternal":       "service",
	"AWSSupportService": "service",
	"FederatedUser":     "assumed-role",
}

// Normalizer converts raw CloudTrail records into access events. Records
// without a parseable eventTime are dropped.
type Normalizer struct {
	ExcludeInternal bool
}

func (n *Normalizer) Transform(raws []map[string]interface{}) []models.AccessEvent {
	out := make([]models.AccessEvent, 0, len(raws))
	for _, raw := range raws {
		if n.ExcludeInternal && isInternalEvent(raw) {
			continue
		}
		eventTime, ok := parseTime(raw["eventTime"])
		if !ok {
			continue
		}

		identity := asMap(raw["userIdentity"])
		principalARN, principalType := resolvePrincipal(identity)
		eventSource := stringOr(raw["eventSource"], "unknown.amazonaws.com")
		errorCode := stringOr(raw["errorCode"], "")
		service, _, _ := strings.Cut(eventSource, ".")

		out = append(out, models.AccessEvent{
			EventTime:         eventTime,
			PrincipalARN:      principalARN,
			PrincipalType:     principalType,
			AccountID:         resolveAccountID(identity),
			Region:            stringOr(raw["awsRegion"], ""),
			EventSource:       eventSource,
			Action:            stringOr(raw["eventName"], "UnknownAction"),
			RequestParameters: asMap(raw["requestParameters"]),
			ResourceARNs:      extractResources(raw),
			ErrorCode:         errorCode,
			Service:           service,
			ReadOnly:          coerceBool(raw["readOnly"]),
			Denied:            errorCode == "AccessDenied",
		})
	}
	return out
}

// resolvePrincipal prefers the session issuer so assumed-role sessions fold
// back onto the role they came from.
func resolvePrincipal(identity map[string]interface{}) (string, string) {
	issuer := asMap(asMap(identity["sessionContext"])["sessionIssuer"])
	arn := stringOr(issuer["arn"], stringOr(identity["arn"], "unknown"))
	rawType := stringOr(issuer["type"], stringOr(identity["type"], "unknown"))
	if mapped, ok := principalTypes[rawType]; ok {
		return arn, mapped
	}
	if rawType == "" {
		return arn, "unknown"
	}
	return arn, strings.ToLower(rawType)
}

func resolveAccountID(identity map[string]interface{}) string {
	issuer := asMap(asMap(identity["sessionContext"])["sessionIssuer"])
	return stringOr(issuer["accountId"], stringOr(identity["accountId"], ""))
}

func extractResources(raw map[string]interface{}) []string {
	entries, ok := raw["resources"].([]interface{})
	if !ok {
		return nil
	}
	var arns []string
	for _, entry := range entries {
		record := asMap(entry)
		arn := stringOr(record["ARN"], stringOr(record["arn"], stringOr(record["resourceARN"], "")))
		if arn != "" {
			arns = append(arns, arn)
		}
	}
	return arns
}

func isInternalEvent(raw map[string]interface{}) bool {
	identityType := stringOr(asMap(raw["userIdentity"])["type"], "")
	if _, ok := internalIdentityTypes[identityType]; ok {
		return true
	}
	eventSource := stringOr(raw["eventSource"], "")
	if _, ok := internalEventSources[eventSource]; ok {
		return true
	}
	return strings.HasPrefix(eventSource, "internal.")
}

func asMap(value interface{}) map[string]interface{} {
	if m, ok := value.(map[string]interface{}); ok {
		return m
	}
	return map[string]interface{}{}
}

func stringOr(value interface{}, fallback string) string {
	if s, ok := value.(string); ok && s != "" {
		return s
	}
	return fallback
}

func coerceBool(value interface{}) bool {
	switch v := value.(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	default:
		return false
	}
}
