package trail

import (
	"testing"
	"time"
)

func rawEvent(overrides map[string]interface{}) map[string]interface{} {
	raw := map[string]interface{}{
		"eventTime":   "2024-05-01T12:00:00Z",
		"eventSource": "s3.amazonaws.com",
		"eventName":   "GetObject",
		"awsRegion":   "eu-west-1",
		"userIdentity": map[string]interface{}{
			"type":      "IAMUser",
			"arn":       "arn:aws:iam::111122223333:user/alice",
			"accountId": "111122223333",
		},
	}
	for k, v := range overrides {
		raw[k] = v
	}
	return raw
}

func TestTransformBasicEvent(t *testing.T) {
	t.Parallel()

	n := &Normalizer{}
	events := n.Transform([]map[string]interface{}{rawEvent(nil)})
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	evt := events[0]
	if evt.PrincipalARN != "arn:aws:iam::111122223333:user/alice" || evt.PrincipalType != "user" {
		t.Fatalf("unexpected principal: %q %q", evt.PrincipalARN, evt.PrincipalType)
	}
	if evt.Service != "s3" || evt.Action != "GetObject" {
		t.Fatalf("unexpected action: %q %q", evt.Service, evt.Action)
	}
	if evt.AccountID != "111122223333" || evt.Region != "eu-west-1" {
		t.Fatalf("unexpected account/region: %q %q", evt.AccountID, evt.Region)
	}
	if !evt.EventTime.Equal(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected event time: %v", evt.EventTime)
	}
}

func TestTransformSessionIssuerWins(t *testing.T) {
	t.Parallel()

	raw := rawEvent(map[string]interface{}{
		"userIdentity": map[string]interface{}{
			"type": "AssumedRole",
			"arn":  "arn:aws:sts::111122223333:assumed-role/app/session",
			"sessionContext": map[string]interface{}{
				"sessionIssuer": map[string]interface{}{
					"type":      "Role",
					"arn":       "arn:aws:iam::111122223333:role/app",
					"accountId": "111122223333",
				},
			},
		},
	})
	events := (&Normalizer{}).Transform([]map[string]interface{}{raw})
	if events[0].PrincipalARN != "arn:aws:iam::111122223333:role/app" {
		t.Fatalf("expected session issuer arn, got %q", events[0].PrincipalARN)
	}
	if events[0].PrincipalType != "role" {
		t.Fatalf("expected role type, got %q", events[0].PrincipalType)
	}
}

func TestTransformDropsEventsWithoutTime(t *testing.T) {
	t.Parallel()

	raw := rawEvent(map[string]interface{}{"eventTime": "not-a-time"})
	if events := (&Normalizer{}).Transform([]map[string]interface{}{raw}); len(events) != 0 {
		t.Fatalf("expected unparseable event dropped, got %v", events)
	}
}

func TestTransformResourcesAndDenied(t *testing.T) {
	t.Parallel()

	raw := rawEvent(map[string]interface{}{
		"errorCode": "AccessDenied",
		"readOnly":  "true",
		"resources": []interface{}{
			map[string]interface{}{"ARN": "arn:aws:s3:::data"},
			map[string]interface{}{"resourceARN": "arn:aws:s3:::data/key"},
			"not-a-map",
		},
	})
	events := (&Normalizer{}).Transform([]map[string]interface{}{raw})
	evt := events[0]
	if !evt.Denied || evt.ErrorCode != "AccessDenied" {
		t.Fatalf("expected denied event, got %+v", evt)
	}
	if !evt.ReadOnly {
		t.Fatal("expected readOnly coerced from string")
	}
	if len(evt.ResourceARNs) != 2 || evt.ResourceARNs[1] != "arn:aws:s3:::data/key" {
		t.Fatalf("unexpected resources: %v", evt.ResourceARNs)
	}
}

func TestTransformExcludeInternal(t *testing.T) {
	t.Parallel()

	internalByType := rawEvent(map[string]interface{}{
		"userIdentity": map[string]interface{}{"type": "AWSService"},
	})
	internalBySource := rawEvent(map[string]interface{}{"eventSource": "signin.amazonaws.com"})
	internalByPrefix := rawEvent(map[string]interface{}{"eventSource": "internal.amazonaws.com"})
	normal := rawEvent(nil)

	inclusive := (&Normalizer{}).Transform([]map[string]interface{}{internalByType, internalBySource, internalByPrefix, normal})
	if len(inclusive) != 4 {
		t.Fatalf("expected all events kept by default, got %d", len(inclusive))
	}
	exclusive := (&Normalizer{ExcludeInternal: true}).Transform([]map[string]interface{}{internalByType, internalBySource, internalByPrefix, normal})
	if len(exclusive) != 1 {
		t.Fatalf("expected only the normal event, got %d", len(exclusive))
	}
}

func TestTransformDefaults(t *testing.T) {
	t.Parallel()

	raw := map[string]interface{}{"eventTime": "2024-05-01T12:00:00Z"}
	events := (&Normalizer{}).Transform([]map[string]interface{}{raw})
	evt := events[0]
	if evt.PrincipalARN != "unknown" || evt.PrincipalType != "unknown" {
		t.Fatalf("unexpected principal defaults: %q %q", evt.PrincipalARN, evt.PrincipalType)
	}
	if evt.EventSource != "unknown.amazonaws.com" || evt.Service != "unknown" {
		t.Fatalf("unexpected source defaults: %q %q", evt.EventSource, evt.Service)
	}
	if evt.Action != "UnknownAction" {
		t.Fatalf("unexpected action default: %q", evt.Action)
	}
}
