// Package inference derives candidate resource ARNs from normalized access
// events using per-service extraction rules.
package inference

import (
	"fmt"
	"strings"

	"iamlp/pkg/models"
)

// Wildcard is the universal resource pattern returned when nothing more
// specific can be inferred.
const Wildcard = "*"

// Extractor inspects one event's request parameters and returns zero or more
// resource ARNs.
type Extractor func(models.AccessEvent) []string

// Registry maps services to extractor functions. Adding a service is a
// Register call, not a code change in a central switch.
type Registry struct {
	rules map[string][]Extractor
}

// NewRegistry returns a registry preloaded with the default service rules.
func NewRegistry() *Registry {
	r := &Registry{rules: map[string][]Extractor{}}
	r.Register("s3", InferS3)
	r.Register("dynamodb", InferDynamoDB)
	r.Register("lambda", InferLambda)
	r.Register("sqs", InferSQS)
	r.Register("sns", InferSNS)
	r.Register("kms", InferKMS)
	r.Register("secretsmanager", InferSecretsManager)
	r.Register("ssm", InferSSMParameter)
	r.Register("ec2", InferEC2)
	return r
}

// NewEmptyRegistry returns a registry with no rules; every inference falls
// back to the wildcard.
func NewEmptyRegistry() *Registry {
	return &Registry{rules: map[string][]Extractor{}}
}

func (r *Registry) Register(service string, fn Extractor) {
	r.rules[service] = append(r.rules[service], fn)
}

// Infer unions all extractor outputs for the event's service. No rules, or
// rules that produce nothing, yield the wildcard singleton.
func (r *Registry) Infer(event models.AccessEvent) []string {
	extractors := r.rules[event.Service]
	if len(extractors) == 0 {
		return []string{Wildcard}
	}
	candidates := newARNSet()
	for _, extract := range extractors {
		candidates.add(extract(event)...)
	}
	if candidates.empty() {
		return []string{Wildcard}
	}
	return candidates.values()
}

// InferFromRecord returns a record's directly observed resources. When none
// were observed it runs the service extractors over a synthetic event carrying
// only the record identity; the default rules need request parameters and so
// produce nothing, but registered record-aware rules can still yield concrete
// ARNs. No wildcard fallback here: a nil result tells the synthesizer the
// scope is unknown.
func (r *Registry) InferFromRecord(record models.UsageRecord) []string {
	s := newARNSet()
	if len(record.Resources) > 0 {
		s.add(record.Resources...)
		return s.values()
	}
	probe := models.AccessEvent{
		PrincipalARN: record.PrincipalARN,
		Service:      record.Service,
		Action:       record.Action,
	}
	for _, extract := range r.rules[record.Service] {
		s.add(extract(probe)...)
	}
	return s.values()
}

// arnSet preserves first-seen insertion order while deduplicating.
type arnSet struct {
	seen  map[string]struct{}
	order []string
}

func newARNSet() *arnSet {
	return &arnSet{seen: map[string]struct{}{}}
}

func (s *arnSet) add(arns ...string) {
	for _, arn := range arns {
		if arn == "" {
			continue
		}
		if _, ok := s.seen[arn]; ok {
			continue
		}
		s.seen[arn] = struct{}{}
		s.order = append(s.order, arn)
	}
}

func (s *arnSet) empty() bool { return len(s.order) == 0 }

func (s *arnSet) values() []string { return append([]string(nil), s.order...) }

func param(event models.AccessEvent, keys ...string) string {
	for _, key := range keys {
		if v, ok := event.RequestParameters[key]; ok {
			if str, ok := v.(string); ok && str != "" {
				return str
			}
		}
	}
	return ""
}

// Default extractors, one per supported service.

func InferS3(event models.AccessEvent) []string {
	bucket := param(event, "bucketName", "Bucket")
	key := param(event, "key", "Key")
	s := newARNSet()
	if bucket != "" {
		if key != "" {
			s.add(fmt.Sprintf("arn:aws:s3:::%s/%s", bucket, key))
		}
		s.add("arn:aws:s3:::" + bucket)
	}
	s.add(event.ResourceARNs...)
	return s.values()
}

func InferDynamoDB(event models.AccessEvent) []string {
	if table := param(event, "tableName", "TableName"); table != "" {
		return []string{fmt.Sprintf("arn:aws:dynamodb:%s:%s:table/%s", event.Region, event.AccountID, table)}
	}
	return append([]string(nil), event.ResourceARNs...)
}

func InferLambda(event models.AccessEvent) []string {
	if fn := param(event, "functionName", "FunctionName", "Function"); fn != "" {
		return []string{fmt.Sprintf("arn:aws:lambda:%s:%s:function:%s", event.Region, event.AccountID, fn)}
	}
	return append([]string(nil), event.ResourceARNs...)
}

func InferSQS(event models.AccessEvent) []string {
	s := newARNSet()
	s.add(event.ResourceARNs...)
	queueName := param(event, "queueName", "QueueName")
	if queueName == "" {
		if queueURL := param(event, "queueUrl", "QueueUrl"); queueURL != "" {
			trimmed := strings.TrimRight(queueURL, "/")
			queueName = trimmed[strings.LastIndex(trimmed, "/")+1:]
		}
	}
	if queueName != "" {
		s.add(fmt.Sprintf("arn:aws:sqs:%s:%s:%s", event.Region, event.AccountID, queueName))
	}
	return s.values()
}

func InferSNS(event models.AccessEvent) []string {
	s := newARNSet()
	s.add(event.ResourceARNs...)
	if topicARN := param(event, "topicArn", "TopicArn", "TopicARN"); topicARN != "" {
		s.add(topicARN)
	} else if topicName := param(event, "topicName", "TopicName"); topicName != "" {
		s.add(fmt.Sprintf("arn:aws:sns:%s:%s:%s", event.Region, event.AccountID, topicName))
	}
	return s.values()
}

func InferKMS(event models.AccessEvent) []string {
	s := newARNSet()
	s.add(event.ResourceARNs...)
	if keyARN := param(event, "keyArn", "KeyId"); keyARN != "" {
		s.add(keyARN)
	} else if keyID := param(event, "keyId"); keyID != "" {
		s.add(fmt.Sprintf("arn:aws:kms:%s:%s:key/%s", event.Region, event.AccountID, keyID))
	}
	return s.values()
}

func InferSecretsManager(event models.AccessEvent) []string {
	s := newARNSet()
	s.add(event.ResourceARNs...)
	if secretID := param(event, "secretId", "SecretId"); secretID != "" {
		if strings.HasPrefix(secretID, "arn:aws:secretsmanager") {
			s.add(secretID)
		} else {
			// Secrets Manager appends a random suffix to the ARN, so the
			// inferred pattern must be wildcarded.
			s.add(fmt.Sprintf("arn:aws:secretsmanager:%s:%s:secret:%s*", event.Region, event.AccountID, secretID))
		}
	}
	return s.values()
}

func InferSSMParameter(event models.AccessEvent) []string {
	s := newARNSet()
	s.add(event.ResourceARNs...)
	if name := param(event, "name", "Name"); name != "" {
		s.add(fmt.Sprintf("arn:aws:ssm:%s:%s:parameter/%s", event.Region, event.AccountID, name))
	}
	return s.values()
}

func InferEC2(event models.AccessEvent) []string {
	s := newARNSet()
	s.add(event.ResourceARNs...)
	if id := param(event, "instanceId", "InstanceId", "resourceId", "ResourceId"); id != "" {
		resType := "instance"
		switch {
		case strings.HasPrefix(id, "vol-"):
			resType = "volume"
		case strings.HasPrefix(id, "snap-"):
			resType = "snapshot"
		}
		s.add(fmt.Sprintf("arn:aws:ec2:%s:%s:%s/%s", event.Region, event.AccountID, resType, id))
	}
	return s.values()
}
