package inference

// CapabilityTable records whether an action supports scoping to a specific
// resource or must remain account/service-wide. Unknown actions default to
// false, keeping synthesis on the safe wildcard side.
type CapabilityTable struct {
	supports map[string]bool
}

// Curated from the IAM action reference for the services the default
// inference rules cover.
var defaultResourceLevel = map[string]bool{
	// S3
	"s3:GetObject":         true,
	"s3:PutObject":         true,
	"s3:DeleteObject":      true,
	"s3:ListBucket":        true,
	"s3:ListAllMyBuckets":  false,

	// DynamoDB
	"dynamodb:PutItem":    true,
	"dynamodb:GetItem":    true,
	"dynamodb:DeleteItem": true,
	"dynamodb:Query":      true,
	"dynamodb:Scan":       true,
	"dynamodb:ListTables": false,

	// Lambda
	"lambda:InvokeFunction": true,
	"lambda:ListFunctions":  false,

	// SQS
	"sqs:SendMessage":    true,
	"sqs:ReceiveMessage": true,
	"sqs:DeleteMessage":  true,
	"sqs:ListQueues":     false,

	// SNS
	"sns:Publish":    true,
	"sns:ListTopics": false,

	// KMS
	"kms:Decrypt":  true,
	"kms:Encrypt":  true,
	"kms:ListKeys": false,

	// Secrets Manager
	"secretsmanager:GetSecretValue": true,
	"secretsmanager:ListSecrets":    false,

	// SSM Parameter Store
	"ssm:GetParameter":        true,
	"ssm:PutParameter":        true,
	"ssm:DescribeParameters":  false,

	// EC2
	"ec2:StartInstances":    true,
	"ec2:StopInstances":     true,
	"ec2:DescribeInstances": false,
}

// NewCapabilityTable returns a table seeded with the curated defaults.
func NewCapabilityTable() *CapabilityTable {
	supports := make(map[string]bool, len(defaultResourceLevel))
	for action, scoped := range defaultResourceLevel {
		supports[action] = scoped
	}
	return &CapabilityTable{supports: supports}
}

// AllowsScoping reports whether the action supports resource-level
// permissions.
func (t *CapabilityTable) AllowsScoping(action string) bool {
	return t.supports[action]
}

// Register overrides resource-level support for an action.
func (t *CapabilityTable) Register(action string, scoped bool) {
	t.supports[action] = scoped
}
