package classify

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/minhvu/mapflow/internal/core/domain"
)

// Context carries optional execution details into classification.
type Context struct {
	Stage       string
	MappingID   string
	ExecutionID string
	Stack       string
	Extra       map[string]any
}

// ClassifierFunc is a caller-provided classifier. Returning nil means
// "no opinion" and resolution falls through to the next classifier.
type ClassifierFunc func(err error, ectx Context) *domain.Classification

// Rule matches an error message (then stack) against a pattern.
type Rule struct {
	Pattern  *regexp.Regexp
	Type     domain.ErrorType
	Severity domain.Severity
	Strategy domain.RecoveryStrategy
}

// codedClassification maps well-known sentinel codes to classifications.
type codedClassification struct {
	substrings []string
	typ        domain.ErrorType
	severity   domain.Severity
	strategy   domain.RecoveryStrategy
}

// Classifier maps raw failures to the closed taxonomy. It never returns an
// error; any internal miss falls through to the default classification.
type Classifier struct {
	mu      sync.RWMutex
	custom  []ClassifierFunc
	rules   []Rule
	coded   []codedClassification
	nowFunc func() time.Time
}

// New returns a classifier seeded with the standard rule table.
// Rule order is a contract: first match in insertion order wins.
func New() *Classifier {
	return &Classifier{
		rules:   seedRules(),
		coded:   seedCoded(),
		nowFunc: time.Now,
	}
}

func seedRules() []Rule {
	mk := func(expr string, t domain.ErrorType, s domain.Severity, r domain.RecoveryStrategy) Rule {
		return Rule{Pattern: regexp.MustCompile(expr), Type: t, Severity: s, Strategy: r}
	}
	return []Rule{
		mk(`(?i)required field( is)? missing|missing required field`, domain.ErrorTypeRequiredFieldMissing, domain.SeverityHigh, domain.StrategySkipAndLog),
		mk(`(?i)schema mismatch|does not match schema`, domain.ErrorTypeSchemaMismatch, domain.SeverityHigh, domain.StrategySkipAndLog),
		mk(`(?i)type mismatch|cannot convert|invalid type`, domain.ErrorTypeTypeMismatch, domain.SeverityMedium, domain.StrategySkipAndLog),
		mk(`(?i)validation (failed|error)|invalid value`, domain.ErrorTypeValidation, domain.SeverityMedium, domain.StrategySkipAndLog),
		mk(`(?i)invalid format|format error|malformed`, domain.ErrorTypeFormat, domain.SeverityMedium, domain.StrategySkipAndLog),
		mk(`(?i)transformation timed? ?out`, domain.ErrorTypeTransformationTimeout, domain.SeverityHigh, domain.StrategyRetryWithBackoff),
		mk(`(?i)transform(ation)? (failed|error)`, domain.ErrorTypeTransformation, domain.SeverityMedium, domain.StrategyRetry),
		mk(`(?i)function not found|unknown transform`, domain.ErrorTypeFunctionNotFound, domain.SeverityHigh, domain.StrategySkipAndLog),
		mk(`(?i)invalid expression|expression error`, domain.ErrorTypeInvalidExpression, domain.SeverityHigh, domain.StrategySkipAndLog),
		mk(`(?i)out of memory|cannot allocate|heap exhausted`, domain.ErrorTypeMemory, domain.SeverityCritical, domain.StrategyCircuitBreak),
		mk(`(?i)timed? ?out|deadline exceeded`, domain.ErrorTypeTimeout, domain.SeverityHigh, domain.StrategyRetryWithBackoff),
		mk(`(?i)connection (refused|reset)|network|unreachable|no such host|broken pipe`, domain.ErrorTypeNetwork, domain.SeverityHigh, domain.StrategyRetryWithBackoff),
		mk(`(?i)duplicate key|already exists|unique constraint`, domain.ErrorTypeDuplicateKey, domain.SeverityMedium, domain.StrategySkip),
		mk(`(?i)constraint violat`, domain.ErrorTypeConstraintViolation, domain.SeverityHigh, domain.StrategySkipAndLog),
		mk(`(?i)business rule|policy violation`, domain.ErrorTypeBusinessRule, domain.SeverityHigh, domain.StrategySkipAndLog),
		mk(`(?i)data quality|quality threshold`, domain.ErrorTypeDataQuality, domain.SeverityMedium, domain.StrategySkipAndLog),
		mk(`(?i)data integrity|integrity check failed`, domain.ErrorTypeDataIntegrity, domain.SeverityCritical, domain.StrategyManualIntervention),
	}
}

func seedCoded() []codedClassification {
	return []codedClassification{
		{[]string{"ECONNREFUSED"}, domain.ErrorTypeNetwork, domain.SeverityHigh, domain.StrategyRetryWithBackoff},
		{[]string{"ETIMEDOUT"}, domain.ErrorTypeTimeout, domain.SeverityHigh, domain.StrategyRetryWithBackoff},
		{[]string{"ENETUNREACH", "EHOSTUNREACH"}, domain.ErrorTypeNetwork, domain.SeverityHigh, domain.StrategyRetryWithBackoff},
		{[]string{"ENOMEM"}, domain.ErrorTypeMemory, domain.SeverityCritical, domain.StrategyCircuitBreak},
		{[]string{"EPIPE", "ECONNRESET"}, domain.ErrorTypeNetwork, domain.SeverityHigh, domain.StrategyRetryWithBackoff},
		{[]string{"EAGAIN"}, domain.ErrorTypeSystem, domain.SeverityMedium, domain.StrategyRetry},
	}
}

// AddClassifier appends a caller-provided classifier. Caller classifiers run
// before the rule table, in declaration order.
func (c *Classifier) AddClassifier(fn ClassifierFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.custom = append(c.custom, fn)
}

// AddRule appends a rule to the end of the table.
func (c *Classifier) AddRule(rule Rule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules = append(c.rules, rule)
}

// PrependRule inserts a rule ahead of the seed table.
func (c *Classifier) PrependRule(rule Rule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules = append([]Rule{rule}, c.rules...)
}

// Classify resolves err to a classification. It never fails.
func (c *Classifier) Classify(err error, ectx Context) domain.Classification {
	c.mu.RLock()
	custom := c.custom
	rules := c.rules
	coded := c.coded
	c.mu.RUnlock()

	msg := ""
	if err != nil {
		msg = err.Error()
	}

	for _, fn := range custom {
		if cl := safeCustom(fn, err, ectx); cl != nil {
			return c.enrich(*cl, msg, ectx)
		}
	}

	for _, rule := range rules {
		if rule.Pattern.MatchString(msg) || (ectx.Stack != "" && rule.Pattern.MatchString(ectx.Stack)) {
			return c.enrich(domain.Classification{
				Type:             rule.Type,
				Severity:         rule.Severity,
				RecoveryStrategy: rule.Strategy,
			}, msg, ectx)
		}
	}

	code := domain.ErrorCode(err)
	for _, cc := range coded {
		for _, sub := range cc.substrings {
			if strings.Contains(msg, sub) || (code != "" && code == sub) {
				return c.enrich(domain.Classification{
					Type:             cc.typ,
					Severity:         cc.severity,
					RecoveryStrategy: cc.strategy,
				}, msg, ectx)
			}
		}
	}

	return c.enrich(domain.Classification{
		Type:             domain.ErrorTypeUnknown,
		Severity:         domain.SeverityMedium,
		RecoveryStrategy: domain.StrategySkipAndLog,
	}, msg, ectx)
}

func safeCustom(fn ClassifierFunc, err error, ectx Context) (cl *domain.Classification) {
	defer func() {
		if recover() != nil {
			cl = nil
		}
	}()
	return fn(err, ectx)
}

func (c *Classifier) enrich(cl domain.Classification, msg string, ectx Context) domain.Classification {
	cl.Error = domain.ErrorDetail{Message: msg, Stack: ectx.Stack}
	cl.ClassifiedAt = c.nowFunc()

	if ectx.Stage != "" || ectx.MappingID != "" || ectx.ExecutionID != "" || len(ectx.Extra) > 0 {
		cl.Context = map[string]any{}
		if ectx.Stage != "" {
			cl.Context["stage"] = ectx.Stage
		}
		if ectx.MappingID != "" {
			cl.Context["mapping_id"] = ectx.MappingID
		}
		if ectx.ExecutionID != "" {
			cl.Context["execution_id"] = ectx.ExecutionID
		}
		for k, v := range ectx.Extra {
			cl.Context[k] = v
		}
	}

	switch cl.Type {
	case domain.ErrorTypeNetwork, domain.ErrorTypeTimeout, domain.ErrorTypeTransformation,
		domain.ErrorTypeTransformationTimeout, domain.ErrorTypeSystem:
		cl.Metadata.IsRetryable = true
	}

	cl.Metadata.IsRecoverable = true
	switch cl.Type {
	case domain.ErrorTypeMemory, domain.ErrorTypeDataIntegrity, domain.ErrorTypeUnknown:
		cl.Metadata.IsRecoverable = false
	}

	switch cl.Type {
	case domain.ErrorTypeDataIntegrity, domain.ErrorTypeDuplicateKey, domain.ErrorTypeConstraintViolation:
		cl.Metadata.AffectsDataIntegrity = true
	}

	if cl.Severity == domain.SeverityCritical || cl.RecoveryStrategy == domain.StrategyManualIntervention {
		cl.Metadata.RequiresManualIntervention = true
	}

	return cl
}

var (
	digitsRe  = regexp.MustCompile(`\d+`)
	uuidRe    = regexp.MustCompile(`(?i)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
	longHexRe = regexp.MustCompile(`(?i)\b[0-9a-f]{16,}\b`)
)

// Fingerprint hashes a normalised error message. Used only for alert
// cooldowns; DLQ entries key by id, never by fingerprint.
func Fingerprint(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	msg = uuidRe.ReplaceAllString(msg, "<uuid>")
	msg = longHexRe.ReplaceAllString(msg, "<hex>")
	msg = digitsRe.ReplaceAllString(msg, "<n>")
	msg = strings.ToLower(strings.TrimSpace(msg))
	sum := sha256.Sum256([]byte(msg))
	return hex.EncodeToString(sum[:8])
}
