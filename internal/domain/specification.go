package domain

import (
	"encoding/json"
	"strings"
)

// Field is a filterable column of the capacity view.
type Field int

const (
	FieldOrgID Field = iota
	FieldProductTag
	FieldServiceLevel
	FieldUsage
	FieldBillingProvider
	FieldBillingAccountID
	// FieldMetrics is the metrics collection, matched through its text rendering.
	FieldMetrics
)

func (f Field) String() string {
	switch f {
	case FieldOrgID:
		return "org_id"
	case FieldProductTag:
		return "product_tag"
	case FieldServiceLevel:
		return "service_level"
	case FieldUsage:
		return "usage"
	case FieldBillingProvider:
		return "billing_provider"
	case FieldBillingAccountID:
		return "billing_account_id"
	case FieldMetrics:
		return "metrics"
	default:
		return "unknown"
	}
}

// Operator is how a condition compares a field with its value.
type Operator int

const (
	// OpEqual is exact equality.
	OpEqual Operator = iota
	// OpPrefix matches values starting with the condition value.
	OpPrefix
	// OpContainsFold is a case-insensitive substring test against the text
	// rendering of the field, where "_" in the value matches any single
	// character (SQL LIKE semantics). For FieldMetrics this approximates
	// structural containment and can match across unrelated keys.
	OpContainsFold
)

// Condition is a single restriction on a capacity view field.
type Condition struct {
	Field Field
	Op    Operator
	Value string
}

// Matches evaluates the condition against a row.
func (c Condition) Matches(v CapacityView) bool {
	actual := fieldText(v, c.Field)
	switch c.Op {
	case OpEqual:
		return actual == c.Value
	case OpPrefix:
		return strings.HasPrefix(actual, c.Value)
	case OpContainsFold:
		return containsLike([]rune(strings.ToUpper(actual)), []rune(strings.ToUpper(c.Value)))
	default:
		return false
	}
}

// Specification is an immutable conjunction of conditions. The zero value
// matches every row.
type Specification struct {
	conditions []Condition
}

// Where starts a specification from the given conditions.
func Where(conds ...Condition) Specification {
	return Specification{}.And(conds...)
}

// And returns a new specification that also requires conds.
func (s Specification) And(conds ...Condition) Specification {
	if len(conds) == 0 {
		return s
	}
	merged := make([]Condition, 0, len(s.conditions)+len(conds))
	merged = append(merged, s.conditions...)
	merged = append(merged, conds...)
	return Specification{conditions: merged}
}

// Conditions returns a copy of the conditions in insertion order.
func (s Specification) Conditions() []Condition {
	out := make([]Condition, len(s.conditions))
	copy(out, s.conditions)
	return out
}

// IsEmpty reports whether the specification places no restriction.
func (s Specification) IsEmpty() bool {
	return len(s.conditions) == 0
}

// Matches reports whether every condition holds for the row.
func (s Specification) Matches(v CapacityView) bool {
	for _, c := range s.conditions {
		if !c.Matches(v) {
			return false
		}
	}
	return true
}

// MetricsText renders the metrics collection as indented JSON, the form the
// contains-fold operator searches.
func MetricsText(metrics []CapacityViewMetric) string {
	if metrics == nil {
		metrics = []CapacityViewMetric{}
	}
	b, err := json.MarshalIndent(metrics, "", "    ")
	if err != nil {
		return ""
	}
	return string(b)
}

// containsLike reports whether pattern occurs in s, "_" matching any rune.
func containsLike(s, pattern []rune) bool {
	for start := 0; start+len(pattern) <= len(s); start++ {
		matched := true
		for i, p := range pattern {
			if p != '_' && p != s[start+i] {
				matched = false
				break
			}
		}
		if matched {
			return true
		}
	}
	return false
}

func fieldText(v CapacityView, f Field) string {
	switch f {
	case FieldOrgID:
		return v.OrgID
	case FieldProductTag:
		return v.ProductTag
	case FieldServiceLevel:
		return v.ServiceLevel
	case FieldUsage:
		return v.Usage
	case FieldBillingProvider:
		return v.BillingProvider
	case FieldBillingAccountID:
		return v.BillingAccountID
	case FieldMetrics:
		return MetricsText(v.Metrics)
	default:
		return ""
	}
}
