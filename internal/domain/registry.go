package domain

import (
	"fmt"
	"strings"
)

// Product tags known to the subscription definitions.
var productTags = []string{
	"RHEL for x86",
	"RHEL for ARM",
	"RHEL for IBM Power",
	"RHEL for IBM z",
	"rhel-for-x86-els-payg",
	"OpenShift Container Platform",
	"OpenShift-metrics",
	"OpenShift-dedicated-metrics",
	"rosa",
	"rhosak",
	"rhacs",
	"ansible-aap-managed",
	"Satellite",
}

// Metric ids known to the subscription definitions.
var metricIDs = []MetricID{
	"Cores",
	"Sockets",
	"vCPUs",
	"Instance-hours",
	"Storage-gibibytes",
	"Storage-gibibyte-months",
	"Transfer-gibibytes",
	"Managed-nodes",
	"Control-plane",
}

// ParseProductID returns the canonical product tag matching v case-insensitively.
func ParseProductID(v string) (string, error) {
	for _, tag := range productTags {
		if strings.EqualFold(tag, v) {
			return tag, nil
		}
	}
	return "", fmt.Errorf("product_id: %s not supported", v)
}

// MetricID names a metered dimension.
type MetricID string

// ParseMetricID returns the canonical metric id matching v. Underscores and
// dashes are interchangeable.
func ParseMetricID(v string) (MetricID, error) {
	normalized := strings.ReplaceAll(v, "_", "-")
	for _, id := range metricIDs {
		if strings.EqualFold(string(id), normalized) {
			return id, nil
		}
	}
	return "", fmt.Errorf("metric_id: %s not supported", v)
}

// UpperCaseFormatted renders the id the way it appears in stored measurement
// names, e.g. "Instance-hours" becomes "INSTANCE_HOURS".
func (m MetricID) UpperCaseFormatted() string {
	return strings.ToUpper(strings.ReplaceAll(string(m), "-", "_"))
}
