package domain

import (
	"fmt"
	"strings"
)

// Any is the wildcard value accepted by the enumerations below. It never
// restricts a query.
const Any = "_ANY"

// ServiceLevel is the support level of a subscription.
type ServiceLevel string

const (
	ServiceLevelEmpty       ServiceLevel = ""
	ServiceLevelPremium     ServiceLevel = "Premium"
	ServiceLevelStandard    ServiceLevel = "Standard"
	ServiceLevelSelfSupport ServiceLevel = "Self-Support"
	ServiceLevelAny         ServiceLevel = Any
)

var serviceLevels = []ServiceLevel{
	ServiceLevelEmpty, ServiceLevelPremium, ServiceLevelStandard, ServiceLevelSelfSupport, ServiceLevelAny,
}

// ParseServiceLevel looks up a service level case-insensitively. Unknown
// values map to ServiceLevelEmpty.
func ParseServiceLevel(v string) ServiceLevel {
	return lookupFold(serviceLevels, v, ServiceLevelEmpty)
}

// Usage is the declared purpose of a subscription.
type Usage string

const (
	UsageEmpty            Usage = ""
	UsageProduction       Usage = "Production"
	UsageDevelopmentTest  Usage = "Development/Test"
	UsageDisasterRecovery Usage = "Disaster Recovery"
	UsageAny              Usage = Any
)

var usages = []Usage{UsageEmpty, UsageProduction, UsageDevelopmentTest, UsageDisasterRecovery, UsageAny}

// ParseUsage looks up a usage case-insensitively. Unknown values map to UsageEmpty.
func ParseUsage(v string) Usage {
	return lookupFold(usages, v, UsageEmpty)
}

// BillingProvider is the marketplace a subscription is billed through.
type BillingProvider string

const (
	BillingProviderEmpty  BillingProvider = ""
	BillingProviderRedHat BillingProvider = "red hat"
	BillingProviderAWS    BillingProvider = "aws"
	BillingProviderGCP    BillingProvider = "gcp"
	BillingProviderAzure  BillingProvider = "azure"
	BillingProviderOracle BillingProvider = "oracle"
	BillingProviderAny    BillingProvider = Any
)

var billingProviders = []BillingProvider{
	BillingProviderEmpty, BillingProviderRedHat, BillingProviderAWS, BillingProviderGCP,
	BillingProviderAzure, BillingProviderOracle, BillingProviderAny,
}

// ParseBillingProvider looks up a billing provider case-insensitively. Unknown
// values map to BillingProviderEmpty.
func ParseBillingProvider(v string) BillingProvider {
	return lookupFold(billingProviders, v, BillingProviderEmpty)
}

// ReportCategory is the host category used by usage reports.
type ReportCategory string

const (
	ReportCategoryPhysical   ReportCategory = "physical"
	ReportCategoryVirtual    ReportCategory = "virtual"
	ReportCategoryHypervisor ReportCategory = "hypervisor"
	ReportCategoryCloud      ReportCategory = "cloud"
)

var reportCategories = []ReportCategory{
	ReportCategoryPhysical, ReportCategoryVirtual, ReportCategoryHypervisor, ReportCategoryCloud,
}

// ParseReportCategory returns an error for values outside the vocabulary.
func ParseReportCategory(v string) (ReportCategory, error) {
	for _, c := range reportCategories {
		if strings.EqualFold(string(c), v) {
			return c, nil
		}
	}
	return "", fmt.Errorf("unexpected report category %q", v)
}

// MeasurementType maps a report category onto the measurement type of
// capacity metrics. Only physical and hypervisor have one.
func (c ReportCategory) MeasurementType() (string, bool) {
	switch c {
	case ReportCategoryHypervisor:
		return MeasurementTypeHypervisor, true
	case ReportCategoryPhysical:
		return MeasurementTypePhysical, true
	default:
		return "", false
	}
}

func lookupFold[T ~string](values []T, v string, fallback T) T {
	for _, candidate := range values {
		if strings.EqualFold(string(candidate), v) {
			return candidate
		}
	}
	return fallback
}
