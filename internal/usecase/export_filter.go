package usecase

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/V4T54L/subwatch/internal/domain"
)

// ExportFilter is a filter supported by the subscriptions export.
type ExportFilter int

const (
	FilterProductID ExportFilter = iota
	FilterUsage
	FilterCategory
	FilterSLA
	FilterMetricID
	FilterBillingProvider
	FilterBillingAccountID
)

// Filter names as they appear in export requests.
const (
	ProductIDFilterName        = "product_id"
	UsageFilterName            = "usage"
	CategoryFilterName         = "category"
	SLAFilterName              = "sla"
	MetricIDFilterName         = "metric_id"
	BillingProviderFilterName  = "billing_provider"
	BillingAccountIDFilterName = "billing_account_id"
)

// ParseExportFilter resolves a filter name, ignoring case.
func ParseExportFilter(name string) (ExportFilter, bool) {
	switch strings.ToLower(name) {
	case ProductIDFilterName:
		return FilterProductID, true
	case UsageFilterName:
		return FilterUsage, true
	case CategoryFilterName:
		return FilterCategory, true
	case SLAFilterName:
		return FilterSLA, true
	case MetricIDFilterName:
		return FilterMetricID, true
	case BillingProviderFilterName:
		return FilterBillingProvider, true
	case BillingAccountIDFilterName:
		return FilterBillingAccountID, true
	default:
		return 0, false
	}
}

// Condition validates value and returns the restriction it stands for.
// restricts is false when the value places no constraint, e.g. "_ANY".
func (f ExportFilter) Condition(value string) (cond domain.Condition, restricts bool, err error) {
	switch f {
	case FilterProductID:
		return productIDCondition(value)
	case FilterUsage:
		return usageCondition(value)
	case FilterCategory:
		return categoryCondition(value)
	case FilterSLA:
		return slaCondition(value)
	case FilterMetricID:
		return metricIDCondition(value)
	case FilterBillingProvider:
		return billingProviderCondition(value)
	case FilterBillingAccountID:
		return billingAccountIDCondition(value)
	default:
		return domain.Condition{}, false, fmt.Errorf("unknown filter %d", f)
	}
}

// BuildExportSpecification composes the filters of an export request into one
// specification. No filters yields a specification matching every row.
// Unknown filter names are logged and ignored; an invalid value for a known
// filter is a bad request.
func BuildExportSpecification(filters map[string]string, logger *slog.Logger) (domain.Specification, error) {
	spec := domain.Specification{}

	names := make([]string, 0, len(filters))
	for name := range filters {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		filter, ok := ParseExportFilter(name)
		if !ok {
			logger.Warn("filter isn't currently supported, ignoring", "filter", name)
			continue
		}
		cond, restricts, err := filter.Condition(filters[name])
		if err != nil {
			return domain.Specification{}, domain.NewBadRequestError("Wrong filter in export request: " + err.Error())
		}
		if restricts {
			spec = spec.And(cond)
		}
	}

	return spec, nil
}

func productIDCondition(value string) (domain.Condition, bool, error) {
	productTag, err := domain.ParseProductID(value)
	if err != nil {
		return domain.Condition{}, false, err
	}
	return domain.Condition{Field: domain.FieldProductTag, Op: domain.OpEqual, Value: productTag}, true, nil
}

func usageCondition(value string) (domain.Condition, bool, error) {
	usage := domain.ParseUsage(value)
	if !strings.EqualFold(value, string(usage)) {
		return domain.Condition{}, false, fmt.Errorf("usage: %s not supported", value)
	}
	if usage == domain.UsageAny {
		return domain.Condition{}, false, nil
	}
	return domain.Condition{Field: domain.FieldUsage, Op: domain.OpEqual, Value: string(usage)}, true, nil
}

func categoryCondition(value string) (domain.Condition, bool, error) {
	category, err := domain.ParseReportCategory(value)
	if err != nil {
		return domain.Condition{}, false, fmt.Errorf("category: %s not supported", value)
	}
	measurementType, ok := category.MeasurementType()
	if !ok {
		return domain.Condition{}, false, nil
	}
	return domain.Condition{Field: domain.FieldMetrics, Op: domain.OpContainsFold, Value: measurementType}, true, nil
}

func slaCondition(value string) (domain.Condition, bool, error) {
	sla := domain.ParseServiceLevel(value)
	if !strings.EqualFold(value, string(sla)) {
		return domain.Condition{}, false, fmt.Errorf("sla: %s not supported", value)
	}
	if sla == domain.ServiceLevelAny {
		return domain.Condition{}, false, nil
	}
	return domain.Condition{Field: domain.FieldServiceLevel, Op: domain.OpEqual, Value: string(sla)}, true, nil
}

func metricIDCondition(value string) (domain.Condition, bool, error) {
	metricID, err := domain.ParseMetricID(value)
	if err != nil {
		return domain.Condition{}, false, err
	}
	return domain.Condition{Field: domain.FieldMetrics, Op: domain.OpContainsFold, Value: metricID.UpperCaseFormatted()}, true, nil
}

func billingProviderCondition(value string) (domain.Condition, bool, error) {
	provider := domain.ParseBillingProvider(value)
	if !strings.EqualFold(value, string(provider)) {
		return domain.Condition{}, false, fmt.Errorf("billing_provider: %s not supported", value)
	}
	if provider == domain.BillingProviderAny {
		return domain.Condition{}, false, nil
	}
	return domain.Condition{Field: domain.FieldBillingProvider, Op: domain.OpEqual, Value: string(provider)}, true, nil
}

func billingAccountIDCondition(value string) (domain.Condition, bool, error) {
	if strings.EqualFold(value, domain.Any) {
		return domain.Condition{}, false, nil
	}
	return domain.Condition{Field: domain.FieldBillingAccountID, Op: domain.OpPrefix, Value: value}, true, nil
}
