package usecase

import (
	"strings"

	"github.com/V4T54L/subwatch/internal/domain"
)

// GroupMetrics sums the capacity of the row's metrics per (metric id,
// measurement type). The metric_id and category filters of the request, when
// present, restrict which entries are counted. Results keep the order in
// which each pair was first seen.
func GroupMetrics(view domain.CapacityView, req domain.ExportRequest) []domain.Measurement {
	metricIDFilter := metricIDFilter(req)
	measurementTypeFilter := measurementTypeFilter(req)

	var measurements []domain.Measurement
	for _, metric := range view.Metrics {
		if metric.MetricID == "" {
			continue
		}
		if metricIDFilter != "" && !strings.EqualFold(metricIDFilter, metric.MetricID) {
			continue
		}
		if measurementTypeFilter != "" && !strings.EqualFold(measurementTypeFilter, metric.MeasurementType) {
			continue
		}

		idx := -1
		for i, m := range measurements {
			if m.MetricID == metric.MetricID && m.MeasurementType == metric.MeasurementType {
				idx = i
				break
			}
		}
		if idx < 0 {
			measurements = append(measurements, domain.Measurement{
				MetricID:        metric.MetricID,
				MeasurementType: metric.MeasurementType,
			})
			idx = len(measurements) - 1
		}
		measurements[idx].Capacity += metric.Capacity
	}
	return measurements
}

// metricIDFilter resolves the metric_id filter to its canonical id, so that
// "Instance_hours" selects "Instance-hours". Unknown ids are used as given.
func metricIDFilter(req domain.ExportRequest) string {
	value, ok := req.Filter(MetricIDFilterName)
	if !ok || value == "" {
		return ""
	}
	if id, err := domain.ParseMetricID(value); err == nil {
		return string(id)
	}
	return value
}

// measurementTypeFilter maps the category filter onto a measurement type.
// Categories without one, and invalid categories, do not filter.
func measurementTypeFilter(req domain.ExportRequest) string {
	value, ok := req.Filter(CategoryFilterName)
	if !ok {
		return ""
	}
	category, err := domain.ParseReportCategory(value)
	if err != nil {
		return ""
	}
	measurementType, _ := category.MeasurementType()
	return measurementType
}
