package domain

import "time"

// CapacityView is a denormalized row joining a subscription with the capacity
// it grants per metric.
type CapacityView struct {
	SubscriptionID     string               `json:"subscription_id"`
	SubscriptionNumber string               `json:"subscription_number"`
	Sku                string               `json:"sku"`
	OrgID              string               `json:"org_id"`
	ProductTag         string               `json:"product_tag"`
	ProductName        string               `json:"product_name"`
	ServiceLevel       string               `json:"service_level"`
	Usage              string               `json:"usage"`
	BillingProvider    string               `json:"billing_provider"`
	BillingAccountID   string               `json:"billing_account_id"`
	StartDate          time.Time            `json:"start_date"`
	EndDate            *time.Time           `json:"end_date,omitempty"`
	Quantity           int64                `json:"quantity"`
	HasUnlimitedUsage  bool                 `json:"has_unlimited_usage"`
	Metrics            []CapacityViewMetric `json:"metrics"`
}

// CapacityViewMetric is the capacity of one metric in one measurement type.
type CapacityViewMetric struct {
	MetricID        string  `json:"metric_id"`
	MeasurementType string  `json:"measurement_type"`
	Capacity        float64 `json:"capacity"`
}

// Measurement is the capacity aggregated over every metric entry of a row
// sharing the same metric id and measurement type.
type Measurement struct {
	MetricID        string  `json:"metric_id"`
	MeasurementType string  `json:"measurement_type"`
	Capacity        float64 `json:"capacity"`
}

// Measurement types used by capacity metrics.
const (
	MeasurementTypePhysical   = "PHYSICAL"
	MeasurementTypeHypervisor = "HYPERVISOR"
)
