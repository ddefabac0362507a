package usecase

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strconv"
	"time"

	"github.com/V4T54L/subwatch/internal/adapter/metrics"
	"github.com/V4T54L/subwatch/internal/domain"
)

// SubscriptionsResource is the export resource served by SubscriptionExporter.
const SubscriptionsResource = "subscriptions"

// DataMapper writes exported rows to an output document.
type DataMapper interface {
	WriteItem(view domain.CapacityView, req domain.ExportRequest) error
	// Close completes the document. It must be called even when no item was written.
	Close() error
}

// SubscriptionExporter exports subscription capacity rows.
type SubscriptionExporter struct {
	repo    domain.CapacityViewRepository
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewSubscriptionExporter creates a new SubscriptionExporter. m may be nil.
func NewSubscriptionExporter(repo domain.CapacityViewRepository, logger *slog.Logger, m *metrics.Metrics) *SubscriptionExporter {
	return &SubscriptionExporter{
		repo:    repo,
		logger:  logger.With("component", "subscription_exporter"),
		metrics: m,
	}
}

// Handles reports whether the request asks for subscriptions.
func (e *SubscriptionExporter) Handles(req domain.ExportRequest) bool {
	return req.Resource == SubscriptionsResource
}

// FetchData validates the request filters and returns a lazy stream of the
// matching rows. Invalid filters fail before any row is read.
func (e *SubscriptionExporter) FetchData(ctx context.Context, req domain.ExportRequest) (iter.Seq2[domain.CapacityView, error], error) {
	e.logger.Debug("fetching data", "org_id", req.OrgID)
	spec, err := BuildExportSpecification(req.Filters, e.logger)
	if err != nil {
		return nil, err
	}
	if req.OrgID != "" {
		spec = spec.And(domain.Condition{Field: domain.FieldOrgID, Op: domain.OpEqual, Value: req.OrgID})
	}
	return e.repo.StreamBy(ctx, spec), nil
}

// Mapper returns the data mapper writing format to w.
func (e *SubscriptionExporter) Mapper(format domain.ExportFormat, w io.Writer) (DataMapper, error) {
	switch format {
	case domain.ExportFormatJSON, "":
		return newJSONDataMapper(w), nil
	case domain.ExportFormatCSV:
		return newCSVDataMapper(w)
	default:
		return nil, domain.NewBadRequestError(fmt.Sprintf("unsupported export format %q", format))
	}
}

// Export streams the rows matching req to w and returns how many were written.
func (e *SubscriptionExporter) Export(ctx context.Context, req domain.ExportRequest, w io.Writer) (int, error) {
	rows, err := e.FetchData(ctx, req)
	if err != nil {
		return 0, err
	}
	mapper, err := e.Mapper(req.Format, w)
	if err != nil {
		return 0, err
	}

	count := 0
	for view, err := range rows {
		if err != nil {
			return count, fmt.Errorf("failed to stream subscriptions: %w", err)
		}
		if err := mapper.WriteItem(view, req); err != nil {
			return count, fmt.Errorf("failed to write subscription %s: %w", view.SubscriptionID, err)
		}
		count++
	}
	if err := mapper.Close(); err != nil {
		return count, fmt.Errorf("failed to complete export document: %w", err)
	}

	if e.metrics != nil {
		e.metrics.ExportRows.Add(float64(count))
	}
	e.logger.Info("exported subscriptions", "org_id", req.OrgID, "format", req.Format, "rows", count)
	return count, nil
}

type subscriptionExportItem struct {
	SubscriptionID     string               `json:"subscription_id"`
	SubscriptionNumber string               `json:"subscription_number"`
	Sku                string               `json:"sku"`
	ProductName        string               `json:"product_name"`
	ProductTag         string               `json:"product_tag"`
	ServiceLevel       string               `json:"service_level"`
	Usage              string               `json:"usage"`
	BillingProvider    string               `json:"billing_provider"`
	BillingAccountID   string               `json:"billing_account_id"`
	StartDate          time.Time            `json:"start_date"`
	EndDate            *time.Time           `json:"end_date,omitempty"`
	Quantity           int64                `json:"quantity"`
	HasUnlimitedUsage  bool                 `json:"has_unlimited_usage"`
	Measurements       []domain.Measurement `json:"measurements"`
}

// jsonDataMapper writes {"data":[...]} one item at a time.
type jsonDataMapper struct {
	w       io.Writer
	started bool
}

func newJSONDataMapper(w io.Writer) *jsonDataMapper {
	return &jsonDataMapper{w: w}
}

func (m *jsonDataMapper) WriteItem(view domain.CapacityView, req domain.ExportRequest) error {
	measurements := GroupMetrics(view, req)
	if measurements == nil {
		measurements = []domain.Measurement{}
	}
	b, err := json.Marshal(subscriptionExportItem{
		SubscriptionID:     view.SubscriptionID,
		SubscriptionNumber: view.SubscriptionNumber,
		Sku:                view.Sku,
		ProductName:        view.ProductName,
		ProductTag:         view.ProductTag,
		ServiceLevel:       view.ServiceLevel,
		Usage:              view.Usage,
		BillingProvider:    view.BillingProvider,
		BillingAccountID:   view.BillingAccountID,
		StartDate:          view.StartDate,
		EndDate:            view.EndDate,
		Quantity:           view.Quantity,
		HasUnlimitedUsage:  view.HasUnlimitedUsage,
		Measurements:       measurements,
	})
	if err != nil {
		return err
	}

	sep := ","
	if !m.started {
		sep = `{"data":[`
		m.started = true
	}
	if _, err := io.WriteString(m.w, sep); err != nil {
		return err
	}
	_, err = m.w.Write(b)
	return err
}

func (m *jsonDataMapper) Close() error {
	closing := "]}"
	if !m.started {
		closing = `{"data":[]}`
	}
	_, err := io.WriteString(m.w, closing)
	return err
}

var csvHeader = []string{
	"subscription_id", "subscription_number", "sku", "product_name", "product_tag",
	"service_level", "usage", "billing_provider", "billing_account_id",
	"start_date", "end_date", "quantity", "has_unlimited_usage",
	"metric_id", "measurement_type", "capacity",
}

// csvDataMapper writes one line per grouped measurement. A row without
// measurements still gets one line with the measurement columns left empty.
type csvDataMapper struct {
	writer *csv.Writer
}

func newCSVDataMapper(w io.Writer) (*csvDataMapper, error) {
	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}
	return &csvDataMapper{writer: writer}, nil
}

func (m *csvDataMapper) WriteItem(view domain.CapacityView, req domain.ExportRequest) error {
	endDate := ""
	if view.EndDate != nil {
		endDate = view.EndDate.Format(time.RFC3339)
	}
	base := []string{
		view.SubscriptionID,
		view.SubscriptionNumber,
		view.Sku,
		view.ProductName,
		view.ProductTag,
		view.ServiceLevel,
		view.Usage,
		view.BillingProvider,
		view.BillingAccountID,
		view.StartDate.Format(time.RFC3339),
		endDate,
		strconv.FormatInt(view.Quantity, 10),
		strconv.FormatBool(view.HasUnlimitedUsage),
	}

	measurements := GroupMetrics(view, req)
	if len(measurements) == 0 {
		return m.writer.Write(append(base, "", "", ""))
	}
	for _, measurement := range measurements {
		row := append(append([]string(nil), base...),
			measurement.MetricID,
			measurement.MeasurementType,
			strconv.FormatFloat(measurement.Capacity, 'f', -1, 64),
		)
		if err := m.writer.Write(row); err != nil {
			return err
		}
	}
	return nil
}

func (m *csvDataMapper) Close() error {
	m.writer.Flush()
	return m.writer.Error()
}
