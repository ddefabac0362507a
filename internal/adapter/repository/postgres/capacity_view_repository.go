package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"github.com/V4T54L/subwatch/internal/domain"
)

const capacityViewTable = "subscription_capacity_view"

const capacityViewColumns = `subscription_id, subscription_number, sku, org_id, product_tag, product_name,
	service_level, usage, billing_provider, billing_account_id, start_date, end_date, quantity,
	has_unlimited_usage, metrics`

// CapacityViewRepository implements domain.CapacityViewRepository for PostgreSQL.
type CapacityViewRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewCapacityViewRepository creates a new PostgreSQL capacity view repository.
func NewCapacityViewRepository(db *sql.DB, logger *slog.Logger) *CapacityViewRepository {
	return &CapacityViewRepository{db: db, logger: logger.With("component", "postgres_capacity_view_repository")}
}

// StreamBy lazily yields the rows matching spec. Rows are read from the
// cursor as the caller pulls them; breaking out of the loop closes it.
func (r *CapacityViewRepository) StreamBy(ctx context.Context, spec domain.Specification) iter.Seq2[domain.CapacityView, error] {
	return func(yield func(domain.CapacityView, error) bool) {
		where, args := specificationWhere(spec)
		query := `SELECT ` + capacityViewColumns + ` FROM ` + capacityViewTable + where + ` ORDER BY subscription_id, product_tag`
		r.logger.Debug("streaming capacity view", "conditions", len(args))

		rows, err := r.db.QueryContext(ctx, query, args...)
		if err != nil {
			yield(domain.CapacityView{}, fmt.Errorf("query capacity view: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			view, err := scanCapacityView(rows)
			if err != nil {
				yield(domain.CapacityView{}, err)
				return
			}
			if !yield(view, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(domain.CapacityView{}, fmt.Errorf("iterate capacity view: %w", err))
		}
	}
}

func scanCapacityView(rows *sql.Rows) (domain.CapacityView, error) {
	var (
		view    domain.CapacityView
		endDate sql.NullTime
		metrics []byte
	)
	err := rows.Scan(
		&view.SubscriptionID,
		&view.SubscriptionNumber,
		&view.Sku,
		&view.OrgID,
		&view.ProductTag,
		&view.ProductName,
		&view.ServiceLevel,
		&view.Usage,
		&view.BillingProvider,
		&view.BillingAccountID,
		&view.StartDate,
		&endDate,
		&view.Quantity,
		&view.HasUnlimitedUsage,
		&metrics,
	)
	if err != nil {
		return domain.CapacityView{}, fmt.Errorf("scan capacity view: %w", err)
	}
	if endDate.Valid {
		t := endDate.Time
		view.EndDate = &t
	}
	if len(metrics) > 0 {
		if err := json.Unmarshal(metrics, &view.Metrics); err != nil {
			return domain.CapacityView{}, fmt.Errorf("decode metrics of subscription %s: %w", view.SubscriptionID, err)
		}
	}
	return view, nil
}

// specificationWhere renders spec as a WHERE clause with positional
// placeholders numbered in condition order.
func specificationWhere(spec domain.Specification) (string, []any) {
	conds := spec.Conditions()
	if len(conds) == 0 {
		return "", nil
	}

	clauses := make([]string, 0, len(conds))
	args := make([]any, 0, len(conds))
	for _, c := range conds {
		n := len(args) + 1
		switch c.Op {
		case domain.OpEqual:
			clauses = append(clauses, fmt.Sprintf("%s = $%d", c.Field, n))
			args = append(args, c.Value)
		case domain.OpPrefix:
			clauses = append(clauses, fmt.Sprintf("%s LIKE $%d", c.Field, n))
			args = append(args, escapeLike(c.Value)+"%")
		case domain.OpContainsFold:
			clauses = append(clauses, fmt.Sprintf("UPPER(%s) LIKE $%d", textExpr(c.Field), n))
			// Not escaped: "_" stays a single-character wildcard, so
			// INSTANCE_HOURS also finds Instance-hours.
			args = append(args, "%"+strings.ToUpper(c.Value)+"%")
		default:
			// Unknown operators match nothing.
			clauses = append(clauses, "FALSE")
		}
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// textExpr is the text rendering of a column searched by contains-fold.
func textExpr(f domain.Field) string {
	if f == domain.FieldMetrics {
		return "jsonb_pretty(metrics)"
	}
	return f.String()
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
