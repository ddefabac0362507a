package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ExportFormat is the document format of an export.
type ExportFormat string

const (
	ExportFormatJSON ExportFormat = "json"
	ExportFormatCSV  ExportFormat = "csv"
)

// ParseExportFormat accepts "json" and "csv" in any case.
func ParseExportFormat(v string) (ExportFormat, error) {
	switch strings.ToLower(v) {
	case "json", "":
		return ExportFormatJSON, nil
	case "csv":
		return ExportFormatCSV, nil
	default:
		return "", fmt.Errorf("unsupported export format %q", v)
	}
}

// ExportRequest asks for a resource of an organization in a given format.
// Filter names are matched case-insensitively.
type ExportRequest struct {
	OrgID    string            `json:"org_id"`
	Resource string            `json:"resource"`
	Format   ExportFormat      `json:"format"`
	Filters  map[string]string `json:"filters,omitempty"`
}

// UnmarshalJSON accepts filter values of any JSON type and keeps their text,
// so {"billing_account_id": 123} filters on "123". Null values are dropped.
func (r *ExportRequest) UnmarshalJSON(data []byte) error {
	type plain ExportRequest
	var aux struct {
		plain
		Filters map[string]json.RawMessage `json:"filters,omitempty"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*r = ExportRequest(aux.plain)
	if aux.Filters == nil {
		return nil
	}

	r.Filters = make(map[string]string, len(aux.Filters))
	for name, raw := range aux.Filters {
		raw = bytes.TrimSpace(raw)
		switch {
		case len(raw) == 0 || bytes.Equal(raw, []byte("null")):
			continue
		case raw[0] == '"':
			var v string
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("filter %s: %w", name, err)
			}
			r.Filters[name] = v
		default:
			r.Filters[name] = string(raw)
		}
	}
	return nil
}

// Filter returns the value of a filter, ignoring the case of its name.
func (r ExportRequest) Filter(name string) (string, bool) {
	if v, ok := r.Filters[name]; ok {
		return v, true
	}
	for k, v := range r.Filters {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}
