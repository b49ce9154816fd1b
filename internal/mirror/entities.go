package mirror

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fieldops/crm-bridge/internal/errs"
	"github.com/fieldops/crm-bridge/internal/store"
)

// Entity describes one mirrored source entity: where to fetch it, where to
// store it, and how to project the raw payload onto typed columns.
type Entity struct {
	// Name is the entity identifier used in cursors, runs, and the CLI
	Name string

	// Path is the list/export endpoint path on the source API
	Path string

	// Table is the mirror table name
	Table string

	// Columns are the typed projection columns, in insert order
	Columns []string

	// Project converts one raw payload into a record. Returns
	// *errs.ValidationError for malformed records.
	Project func(raw json.RawMessage) (store.Record, error)
}

// Entities returns the descriptor for every supported entity, keyed by name.
func Entities() map[string]Entity {
	all := []Entity{Customers(), Jobs(), Estimates(), Appointments()}
	m := make(map[string]Entity, len(all))
	for _, e := range all {
		m[e.Name] = e
	}
	return m
}

// Customers describes the customer mirror.
func Customers() Entity {
	return Entity{
		Name:    "customers",
		Path:    "customers",
		Table:   "customers",
		Columns: []string{"name", "email", "phone", "active"},
		Project: func(raw json.RawMessage) (store.Record, error) {
			var p struct {
				ID         int64      `json:"id"`
				Name       string     `json:"name"`
				Email      string     `json:"email"`
				Phone      string     `json:"phoneNumber"`
				Active     bool       `json:"active"`
				ModifiedOn *time.Time `json:"modifiedOn"`
			}
			if err := parse(raw, "customers", &p, &p.ID); err != nil {
				return store.Record{}, err
			}
			return record(p.ID, p.ModifiedOn, raw, map[string]any{
				"name":   p.Name,
				"email":  p.Email,
				"phone":  p.Phone,
				"active": p.Active,
			}), nil
		},
	}
}

// Jobs describes the job mirror.
func Jobs() Entity {
	return Entity{
		Name:    "jobs",
		Path:    "jobs",
		Table:   "jobs",
		Columns: []string{"customer_id", "business_unit", "job_type", "status", "created_on", "completed_on"},
		Project: func(raw json.RawMessage) (store.Record, error) {
			var p struct {
				ID           int64      `json:"id"`
				CustomerID   int64      `json:"customerId"`
				BusinessUnit string     `json:"businessUnitName"`
				JobType      string     `json:"jobTypeName"`
				Status       string     `json:"jobStatus"`
				CreatedOn    *time.Time `json:"createdOn"`
				CompletedOn  *time.Time `json:"completedOn"`
				ModifiedOn   *time.Time `json:"modifiedOn"`
			}
			if err := parse(raw, "jobs", &p, &p.ID); err != nil {
				return store.Record{}, err
			}
			return record(p.ID, p.ModifiedOn, raw, map[string]any{
				"customer_id":   p.CustomerID,
				"business_unit": p.BusinessUnit,
				"job_type":      p.JobType,
				"status":        p.Status,
				"created_on":    p.CreatedOn,
				"completed_on":  p.CompletedOn,
			}), nil
		},
	}
}

// Estimates describes the estimate mirror.
func Estimates() Entity {
	return Entity{
		Name:    "estimates",
		Path:    "estimates",
		Table:   "estimates",
		Columns: []string{"customer_id", "job_id", "status", "subtotal", "sold_on", "sold_by"},
		Project: func(raw json.RawMessage) (store.Record, error) {
			var p struct {
				ID         int64 `json:"id"`
				CustomerID int64 `json:"customerId"`
				JobID      int64 `json:"jobId"`
				Status     struct {
					Name string `json:"name"`
				} `json:"status"`
				Subtotal   float64    `json:"subtotal"`
				SoldOn     *time.Time `json:"soldOn"`
				SoldBy     *int64     `json:"soldBy"`
				ModifiedOn *time.Time `json:"modifiedOn"`
			}
			if err := parse(raw, "estimates", &p, &p.ID); err != nil {
				return store.Record{}, err
			}
			return record(p.ID, p.ModifiedOn, raw, map[string]any{
				"customer_id": p.CustomerID,
				"job_id":      p.JobID,
				"status":      p.Status.Name,
				"subtotal":    p.Subtotal,
				"sold_on":     p.SoldOn,
				"sold_by":     p.SoldBy,
			}), nil
		},
	}
}

// Appointments describes the appointment mirror.
func Appointments() Entity {
	return Entity{
		Name:    "appointments",
		Path:    "appointments",
		Table:   "appointments",
		Columns: []string{"job_id", "status", "start_at"},
		Project: func(raw json.RawMessage) (store.Record, error) {
			var p struct {
				ID         int64      `json:"id"`
				JobID      int64      `json:"jobId"`
				Status     string     `json:"status"`
				Start      *time.Time `json:"start"`
				ModifiedOn *time.Time `json:"modifiedOn"`
			}
			if err := parse(raw, "appointments", &p, &p.ID); err != nil {
				return store.Record{}, err
			}
			return record(p.ID, p.ModifiedOn, raw, map[string]any{
				"job_id":   p.JobID,
				"status":   p.Status,
				"start_at": p.Start,
			}), nil
		},
	}
}

func parse(raw json.RawMessage, entity string, out any, id *int64) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return &errs.ValidationError{Entity: entity, SourceID: "unknown", Err: err}
	}
	if *id == 0 {
		return &errs.ValidationError{Entity: entity, SourceID: "unknown", Err: fmt.Errorf("missing id")}
	}
	return nil
}

func record(id int64, modifiedOn *time.Time, raw json.RawMessage, cols map[string]any) store.Record {
	rec := store.Record{
		SourceID: id,
		Columns:  cols,
		Raw:      raw,
	}
	if modifiedOn != nil {
		rec.ModifiedOn = *modifiedOn
	}
	return rec
}
