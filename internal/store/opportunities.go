package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Opportunity is the local mirror of one target pipeline record.
type Opportunity struct {
	TargetID         string
	PipelineID       string
	StageID          string
	Name             string
	MonetaryValue    float64
	LinkedJobID      *int64
	LinkedCustomerID *int64
	Status           string
	LastTransitionAt *time.Time
}

// SoldCandidate pairs an opportunity with one sold estimate that could
// justify the SOLD transition. An opportunity may appear in several rows; the
// engine applies the configured attribution order to pick one.
type SoldCandidate struct {
	Opp          Opportunity
	EstimateID   int64
	Subtotal     float64
	SoldBy       *int64
	SoldOn       *time.Time
	CustomerName string
}

// InstallCandidate pairs an opportunity at the job-sold stage with an
// install-type job observed for its customer.
type InstallCandidate struct {
	Opp          Opportunity
	JobID        int64
	BusinessUnit string
	JobCreatedOn *time.Time
}

// InProgressCandidate pairs an opportunity with an active appointment on its
// linked job.
type InProgressCandidate struct {
	Opp               Opportunity
	AppointmentID     int64
	AppointmentStatus string
}

// UpsertOpportunity refreshes the mirror row from target state. Linked source
// IDs are only overwritten when the refresh carries them, so engine-written
// links survive refreshes that lack the custom fields.
func (s *Store) UpsertOpportunity(ctx context.Context, opp Opportunity, raw json.RawMessage) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO opportunities
		   (target_id, pipeline_id, stage_id, name, monetary_value,
		    linked_job_id, linked_customer_id, status, raw_payload, fetched_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (target_id) DO UPDATE SET
		   pipeline_id = EXCLUDED.pipeline_id,
		   stage_id = EXCLUDED.stage_id,
		   name = EXCLUDED.name,
		   monetary_value = EXCLUDED.monetary_value,
		   linked_job_id = COALESCE(EXCLUDED.linked_job_id, opportunities.linked_job_id),
		   linked_customer_id = COALESCE(EXCLUDED.linked_customer_id, opportunities.linked_customer_id),
		   status = EXCLUDED.status,
		   raw_payload = EXCLUDED.raw_payload,
		   fetched_at = EXCLUDED.fetched_at`,
		opp.TargetID, opp.PipelineID, opp.StageID, opp.Name, opp.MonetaryValue,
		opp.LinkedJobID, opp.LinkedCustomerID, opp.Status, raw, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert opportunity %s: %w", opp.TargetID, err)
	}
	return nil
}

// MarkOpportunityStage records a transition the target accepted. Never called
// before the remote mutation succeeds.
func (s *Store) MarkOpportunityStage(
	ctx context.Context,
	targetID, pipelineID, stageID string,
	linkedJobID *int64,
	transitionedAt time.Time,
) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE opportunities
		 SET pipeline_id = $2,
		     stage_id = $3,
		     linked_job_id = COALESCE($4, linked_job_id),
		     last_transition_at = $5
		 WHERE target_id = $1`,
		targetID, pipelineID, stageID, linkedJobID, transitionedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record transition for opportunity %s: %w", targetID, err)
	}
	return nil
}

const oppColumns = `o.target_id, o.pipeline_id, o.stage_id, o.name, o.monetary_value,
	o.linked_job_id, o.linked_customer_id, o.status, o.last_transition_at`

func scanOpp(scan func(dest ...any) error, extra ...any) (Opportunity, error) {
	var o Opportunity
	dest := []any{
		&o.TargetID, &o.PipelineID, &o.StageID, &o.Name, &o.MonetaryValue,
		&o.LinkedJobID, &o.LinkedCustomerID, &o.Status, &o.LastTransitionAt,
	}
	dest = append(dest, extra...)
	return o, scan(dest...)
}

// SoldCandidates selects open opportunities in the given pre-sale stages
// whose linked customer has a sold estimate. Stages at or past the
// destination are excluded by construction of eligibleStages, which makes
// re-running the detector a no-op for already-transitioned records.
func (s *Store) SoldCandidates(ctx context.Context, pipelineID string, eligibleStages []string) ([]SoldCandidate, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+oppColumns+`,
		        e.source_id, COALESCE(e.subtotal, 0), e.sold_by, e.sold_on, COALESCE(c.name, '')
		 FROM opportunities o
		 JOIN estimates e ON e.customer_id = o.linked_customer_id AND e.status = 'Sold'
		 LEFT JOIN customers c ON c.source_id = o.linked_customer_id
		 WHERE o.pipeline_id = $1
		   AND o.stage_id = ANY($2)
		   AND o.status = 'open'
		 ORDER BY o.target_id, e.sold_on NULLS LAST, e.source_id`,
		pipelineID, eligibleStages,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query sold candidates: %w", err)
	}
	defer rows.Close()

	var out []SoldCandidate
	for rows.Next() {
		var c SoldCandidate
		opp, err := scanOpp(rows.Scan, &c.EstimateID, &c.Subtotal, &c.SoldBy, &c.SoldOn, &c.CustomerName)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sold candidate: %w", err)
		}
		c.Opp = opp
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read sold candidates: %w", err)
	}
	return out, nil
}

// InstallCandidates selects open opportunities exactly at the job-sold stage
// whose customer has a job in one of the install business units that the
// opportunity is not already linked to.
func (s *Store) InstallCandidates(
	ctx context.Context,
	pipelineID, jobSoldStage string,
	installBusinessUnits []string,
) ([]InstallCandidate, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+oppColumns+`, j.source_id, j.business_unit, j.created_on
		 FROM opportunities o
		 JOIN jobs j ON j.customer_id = o.linked_customer_id
		            AND j.business_unit = ANY($3)
		 WHERE o.pipeline_id = $1
		   AND o.stage_id = $2
		   AND o.status = 'open'
		   AND (o.linked_job_id IS NULL OR o.linked_job_id <> j.source_id)
		 ORDER BY o.target_id, j.created_on NULLS LAST, j.source_id`,
		pipelineID, jobSoldStage, installBusinessUnits,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query install candidates: %w", err)
	}
	defer rows.Close()

	var out []InstallCandidate
	for rows.Next() {
		var c InstallCandidate
		opp, err := scanOpp(rows.Scan, &c.JobID, &c.BusinessUnit, &c.JobCreatedOn)
		if err != nil {
			return nil, fmt.Errorf("failed to scan install candidate: %w", err)
		}
		c.Opp = opp
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read install candidates: %w", err)
	}
	return out, nil
}

// InProgressCandidates selects open opportunities in the given stages whose
// linked job has a dispatched or working appointment.
func (s *Store) InProgressCandidates(
	ctx context.Context,
	pipelineID string,
	eligibleStages []string,
	appointmentStatuses []string,
) ([]InProgressCandidate, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+oppColumns+`, a.source_id, a.status
		 FROM opportunities o
		 JOIN appointments a ON a.job_id = o.linked_job_id
		                    AND a.status = ANY($3)
		 WHERE o.pipeline_id = $1
		   AND o.stage_id = ANY($2)
		   AND o.status = 'open'
		 ORDER BY o.target_id, a.start_at NULLS LAST, a.source_id`,
		pipelineID, eligibleStages, appointmentStatuses,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query in-progress candidates: %w", err)
	}
	defer rows.Close()

	var out []InProgressCandidate
	for rows.Next() {
		var c InProgressCandidate
		opp, err := scanOpp(rows.Scan, &c.AppointmentID, &c.AppointmentStatus)
		if err != nil {
			return nil, fmt.Errorf("failed to scan in-progress candidate: %w", err)
		}
		c.Opp = opp
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read in-progress candidates: %w", err)
	}
	return out, nil
}
