package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/fieldops/crm-bridge/internal/config"
	"github.com/fieldops/crm-bridge/internal/errs"
	"github.com/fieldops/crm-bridge/internal/store"
	"github.com/fieldops/crm-bridge/internal/target"
)

// Appointment statuses that mean a crew is on the way or on site.
var activeAppointmentStatuses = []string{"Dispatched", "Working"}

// Custom field key carrying the linked source job ID on the target record.
const fieldSourceJobID = "source_job_id"

// CandidateStore queries the local mirror for transition candidates and
// records accepted transitions.
type CandidateStore interface {
	SoldCandidates(ctx context.Context, pipelineID string, eligibleStages []string) ([]store.SoldCandidate, error)
	InstallCandidates(ctx context.Context, pipelineID, jobSoldStage string, installBusinessUnits []string) ([]store.InstallCandidate, error)
	InProgressCandidates(ctx context.Context, pipelineID string, eligibleStages, appointmentStatuses []string) ([]store.InProgressCandidate, error)
	MarkOpportunityStage(ctx context.Context, targetID, pipelineID, stageID string, linkedJobID *int64, transitionedAt time.Time) error
}

// TargetUpdater mutates opportunities on the target.
type TargetUpdater interface {
	UpdateOpportunity(ctx context.Context, id string, update target.OpportunityUpdate) error
}

// Summary counts one transition pass.
type Summary struct {
	Sold           int `json:"sold"`
	InstallStarted int `json:"installStarted"`
	InProgress     int `json:"inProgress"`
	Skipped        int `json:"skipped"`
	Failed         int `json:"failed"`
}

// Engine detects and applies stage transitions. Each pass runs the three
// detectors in order: SOLD, INSTALL_STARTED, IN_PROGRESS. The mirror is only
// marked after the target accepts the mutation, so a crash between the two
// re-detects the same candidate on the next pass and the target-side write is
// idempotent.
type Engine struct {
	store       CandidateStore
	target      TargetUpdater
	attribution []string

	salesPipelineID   string
	installPipelineID string
	salesEligible     []string // stages up to and including proposal-sent
	jobSoldStage      string
	jobCreatedStage   string
	installEligible   []string // stages before in-progress
	inProgressStage   string
	installUnits      []string

	dryRun bool
	logger *slog.Logger
	now    func() time.Time
}

// Option is a functional option for configuring the engine.
type Option func(*Engine)

// WithDryRun makes the pass log would-be transitions without mutating the
// target or the mirror.
func WithDryRun(dryRun bool) Option {
	return func(e *Engine) {
		e.dryRun = dryRun
	}
}

// WithLogger sets the logger for transition events.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// withClock overrides the wall clock, for tests.
func withClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine resolves every stage the transitions need up front so a
// misconfigured pipeline fails at startup rather than mid-pass.
func NewEngine(
	graph *Graph,
	cfg config.TransitionsConfig,
	st CandidateStore,
	updater TargetUpdater,
	opts ...Option,
) (*Engine, error) {
	e := &Engine{
		store:        st,
		target:       updater,
		attribution:  cfg.LeadAttribution,
		installUnits: cfg.InstallBusinessUnits,
		logger:       slog.Default(),
		now:          time.Now,
	}

	var err error
	if e.salesPipelineID, err = graph.PipelineID(cfg.SalesPipeline); err != nil {
		return nil, err
	}
	if e.installPipelineID, err = graph.PipelineID(cfg.InstallPipeline); err != nil {
		return nil, err
	}
	if e.jobSoldStage, err = graph.StageForRole(cfg.SalesPipeline, RoleJobSold); err != nil {
		return nil, err
	}
	if e.salesEligible, err = graph.StagesAtOrBefore(cfg.SalesPipeline, RoleProposalSent); err != nil {
		return nil, err
	}
	if e.jobCreatedStage, err = graph.StageForRole(cfg.InstallPipeline, RoleJobCreated); err != nil {
		return nil, err
	}
	if e.inProgressStage, err = graph.StageForRole(cfg.InstallPipeline, RoleInProgress); err != nil {
		return nil, err
	}
	if e.installEligible, err = graph.StagesBefore(cfg.InstallPipeline, RoleInProgress); err != nil {
		return nil, err
	}

	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

// Run executes one full transition pass.
func (e *Engine) Run(ctx context.Context) (Summary, error) {
	var sum Summary

	if err := e.runSold(ctx, &sum); err != nil {
		return sum, err
	}
	if err := e.runInstallStarted(ctx, &sum); err != nil {
		return sum, err
	}
	if err := e.runInProgress(ctx, &sum); err != nil {
		return sum, err
	}

	return sum, nil
}

// runSold moves pre-sale opportunities to the job-sold stage when their
// customer has a sold estimate, carrying the estimate's value onto the
// record.
func (e *Engine) runSold(ctx context.Context, sum *Summary) error {
	candidates, err := e.store.SoldCandidates(ctx, e.salesPipelineID, e.salesEligible)
	if err != nil {
		return fmt.Errorf("failed to detect sold transitions: %w", err)
	}

	for _, c := range dedupeSold(candidates, e.attribution) {
		update := target.OpportunityUpdate{
			StageID:       &e.jobSoldStage,
			MonetaryValue: &c.Subtotal,
		}
		if c.CustomerName != "" {
			name := fmt.Sprintf("%s - $%.2f", c.CustomerName, c.Subtotal)
			update.Name = &name
		}

		e.apply(ctx, sum, &sum.Sold, transition{
			name:       "SOLD",
			targetID:   c.Opp.TargetID,
			pipelineID: e.salesPipelineID,
			stageID:    e.jobSoldStage,
			update:     update,
			detail:     slog.Int64("estimate_id", c.EstimateID),
		})
	}

	return nil
}

// runInstallStarted moves job-sold opportunities into the install pipeline
// when an install-type job appears for their customer, linking the job.
func (e *Engine) runInstallStarted(ctx context.Context, sum *Summary) error {
	candidates, err := e.store.InstallCandidates(ctx, e.salesPipelineID, e.jobSoldStage, e.installUnits)
	if err != nil {
		return fmt.Errorf("failed to detect install transitions: %w", err)
	}

	for _, c := range dedupeInstall(candidates) {
		jobID := c.JobID
		update := target.OpportunityUpdate{
			PipelineID: &e.installPipelineID,
			StageID:    &e.jobCreatedStage,
			CustomFields: []target.CustomField{
				{Key: fieldSourceJobID, Value: strconv.FormatInt(jobID, 10)},
			},
		}

		e.apply(ctx, sum, &sum.InstallStarted, transition{
			name:        "INSTALL_STARTED",
			targetID:    c.Opp.TargetID,
			pipelineID:  e.installPipelineID,
			stageID:     e.jobCreatedStage,
			linkedJobID: &jobID,
			update:      update,
			detail:      slog.Int64("job_id", jobID),
		})
	}

	return nil
}

// runInProgress advances install-pipeline opportunities whose linked job has
// a crew dispatched or working.
func (e *Engine) runInProgress(ctx context.Context, sum *Summary) error {
	candidates, err := e.store.InProgressCandidates(ctx, e.installPipelineID, e.installEligible, activeAppointmentStatuses)
	if err != nil {
		return fmt.Errorf("failed to detect in-progress transitions: %w", err)
	}

	for _, c := range dedupeInProgress(candidates) {
		e.apply(ctx, sum, &sum.InProgress, transition{
			name:       "IN_PROGRESS",
			targetID:   c.Opp.TargetID,
			pipelineID: e.installPipelineID,
			stageID:    e.inProgressStage,
			update:     target.OpportunityUpdate{StageID: &e.inProgressStage},
			detail:     slog.Int64("appointment_id", c.AppointmentID),
		})
	}

	return nil
}

type transition struct {
	name        string
	targetID    string
	pipelineID  string
	stageID     string
	linkedJobID *int64
	update      target.OpportunityUpdate
	detail      slog.Attr
}

// apply pushes one transition to the target and, once accepted, records it in
// the mirror. A failing candidate is counted and the pass continues.
func (e *Engine) apply(ctx context.Context, sum *Summary, counter *int, tr transition) {
	if e.dryRun {
		e.logger.Info("would apply transition",
			"transition", tr.name, "opportunity", tr.targetID,
			"pipeline", tr.pipelineID, "stage", tr.stageID, tr.detail)
		*counter++
		return
	}

	if err := e.target.UpdateOpportunity(ctx, tr.targetID, tr.update); err != nil {
		var notFound *errs.NotFoundError
		if errors.As(err, &notFound) {
			sum.Skipped++
			e.logger.Warn("opportunity vanished from target, skipping",
				"transition", tr.name, "opportunity", tr.targetID)
			return
		}
		sum.Failed++
		e.logger.Error("failed to apply transition",
			"transition", tr.name, "opportunity", tr.targetID, "error", err)
		return
	}

	if err := e.store.MarkOpportunityStage(ctx, tr.targetID, tr.pipelineID, tr.stageID, tr.linkedJobID, e.now().UTC()); err != nil {
		// The target already accepted the move; the next refresh or pass
		// reconverges the mirror. Counted as applied.
		e.logger.Error("failed to record transition in mirror",
			"transition", tr.name, "opportunity", tr.targetID, "error", err)
	}

	*counter++
	e.logger.Info("applied transition",
		"transition", tr.name, "opportunity", tr.targetID,
		"pipeline", tr.pipelineID, "stage", tr.stageID, tr.detail)
}

// dedupeSold picks one estimate per opportunity using the configured
// attribution order. Input rows are deterministically ordered, so ties keep
// the first row seen.
func dedupeSold(candidates []store.SoldCandidate, attribution []string) []store.SoldCandidate {
	var out []store.SoldCandidate
	index := make(map[string]int)

	for _, c := range candidates {
		i, seen := index[c.Opp.TargetID]
		if !seen {
			index[c.Opp.TargetID] = len(out)
			out = append(out, c)
			continue
		}
		if soldOutranks(c, out[i], attribution) {
			out[i] = c
		}
	}

	return out
}

// soldOutranks reports whether candidate a should replace the currently held
// candidate b, walking the attribution rules in priority order.
func soldOutranks(a, b store.SoldCandidate, attribution []string) bool {
	for _, rule := range attribution {
		switch rule {
		case "sold-by":
			if (a.SoldBy != nil) != (b.SoldBy != nil) {
				return a.SoldBy != nil
			}
		case "first-lead":
			switch {
			case a.SoldOn == nil && b.SoldOn == nil:
				// indistinguishable under this rule
			case a.SoldOn == nil || b.SoldOn == nil:
				return a.SoldOn != nil
			case !a.SoldOn.Equal(*b.SoldOn):
				return a.SoldOn.Before(*b.SoldOn)
			}
		}
	}
	return false
}

// dedupeInstall keeps the first job per opportunity; rows arrive ordered by
// job creation time.
func dedupeInstall(candidates []store.InstallCandidate) []store.InstallCandidate {
	var out []store.InstallCandidate
	seen := make(map[string]bool)
	for _, c := range candidates {
		if seen[c.Opp.TargetID] {
			continue
		}
		seen[c.Opp.TargetID] = true
		out = append(out, c)
	}
	return out
}

// dedupeInProgress keeps the first active appointment per opportunity.
func dedupeInProgress(candidates []store.InProgressCandidate) []store.InProgressCandidate {
	var out []store.InProgressCandidate
	seen := make(map[string]bool)
	for _, c := range candidates {
		if seen[c.Opp.TargetID] {
			continue
		}
		seen[c.Opp.TargetID] = true
		out = append(out, c)
	}
	return out
}
