package stage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/crm-bridge/internal/config"
	"github.com/fieldops/crm-bridge/internal/errs"
	"github.com/fieldops/crm-bridge/internal/store"
	"github.com/fieldops/crm-bridge/internal/target"
)

type markCall struct {
	targetID    string
	pipelineID  string
	stageID     string
	linkedJobID *int64
	at          time.Time
}

type fakeCandidates struct {
	sold       []store.SoldCandidate
	install    []store.InstallCandidate
	inProgress []store.InProgressCandidate
	soldErr    error
	soldStages []string
	marks      []markCall
	markErr    error
}

func (f *fakeCandidates) SoldCandidates(_ context.Context, _ string, eligibleStages []string) ([]store.SoldCandidate, error) {
	f.soldStages = eligibleStages
	return f.sold, f.soldErr
}

func (f *fakeCandidates) InstallCandidates(_ context.Context, _, _ string, _ []string) ([]store.InstallCandidate, error) {
	return f.install, nil
}

func (f *fakeCandidates) InProgressCandidates(_ context.Context, _ string, _, _ []string) ([]store.InProgressCandidate, error) {
	return f.inProgress, nil
}

func (f *fakeCandidates) MarkOpportunityStage(_ context.Context, targetID, pipelineID, stageID string, linkedJobID *int64, at time.Time) error {
	if f.markErr != nil {
		return f.markErr
	}
	f.marks = append(f.marks, markCall{
		targetID: targetID, pipelineID: pipelineID, stageID: stageID,
		linkedJobID: linkedJobID, at: at,
	})
	return nil
}

type updateCall struct {
	id     string
	update target.OpportunityUpdate
}

type fakeUpdater struct {
	updates []updateCall
	errFor  map[string]error
}

func (f *fakeUpdater) UpdateOpportunity(_ context.Context, id string, update target.OpportunityUpdate) error {
	if err, ok := f.errFor[id]; ok {
		return err
	}
	f.updates = append(f.updates, updateCall{id: id, update: update})
	return nil
}

func transitionsCfg() config.TransitionsConfig {
	return config.TransitionsConfig{
		SalesPipeline:        "sales",
		InstallPipeline:      "install",
		InstallBusinessUnits: []string{"Install"},
		LeadAttribution:      []string{"sold-by", "first-lead"},
	}
}

func newTestEngine(t *testing.T, st *fakeCandidates, upd *fakeUpdater, opts ...Option) *Engine {
	t.Helper()
	g, err := NewGraph(testPipelines())
	require.NoError(t, err)
	e, err := NewEngine(g, transitionsCfg(), st, upd, opts...)
	require.NoError(t, err)
	return e
}

func soldCandidate(targetID string, estimateID int64, subtotal float64) store.SoldCandidate {
	return store.SoldCandidate{
		Opp:          store.Opportunity{TargetID: targetID, PipelineID: "pipe-sales", StageID: "st-lead", Status: "open"},
		EstimateID:   estimateID,
		Subtotal:     subtotal,
		CustomerName: "Jordan Blake",
	}
}

func TestEngine_SoldTransition(t *testing.T) {
	t.Parallel()

	st := &fakeCandidates{sold: []store.SoldCandidate{soldCandidate("opp-1", 900, 12500.50)}}
	upd := &fakeUpdater{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := newTestEngine(t, st, upd, withClock(func() time.Time { return now }))

	sum, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Sold: 1}, sum)

	require.Len(t, upd.updates, 1)
	call := upd.updates[0]
	assert.Equal(t, "opp-1", call.id)
	require.NotNil(t, call.update.StageID)
	assert.Equal(t, "st-sold", *call.update.StageID)
	assert.Nil(t, call.update.PipelineID, "SOLD stays in the sales pipeline")
	require.NotNil(t, call.update.MonetaryValue)
	assert.Equal(t, 12500.50, *call.update.MonetaryValue)
	require.NotNil(t, call.update.Name)
	assert.Equal(t, "Jordan Blake - $12500.50", *call.update.Name)

	require.Len(t, st.marks, 1)
	assert.Equal(t, "opp-1", st.marks[0].targetID)
	assert.Equal(t, "pipe-sales", st.marks[0].pipelineID)
	assert.Equal(t, "st-sold", st.marks[0].stageID)
	assert.Nil(t, st.marks[0].linkedJobID)
	assert.Equal(t, now, st.marks[0].at)
}

func TestEngine_SoldAttributionPrefersSoldBy(t *testing.T) {
	t.Parallel()

	soldBy := int64(33)
	earlier := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	later := time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC)

	withoutRep := soldCandidate("opp-1", 900, 1000)
	withoutRep.SoldOn = &earlier

	withRep := soldCandidate("opp-1", 901, 2000)
	withRep.SoldBy = &soldBy
	withRep.SoldOn = &later

	st := &fakeCandidates{sold: []store.SoldCandidate{withoutRep, withRep}}
	upd := &fakeUpdater{}
	e := newTestEngine(t, st, upd)

	sum, err := e.Run(context.Background())
	require.NoError(t, err)

	// One transition for the opportunity, attributed to the estimate that
	// carries a selling rep even though the other one is older.
	assert.Equal(t, Summary{Sold: 1}, sum)
	require.Len(t, upd.updates, 1)
	require.NotNil(t, upd.updates[0].update.MonetaryValue)
	assert.Equal(t, 2000.0, *upd.updates[0].update.MonetaryValue)
}

func TestEngine_SoldAttributionFallsBackToFirstLead(t *testing.T) {
	t.Parallel()

	earlier := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	later := time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC)

	first := soldCandidate("opp-1", 900, 1000)
	first.SoldOn = &later

	second := soldCandidate("opp-1", 901, 2000)
	second.SoldOn = &earlier

	// Neither estimate has a selling rep, so the sold-by rule cannot
	// separate them and the earlier sale wins.
	st := &fakeCandidates{sold: []store.SoldCandidate{first, second}}
	upd := &fakeUpdater{}
	e := newTestEngine(t, st, upd)

	sum, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Summary{Sold: 1}, sum)
	require.Len(t, upd.updates, 1)
	assert.Equal(t, 2000.0, *upd.updates[0].update.MonetaryValue)
}

func TestEngine_InstallStartedTransition(t *testing.T) {
	t.Parallel()

	created := time.Date(2026, 2, 25, 0, 0, 0, 0, time.UTC)
	st := &fakeCandidates{install: []store.InstallCandidate{{
		Opp:          store.Opportunity{TargetID: "opp-1", PipelineID: "pipe-sales", StageID: "st-sold", Status: "open"},
		JobID:        7,
		BusinessUnit: "Install",
		JobCreatedOn: &created,
	}}}
	upd := &fakeUpdater{}
	e := newTestEngine(t, st, upd)

	sum, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{InstallStarted: 1}, sum)

	require.Len(t, upd.updates, 1)
	call := upd.updates[0]
	require.NotNil(t, call.update.PipelineID)
	assert.Equal(t, "pipe-install", *call.update.PipelineID)
	require.NotNil(t, call.update.StageID)
	assert.Equal(t, "st-created", *call.update.StageID)
	require.Len(t, call.update.CustomFields, 1)
	assert.Equal(t, "source_job_id", call.update.CustomFields[0].Key)
	assert.Equal(t, "7", call.update.CustomFields[0].Value)

	require.Len(t, st.marks, 1)
	assert.Equal(t, "pipe-install", st.marks[0].pipelineID)
	require.NotNil(t, st.marks[0].linkedJobID)
	assert.Equal(t, int64(7), *st.marks[0].linkedJobID)
}

func TestEngine_InstallStartedKeepsFirstJob(t *testing.T) {
	t.Parallel()

	opp := store.Opportunity{TargetID: "opp-1", PipelineID: "pipe-sales", StageID: "st-sold", Status: "open"}
	st := &fakeCandidates{install: []store.InstallCandidate{
		{Opp: opp, JobID: 7, BusinessUnit: "Install"},
		{Opp: opp, JobID: 8, BusinessUnit: "Install"},
	}}
	upd := &fakeUpdater{}
	e := newTestEngine(t, st, upd)

	sum, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Summary{InstallStarted: 1}, sum)
	require.Len(t, upd.updates, 1)
	assert.Equal(t, "7", upd.updates[0].update.CustomFields[0].Value)
}

func TestEngine_InProgressTransition(t *testing.T) {
	t.Parallel()

	st := &fakeCandidates{inProgress: []store.InProgressCandidate{{
		Opp:               store.Opportunity{TargetID: "opp-1", PipelineID: "pipe-install", StageID: "st-scheduled", Status: "open"},
		AppointmentID:     5000,
		AppointmentStatus: "Dispatched",
	}}}
	upd := &fakeUpdater{}
	e := newTestEngine(t, st, upd)

	sum, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{InProgress: 1}, sum)

	require.Len(t, upd.updates, 1)
	require.NotNil(t, upd.updates[0].update.StageID)
	assert.Equal(t, "st-progress", *upd.updates[0].update.StageID)
	assert.Nil(t, upd.updates[0].update.PipelineID)
}

func TestEngine_DryRunMutatesNothing(t *testing.T) {
	t.Parallel()

	st := &fakeCandidates{
		sold: []store.SoldCandidate{soldCandidate("opp-1", 900, 1000)},
		inProgress: []store.InProgressCandidate{{
			Opp:           store.Opportunity{TargetID: "opp-2", PipelineID: "pipe-install", StageID: "st-created", Status: "open"},
			AppointmentID: 5000,
		}},
	}
	upd := &fakeUpdater{}
	e := newTestEngine(t, st, upd, WithDryRun(true))

	sum, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Summary{Sold: 1, InProgress: 1}, sum)
	assert.Empty(t, upd.updates)
	assert.Empty(t, st.marks)
}

func TestEngine_TargetFailureContinuesPass(t *testing.T) {
	t.Parallel()

	st := &fakeCandidates{sold: []store.SoldCandidate{
		soldCandidate("opp-1", 900, 1000),
		soldCandidate("opp-2", 901, 2000),
	}}
	upd := &fakeUpdater{errFor: map[string]error{"opp-1": errors.New("boom")}}
	e := newTestEngine(t, st, upd)

	sum, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Summary{Sold: 1, Failed: 1}, sum)
	require.Len(t, upd.updates, 1)
	assert.Equal(t, "opp-2", upd.updates[0].id)

	// The failed candidate is never marked locally, so the next pass
	// re-detects it.
	require.Len(t, st.marks, 1)
	assert.Equal(t, "opp-2", st.marks[0].targetID)
}

func TestEngine_VanishedOpportunitySkipped(t *testing.T) {
	t.Parallel()

	st := &fakeCandidates{sold: []store.SoldCandidate{soldCandidate("opp-1", 900, 1000)}}
	upd := &fakeUpdater{errFor: map[string]error{
		"opp-1": &errs.NotFoundError{URL: "/opportunities/opp-1"},
	}}
	e := newTestEngine(t, st, upd)

	sum, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Summary{Skipped: 1}, sum)
	assert.Empty(t, st.marks)
}

func TestEngine_MarkFailureStillCountsApplied(t *testing.T) {
	t.Parallel()

	st := &fakeCandidates{
		sold:    []store.SoldCandidate{soldCandidate("opp-1", 900, 1000)},
		markErr: errors.New("db unavailable"),
	}
	upd := &fakeUpdater{}
	e := newTestEngine(t, st, upd)

	sum, err := e.Run(context.Background())
	require.NoError(t, err)

	// The target accepted the move; the mirror reconverges on refresh.
	assert.Equal(t, Summary{Sold: 1}, sum)
	require.Len(t, upd.updates, 1)
}

func TestEngine_DetectionFailureAborts(t *testing.T) {
	t.Parallel()

	st := &fakeCandidates{soldErr: errors.New("query failed")}
	e := newTestEngine(t, st, &fakeUpdater{})

	_, err := e.Run(context.Background())
	require.Error(t, err)
}

func TestEngine_SoldEligibilityEndsAtProposalSent(t *testing.T) {
	t.Parallel()

	// An estimate sold while the opportunity sits in an unlabeled stage past
	// proposal-sent must not pull the record back: only stages up to
	// proposal-sent are eligible for SOLD.
	pipelines := testPipelines()
	pipelines[0].Stages = []config.StageConfig{
		{ID: "st-lead", Role: RoleNewLead},
		{ID: "st-proposal", Role: RoleProposalSent},
		{ID: "st-negotiation"},
		{ID: "st-sold", Role: RoleJobSold},
	}

	g, err := NewGraph(pipelines)
	require.NoError(t, err)

	st := &fakeCandidates{}
	e, err := NewEngine(g, transitionsCfg(), st, &fakeUpdater{})
	require.NoError(t, err)

	_, err = e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"st-lead", "st-proposal"}, st.soldStages)
}

func TestNewEngine_MissingRole(t *testing.T) {
	t.Parallel()

	pipelines := testPipelines()
	pipelines[0].Stages = pipelines[0].Stages[:2] // drop job-sold

	g, err := NewGraph(pipelines)
	require.NoError(t, err)

	_, err = NewEngine(g, transitionsCfg(), &fakeCandidates{}, &fakeUpdater{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job-sold")
}
