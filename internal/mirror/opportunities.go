package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/fieldops/crm-bridge/internal/store"
	"github.com/fieldops/crm-bridge/internal/target"
)

// Custom field keys the engine reads back from the target to re-link
// opportunities to their source records.
const (
	fieldSourceCustomerID = "source_customer_id"
	fieldSourceJobID      = "source_job_id"
)

// OpportunitySearcher pages through target opportunities.
type OpportunitySearcher interface {
	SearchOpportunities(ctx context.Context, pipelineID string, page int) ([]target.Opportunity, int, error)
}

// OpportunityStore persists mirrored opportunities.
type OpportunityStore interface {
	UpsertOpportunity(ctx context.Context, opp store.Opportunity, raw json.RawMessage) error
}

// RefreshOpportunities pulls every opportunity in the given pipelines into
// the local mirror so the transition detectors work against current target
// state. Returns the number of opportunities refreshed.
func RefreshOpportunities(
	ctx context.Context,
	searcher OpportunitySearcher,
	st OpportunityStore,
	pipelineIDs []string,
	logger *slog.Logger,
) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}

	refreshed := 0
	for _, pipelineID := range pipelineIDs {
		for page := 1; page != 0; {
			opps, nextPage, err := searcher.SearchOpportunities(ctx, pipelineID, page)
			if err != nil {
				return refreshed, fmt.Errorf("failed to refresh pipeline %s: %w", pipelineID, err)
			}

			for _, opp := range opps {
				raw, err := json.Marshal(opp)
				if err != nil {
					return refreshed, fmt.Errorf("failed to encode opportunity %s: %w", opp.ID, err)
				}
				if err := st.UpsertOpportunity(ctx, mirrorOpportunity(opp), raw); err != nil {
					return refreshed, err
				}
				refreshed++
			}

			logger.Debug("refreshed opportunity page",
				"pipeline", pipelineID, "page", page, "records", len(opps))

			// Never trust the server into a loop: pagination must advance.
			if nextPage != 0 && nextPage <= page {
				logger.Warn("target pagination did not advance, stopping",
					"pipeline", pipelineID, "page", page, "next_page", nextPage)
				break
			}
			page = nextPage
		}
	}

	return refreshed, nil
}

// mirrorOpportunity maps a target record onto the mirror row, recovering
// source links from the engine-written custom fields when present.
func mirrorOpportunity(opp target.Opportunity) store.Opportunity {
	out := store.Opportunity{
		TargetID:      opp.ID,
		PipelineID:    opp.PipelineID,
		StageID:       opp.StageID,
		Name:          opp.Name,
		MonetaryValue: opp.MonetaryValue,
		Status:        opp.Status,
	}

	for _, f := range opp.CustomFields {
		id, err := strconv.ParseInt(f.Value, 10, 64)
		if err != nil {
			continue
		}
		switch f.Key {
		case fieldSourceCustomerID:
			out.LinkedCustomerID = &id
		case fieldSourceJobID:
			out.LinkedJobID = &id
		}
	}

	return out
}
