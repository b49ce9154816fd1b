package target

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Opportunity is the target's pipeline record as returned by the search
// endpoint. RawFields carries custom key/value fields untouched.
type Opportunity struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	PipelineID    string        `json:"pipelineId"`
	StageID       string        `json:"pipelineStageId"`
	Status        string        `json:"status"`
	MonetaryValue float64       `json:"monetaryValue"`
	ContactID     string        `json:"contactId"`
	UpdatedAt     time.Time     `json:"updatedAt"`
	CustomFields  []CustomField `json:"customFields,omitempty"`
}

// CustomField is one entry of the target's key/value custom field array.
type CustomField struct {
	Key   string `json:"key"`
	Value string `json:"field_value"`
}

// OpportunityUpdate is the partial body for PUT /opportunities/{id}. Nil
// fields are omitted so manual edits to unrelated fields survive.
type OpportunityUpdate struct {
	PipelineID    *string       `json:"pipelineId,omitempty"`
	StageID       *string       `json:"pipelineStageId,omitempty"`
	Name          *string       `json:"name,omitempty"`
	MonetaryValue *float64      `json:"monetaryValue,omitempty"`
	CustomFields  []CustomField `json:"customFields,omitempty"`
}

// Pipeline describes one target pipeline with its ordered stages.
type Pipeline struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Stages []PipelineStage `json:"stages"`
}

// PipelineStage is one stage of a target pipeline.
type PipelineStage struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type searchResponse struct {
	Opportunities []Opportunity `json:"opportunities"`
	Meta          struct {
		Total    int `json:"total"`
		NextPage int `json:"nextPage"`
	} `json:"meta"`
}

type pipelinesResponse struct {
	Pipelines []Pipeline `json:"pipelines"`
}

// UpdateOpportunity applies a partial update to one opportunity.
func (c *Client) UpdateOpportunity(ctx context.Context, id string, update OpportunityUpdate) error {
	path := "/opportunities/" + url.PathEscape(id)
	if err := c.do(ctx, http.MethodPut, path, update, nil); err != nil {
		return fmt.Errorf("update opportunity %s: %w", id, err)
	}
	return nil
}

// SearchOpportunities fetches one page of opportunities for the configured
// location, optionally scoped to a pipeline. Returns the page and the next
// page number (0 when exhausted).
func (c *Client) SearchOpportunities(ctx context.Context, pipelineID string, page int) ([]Opportunity, int, error) {
	q := url.Values{}
	q.Set("location_id", c.locationID)
	q.Set("page", strconv.Itoa(page))
	if pipelineID != "" {
		q.Set("pipeline_id", pipelineID)
	}

	var resp searchResponse
	if err := c.do(ctx, http.MethodGet, "/opportunities/search"+queryString(q), nil, &resp); err != nil {
		return nil, 0, fmt.Errorf("search opportunities page %d: %w", page, err)
	}

	return resp.Opportunities, resp.Meta.NextPage, nil
}

// GetPipelines lists the target's pipelines with their stages.
func (c *Client) GetPipelines(ctx context.Context) ([]Pipeline, error) {
	q := url.Values{}
	q.Set("locationId", c.locationID)

	var resp pipelinesResponse
	if err := c.do(ctx, http.MethodGet, "/opportunities/pipelines"+queryString(q), nil, &resp); err != nil {
		return nil, fmt.Errorf("get pipelines: %w", err)
	}

	return resp.Pipelines, nil
}
