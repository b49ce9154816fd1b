// Package stage implements the pipeline stage graph and the transition
// engine that moves target opportunities forward when source facts justify
// it.
package stage

import (
	"fmt"

	"github.com/fieldops/crm-bridge/internal/config"
)

// Semantic stage roles. Configuration maps each pipeline's stage IDs onto
// these; the engine reasons in roles and resolves IDs through the graph.
const (
	RoleNewLead      = "new-lead"
	RoleProposalSent = "proposal-sent"
	RoleJobSold      = "job-sold"
	RoleJobCreated   = "job-created"
	RolePlanning     = "planning"
	RoleScheduled    = "scheduled"
	RoleInProgress   = "in-progress"
	RoleCompleted    = "completed"
)

type pipeline struct {
	id      string
	name    string
	stages  []string // stage IDs in configured order
	byRole  map[string]string
	orderOf map[string]int // stage ID -> position
}

// Graph is the immutable view of the configured pipelines: ordered stages
// with role lookups. Built once at startup.
type Graph struct {
	pipelines map[string]*pipeline
}

// NewGraph builds the stage graph from configuration.
func NewGraph(cfgs []config.PipelineConfig) (*Graph, error) {
	g := &Graph{pipelines: make(map[string]*pipeline, len(cfgs))}

	for _, cfg := range cfgs {
		p := &pipeline{
			id:      cfg.ID,
			name:    cfg.Name,
			byRole:  make(map[string]string, len(cfg.Stages)),
			orderOf: make(map[string]int, len(cfg.Stages)),
		}
		for i, s := range cfg.Stages {
			p.stages = append(p.stages, s.ID)
			p.orderOf[s.ID] = i
			if s.Role != "" {
				p.byRole[s.Role] = s.ID
			}
		}
		g.pipelines[cfg.Name] = p
	}

	return g, nil
}

// PipelineID resolves a configured pipeline name to its target ID.
func (g *Graph) PipelineID(name string) (string, error) {
	p, err := g.pipeline(name)
	if err != nil {
		return "", err
	}
	return p.id, nil
}

// StageForRole resolves a semantic role to its stage ID within a pipeline.
func (g *Graph) StageForRole(pipelineName, role string) (string, error) {
	p, err := g.pipeline(pipelineName)
	if err != nil {
		return "", err
	}
	id, ok := p.byRole[role]
	if !ok {
		return "", fmt.Errorf("pipeline %s has no stage with role %s", pipelineName, role)
	}
	return id, nil
}

// StagesBefore returns the stage IDs strictly earlier than the role's stage,
// in pipeline order. Detectors use this as the eligibility set, which is what
// makes transitions idempotent: a record already at or past the destination
// is never a candidate again.
func (g *Graph) StagesBefore(pipelineName, role string) ([]string, error) {
	p, err := g.pipeline(pipelineName)
	if err != nil {
		return nil, err
	}
	id, ok := p.byRole[role]
	if !ok {
		return nil, fmt.Errorf("pipeline %s has no stage with role %s", pipelineName, role)
	}

	cut := p.orderOf[id]
	out := make([]string, 0, cut)
	out = append(out, p.stages[:cut]...)
	return out, nil
}

// StagesAtOrBefore returns the stage IDs up to and including the role's
// stage, in pipeline order. Stages without a role that sit between the
// role's stage and a later destination are excluded, which keeps them out
// of the eligibility set.
func (g *Graph) StagesAtOrBefore(pipelineName, role string) ([]string, error) {
	p, err := g.pipeline(pipelineName)
	if err != nil {
		return nil, err
	}
	id, ok := p.byRole[role]
	if !ok {
		return nil, fmt.Errorf("pipeline %s has no stage with role %s", pipelineName, role)
	}

	cut := p.orderOf[id]
	out := make([]string, 0, cut+1)
	out = append(out, p.stages[:cut+1]...)
	return out, nil
}

func (g *Graph) pipeline(name string) (*pipeline, error) {
	p, ok := g.pipelines[name]
	if !ok {
		return nil, fmt.Errorf("unknown pipeline: %s", name)
	}
	return p, nil
}
