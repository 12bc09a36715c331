package changes

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/conveyor/internal/config"
	"github.com/fyrsmithlabs/conveyor/internal/pipeline"
	"github.com/fyrsmithlabs/conveyor/internal/project"
)

// Policy controls how paths are mapped onto projects.
type Policy struct {
	// MaxFanOut bounds the affected set before degrading to all projects.
	// Zero means unbounded.
	MaxFanOut int

	// PipelinePaths are prefixes (or exact paths) whose change affects
	// every project.
	PipelinePaths []string

	// UnownedAffectsAll makes a path owned by no project affect every
	// project.
	UnownedAffectsAll bool
}

// PolicyFromConfig maps the pipeline section onto a Policy.
func PolicyFromConfig(cfg config.PipelineConfig) Policy {
	return Policy{
		MaxFanOut:         cfg.MaxFanOut,
		PipelinePaths:     cfg.PipelinePaths,
		UnownedAffectsAll: cfg.UnownedPaths == "all",
	}
}

// Result is the outcome of change detection.
type Result struct {
	Affected []pipeline.AffectedProject `json:"affected"`
	Degraded bool                       `json:"degraded,omitempty"`

	// Reason explains why every project was selected, when that happens.
	Reason string `json:"reason,omitempty"`
}

// IDs returns the affected project ids in order.
func (r Result) IDs() []string {
	ids := make([]string, len(r.Affected))
	for i, a := range r.Affected {
		ids[i] = a.Project
	}
	return ids
}

// Detector computes affected projects. It holds no mutable state and is
// safe for concurrent use.
type Detector struct {
	graph  *project.Graph
	policy Policy
}

// NewDetector returns a Detector over graph.
func NewDetector(graph *project.Graph, policy Policy) *Detector {
	return &Detector{graph: graph, policy: policy}
}

// Detect maps the touched paths of cs onto projects. The result is sorted by
// project id and depends only on cs and the graph. A change set with no
// paths affects every project.
func (d *Detector) Detect(cs pipeline.ChangeSet) Result {
	if len(cs.Paths) == 0 {
		return d.all(false, "no changed paths")
	}
	direct := make(map[string]bool)
	for _, p := range cs.Paths {
		if d.isPipelinePath(p) {
			return d.all(false, fmt.Sprintf("pipeline definition changed: %s", p))
		}
		owner, ok := d.graph.Owner(p)
		if !ok {
			if d.policy.UnownedAffectsAll {
				return d.all(false, fmt.Sprintf("path owned by no project: %s", p))
			}
			continue
		}
		direct[owner] = true
	}

	ids := make([]string, 0, len(direct))
	for id := range direct {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	transitive := d.graph.ReverseClosure(ids)

	if n := len(ids) + len(transitive); d.policy.MaxFanOut > 0 && n > d.policy.MaxFanOut {
		return d.all(true, fmt.Sprintf("affected set of %d exceeds max fan-out %d", n, d.policy.MaxFanOut))
	}

	affected := make([]pipeline.AffectedProject, 0, len(ids)+len(transitive))
	for _, id := range ids {
		affected = append(affected, pipeline.AffectedProject{Project: id, Reason: pipeline.ReasonDirect})
	}
	for _, id := range transitive {
		affected = append(affected, pipeline.AffectedProject{Project: id, Reason: pipeline.ReasonTransitive})
	}
	sort.Slice(affected, func(i, j int) bool { return affected[i].Project < affected[j].Project })
	return Result{Affected: affected}
}

func (d *Detector) all(degraded bool, reason string) Result {
	ids := d.graph.IDs()
	affected := make([]pipeline.AffectedProject, len(ids))
	for i, id := range ids {
		affected[i] = pipeline.AffectedProject{Project: id, Reason: pipeline.ReasonAllProjects}
	}
	return Result{Affected: affected, Degraded: degraded, Reason: reason}
}

func (d *Detector) isPipelinePath(p string) bool {
	p = strings.TrimPrefix(p, "./")
	for _, pp := range d.policy.PipelinePaths {
		if pp == "" {
			continue
		}
		if p == pp || strings.HasPrefix(p, strings.TrimSuffix(pp, "/")+"/") {
			return true
		}
	}
	return false
}
