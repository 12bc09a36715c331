package project

import (
	"path"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/conveyor/internal/config"
	"github.com/fyrsmithlabs/conveyor/internal/pipeline"
)

// Project is one deployable unit in the repository.
type Project struct {
	ID        string   `json:"id"`
	Root      string   `json:"root"`
	DependsOn []string `json:"depends_on,omitempty"`
}

// Graph is an immutable, validated set of projects.
type Graph struct {
	projects   map[string]Project
	ids        []string
	dependents map[string][]string
	byRoot     []Project // longest root first
}

// NewGraph validates projects and builds a Graph.
func NewGraph(projects []Project) (*Graph, error) {
	g := &Graph{
		projects:   make(map[string]Project, len(projects)),
		dependents: make(map[string][]string),
	}
	roots := make(map[string]string, len(projects))

	for i, p := range projects {
		if p.ID == "" {
			return nil, pipeline.NewConfigurationError("projects", "entry %d has no id", i)
		}
		if _, dup := g.projects[p.ID]; dup {
			return nil, pipeline.NewConfigurationError("projects."+p.ID, "duplicate project id")
		}
		root := cleanRoot(p.Root)
		if root == "" {
			return nil, pipeline.NewConfigurationError("projects."+p.ID+".root", "root is required")
		}
		if other, dup := roots[root]; dup {
			return nil, pipeline.NewConfigurationError("projects."+p.ID+".root",
				"root %q is also owned by %q", root, other)
		}
		roots[root] = p.ID
		p.Root = root
		p.DependsOn = append([]string(nil), p.DependsOn...)
		g.projects[p.ID] = p
		g.ids = append(g.ids, p.ID)
	}
	sort.Strings(g.ids)

	for _, id := range g.ids {
		for _, dep := range g.projects[id].DependsOn {
			if _, ok := g.projects[dep]; !ok {
				return nil, pipeline.NewConfigurationError("projects."+id+".depends_on",
					"unknown project %q", dep)
			}
			if dep == id {
				return nil, pipeline.NewConfigurationError("projects."+id+".depends_on",
					"project depends on itself")
			}
			g.dependents[dep] = append(g.dependents[dep], id)
		}
	}
	for dep := range g.dependents {
		sort.Strings(g.dependents[dep])
	}
	if err := g.checkCycles(); err != nil {
		return nil, err
	}

	for _, id := range g.ids {
		g.byRoot = append(g.byRoot, g.projects[id])
	}
	sort.SliceStable(g.byRoot, func(i, j int) bool {
		return len(g.byRoot[i].Root) > len(g.byRoot[j].Root)
	})
	return g, nil
}

// FromConfig builds a Graph from the projects section of the config.
func FromConfig(cfgs []config.ProjectConfig) (*Graph, error) {
	projects := make([]Project, 0, len(cfgs))
	for _, c := range cfgs {
		projects = append(projects, Project{ID: c.ID, Root: c.Root, DependsOn: c.DependsOn})
	}
	return NewGraph(projects)
}

func (g *Graph) checkCycles() error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(g.ids))

	var visit func(id string, trail []string) error
	visit = func(id string, trail []string) error {
		switch state[id] {
		case visiting:
			return pipeline.NewConfigurationError("projects", "dependency cycle: %s",
				strings.Join(append(trail, id), " -> "))
		case done:
			return nil
		}
		state[id] = visiting
		for _, dep := range g.projects[id].DependsOn {
			if err := visit(dep, append(trail, id)); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}

	for _, id := range g.ids {
		if err := visit(id, nil); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of projects.
func (g *Graph) Len() int { return len(g.ids) }

// IDs returns all project ids in sorted order.
func (g *Graph) IDs() []string {
	return append([]string(nil), g.ids...)
}

// Project returns the project with the given id.
func (g *Graph) Project(id string) (Project, bool) {
	p, ok := g.projects[id]
	return p, ok
}

// Owner returns the project whose root is the longest segment-aware prefix
// of file.
func (g *Graph) Owner(file string) (string, bool) {
	file = cleanRoot(file)
	for _, p := range g.byRoot {
		if file == p.Root || strings.HasPrefix(file, p.Root+"/") {
			return p.ID, true
		}
	}
	return "", false
}

// Dependents returns the ids that depend directly on id, sorted.
func (g *Graph) Dependents(id string) []string {
	return append([]string(nil), g.dependents[id]...)
}

// ReverseClosure returns every project that transitively depends on any of
// ids, excluding ids themselves.
func (g *Graph) ReverseClosure(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	queue := make([]string, 0, len(ids))
	for _, id := range ids {
		seen[id] = true
		queue = append(queue, id)
	}
	var out []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, dep := range g.dependents[id] {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			out = append(out, dep)
			queue = append(queue, dep)
		}
	}
	sort.Strings(out)
	return out
}

func cleanRoot(p string) string {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if p == "" {
		return ""
	}
	p = path.Clean(strings.TrimPrefix(p, "./"))
	p = strings.Trim(p, "/")
	if p == "." {
		return ""
	}
	return p
}
