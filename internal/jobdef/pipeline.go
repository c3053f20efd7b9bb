package jobdef

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/opensafely-core/job-runner/internal/job"
)

// RunAllCommand is the pseudo-action name a JobRequest uses to mean "run
// every action in the pipeline".
const RunAllCommand = "run_all"

// ActionSpec is one action entry from project.yaml: what to run, what it
// needs, and what it produces. This is a narrow stand-in for a full
// pipeline-config library — it covers exactly the fields the Job
// Definition Builder consults.
type ActionSpec struct {
	Name       string
	Run        []string
	Needs      []string
	Outputs    job.OutputSpec
	RequiresDB bool
	Image      string
}

// rawProjectFile is the YAML shape of project.yaml's `actions:` block.
type rawProjectFile struct {
	Actions map[string]rawAction `yaml:"actions"`
}

type rawAction struct {
	Run     string              `yaml:"run"`
	Needs   []string            `yaml:"needs"`
	Outputs rawOutputsBlock     `yaml:"outputs"`
	DBAccess bool               `yaml:"allow_database_access"`
}

type rawOutputsBlock struct {
	HighlyPrivate map[string]string `yaml:"highly_sensitive"`
	Moderate      map[string]string `yaml:"moderately_sensitive"`
}

// Pipeline is a parsed project.yaml: the set of actions and their
// dependency graph.
type Pipeline struct {
	actions map[string]ActionSpec
	order   []string
}

// LoadPipeline parses a project.yaml document into a Pipeline.
func LoadPipeline(raw []byte) (*Pipeline, error) {
	var doc rawProjectFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("jobdef: parse project.yaml: %w", err)
	}
	if len(doc.Actions) == 0 {
		return nil, fmt.Errorf("jobdef: project.yaml defines no actions")
	}

	p := &Pipeline{actions: make(map[string]ActionSpec, len(doc.Actions))}
	for name, a := range doc.Actions {
		spec := ActionSpec{
			Name:       name,
			Run:        splitCommand(a.Run),
			Needs:      a.Needs,
			RequiresDB: a.DBAccess,
			Outputs:    make(job.OutputSpec),
		}
		if len(spec.Run) > 0 {
			spec.Image = spec.Run[0]
		}
		for _, pattern := range a.Outputs.HighlyPrivate {
			spec.Outputs[pattern] = job.PrivacyHigh
		}
		for _, pattern := range a.Outputs.Moderate {
			spec.Outputs[pattern] = job.PrivacyModerate
		}
		p.actions[name] = spec
		p.order = append(p.order, name)
	}
	return p, nil
}

// AllActions returns every action name defined in the pipeline. The order
// follows Go's map iteration over the parsed document and is not defined;
// it is not the order in project.yaml.
func (p *Pipeline) AllActions() []string {
	out := make([]string, len(p.order))
	copy(out, p.order)
	return out
}

// ActionSpec returns the spec for a named action, or an error if undefined.
func (p *Pipeline) ActionSpec(name string) (ActionSpec, error) {
	spec, ok := p.actions[name]
	if !ok {
		return ActionSpec{}, fmt.Errorf("jobdef: action %q is not defined in project.yaml", name)
	}
	return spec, nil
}

func splitCommand(run string) []string {
	if run == "" {
		return nil
	}
	var fields []string
	var current []rune
	inQuote := false
	for _, r := range run {
		switch {
		case r == '"':
			inQuote = !inQuote
		case r == ' ' && !inQuote:
			if len(current) > 0 {
				fields = append(fields, string(current))
				current = current[:0]
			}
		default:
			current = append(current, r)
		}
	}
	if len(current) > 0 {
		fields = append(fields, string(current))
	}
	return fields
}
