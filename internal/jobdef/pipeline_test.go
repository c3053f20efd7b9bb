package jobdef

import (
	"testing"

	"github.com/opensafely-core/job-runner/internal/job"
)

const samplePipeline = `
actions:
  generate_cohort:
    run: "cohortextractor:latest generate_cohort --index-date-range 2021-01-01"
    outputs:
      highly_sensitive:
        cohort: output/input.csv
    allow_database_access: true

  run_model:
    run: python:latest analysis/model.py
    needs: [generate_cohort]
    outputs:
      moderately_sensitive:
        report: output/report.html
`

func TestLoadPipeline_ParsesActions(t *testing.T) {
	t.Parallel()

	p, err := LoadPipeline([]byte(samplePipeline))
	if err != nil {
		t.Fatalf("LoadPipeline: %v", err)
	}

	all := p.AllActions()
	if len(all) != 2 {
		t.Fatalf("expected 2 actions, got %d: %v", len(all), all)
	}

	cohort, err := p.ActionSpec("generate_cohort")
	if err != nil {
		t.Fatalf("ActionSpec(generate_cohort): %v", err)
	}
	if cohort.Image != "cohortextractor:latest" {
		t.Errorf("expected image cohortextractor:latest, got %q", cohort.Image)
	}
	if !cohort.RequiresDB {
		t.Error("expected generate_cohort to require db access")
	}
	if cohort.Outputs["output/input.csv"] != job.PrivacyHigh {
		t.Errorf("expected output/input.csv to be highly_sensitive, got %v", cohort.Outputs)
	}

	model, err := p.ActionSpec("run_model")
	if err != nil {
		t.Fatalf("ActionSpec(run_model): %v", err)
	}
	if len(model.Needs) != 1 || model.Needs[0] != "generate_cohort" {
		t.Errorf("expected run_model to need generate_cohort, got %v", model.Needs)
	}
	if model.Outputs["output/report.html"] != job.PrivacyModerate {
		t.Errorf("expected output/report.html to be moderately_sensitive, got %v", model.Outputs)
	}
}

func TestLoadPipeline_RejectsEmptyActions(t *testing.T) {
	t.Parallel()

	if _, err := LoadPipeline([]byte("actions: {}\n")); err == nil {
		t.Fatal("expected an error for a project.yaml with no actions")
	}
}

func TestLoadPipeline_RejectsInvalidYAML(t *testing.T) {
	t.Parallel()

	if _, err := LoadPipeline([]byte("not: valid: yaml: at: all:")); err == nil {
		t.Fatal("expected an error for unparseable YAML")
	}
}

func TestPipeline_ActionSpec_UndefinedAction(t *testing.T) {
	t.Parallel()

	p, err := LoadPipeline([]byte(samplePipeline))
	if err != nil {
		t.Fatalf("LoadPipeline: %v", err)
	}
	if _, err := p.ActionSpec("does_not_exist"); err == nil {
		t.Fatal("expected an error for an undefined action")
	}
}

func TestSplitCommand_HandlesQuotedArguments(t *testing.T) {
	t.Parallel()

	p, err := LoadPipeline([]byte(samplePipeline))
	if err != nil {
		t.Fatalf("LoadPipeline: %v", err)
	}
	cohort, err := p.ActionSpec("generate_cohort")
	if err != nil {
		t.Fatalf("ActionSpec: %v", err)
	}
	want := []string{"cohortextractor:latest", "generate_cohort", "--index-date-range", "2021-01-01"}
	if len(cohort.Run) != len(want) {
		t.Fatalf("expected %v, got %v", want, cohort.Run)
	}
	for i := range want {
		if cohort.Run[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, cohort.Run)
		}
	}
}
