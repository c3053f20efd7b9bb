package job

import "testing"

func TestStatusCode_State(t *testing.T) {
	t.Parallel()

	cases := []struct {
		code StatusCode
		want State
	}{
		{StatusCreated, StatePending},
		{StatusWaitingOnWorkers, StatePending},
		{StatusInitiated, StateRunning},
		{StatusFinalized, StateRunning},
		{StatusSucceeded, StateSucceeded},
		{StatusNonzeroExit, StateFailed},
		{StatusCancelledByUser, StateFailed},
		{StatusInvalidPipeline, StateFailed},
		{StatusCode("not_a_real_code"), StatePending},
	}
	for _, c := range cases {
		if got := c.code.State(); got != c.want {
			t.Errorf("StatusCode(%q).State() = %s, want %s", c.code, got, c.want)
		}
	}
}

func TestStatusCode_IsTerminal(t *testing.T) {
	t.Parallel()

	if !StatusSucceeded.IsTerminal() {
		t.Error("expected SUCCEEDED to be terminal")
	}
	if !StatusCancelledByUser.IsTerminal() {
		t.Error("expected CANCELLED_BY_USER to be terminal")
	}
	if StatusWaitingOnDependencies.IsTerminal() {
		t.Error("expected WAITING_ON_DEPENDENCIES to not be terminal")
	}
	if StatusExecuting.IsTerminal() {
		t.Error("expected EXECUTING to not be terminal")
	}
}

func TestStatusCode_IsWaiting(t *testing.T) {
	t.Parallel()

	waiting := []StatusCode{
		StatusWaitingOnDependencies, StatusWaitingDBMaintenance, StatusWaitingPaused,
		StatusWaitingOnReboot, StatusWaitingOnWorkers, StatusWaitingOnDBWorkers, StatusWaitingOnNewTask,
	}
	for _, c := range waiting {
		if !c.IsWaiting() {
			t.Errorf("expected %s to be a waiting code", c)
		}
	}

	notWaiting := []StatusCode{StatusCreated, StatusInitiated, StatusSucceeded, StatusJobError}
	for _, c := range notWaiting {
		if c.IsWaiting() {
			t.Errorf("expected %s to not be a waiting code", c)
		}
	}
}

func TestStatusForStage(t *testing.T) {
	t.Parallel()

	cases := []struct {
		stage   Stage
		want    StatusCode
		mapped  bool
	}{
		{StagePreparing, StatusPreparing, true},
		{StagePrepared, StatusPrepared, true},
		{StageExecuting, StatusExecuting, true},
		{StageExecuted, StatusExecuted, true},
		{StageFinalizing, StatusFinalizing, true},
		{StageFinalized, "", false},
		{StageError, "", false},
		{StageUnknown, "", false},
	}
	for _, c := range cases {
		got, ok := StatusForStage(c.stage)
		if ok != c.mapped {
			t.Errorf("StatusForStage(%s) mapped = %v, want %v", c.stage, ok, c.mapped)
		}
		if ok && got != c.want {
			t.Errorf("StatusForStage(%s) = %s, want %s", c.stage, got, c.want)
		}
	}
}

func TestClassifyFinalize(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name                  string
		exitCode              int
		unmatchedPatterns     []string
		executorInternalError bool
		want                  StatusCode
	}{
		{"clean success", 0, nil, false, StatusSucceeded},
		{"nonzero exit wins over unmatched patterns", 1, []string{"output/*.csv"}, false, StatusNonzeroExit},
		{"zero exit with unmatched patterns", 0, []string{"output/*.csv"}, false, StatusUnmatchedPatterns},
		{"executor internal error trumps everything", 1, []string{"x"}, true, StatusInternalError},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := ClassifyFinalize(c.exitCode, c.unmatchedPatterns, c.executorInternalError)
			if got != c.want {
				t.Errorf("ClassifyFinalize(%d, %v, %v) = %s, want %s",
					c.exitCode, c.unmatchedPatterns, c.executorInternalError, got, c.want)
			}
		})
	}
}
