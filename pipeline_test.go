package semcache

import (
	"context"
	stderrors "errors"
	"strings"
	"testing"

	"github.com/blueberrycongee/semcache/pkg/errors"
	"github.com/blueberrycongee/semcache/pkg/types"
)

// appendStep records its name in order so tests can assert the walk.
func appendStep(name string, order *[]string) Step {
	return Step{Name: name, Run: func(context.Context, *State) error {
		*order = append(*order, name)
		return nil
	}}
}

func failingStep(name string, err error) Step {
	return Step{Name: name, Run: func(context.Context, *State) error {
		return err
	}}
}

func mustPipeline(t *testing.T, steps []Step, inserts []stepInsert, continueOnError bool, onError ErrorHandler) *pipeline {
	t.Helper()
	p, err := newPipeline(steps, inserts, continueOnError, onError, quietLogger())
	if err != nil {
		t.Fatalf("newPipeline() error = %v", err)
	}
	return p
}

func TestPipelineRunsStepsInOrder(t *testing.T) {
	var order []string
	p := mustPipeline(t, []Step{
		appendStep("one", &order),
		appendStep("two", &order),
		appendStep("three", &order),
	}, nil, false, nil)

	st := &State{Request: &types.Request{Query: "q"}}
	if err := p.Run(context.Background(), st); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	want := []string{"one", "two", "three"}
	if len(order) != len(want) {
		t.Fatalf("ran %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("step %d = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestPipelineStepInsertion(t *testing.T) {
	var order []string
	base := []Step{
		appendStep("normalize", &order),
		appendStep("dispatch", &order),
	}
	inserts := []stepInsert{
		{anchor: "dispatch", before: true, step: appendStep("audit", &order)},
		{anchor: "normalize", before: false, step: appendStep("enrich", &order)},
	}
	p := mustPipeline(t, base, inserts, false, nil)

	if err := p.Run(context.Background(), &State{}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	want := []string{"normalize", "enrich", "audit", "dispatch"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestPipelineInsertUnknownAnchor(t *testing.T) {
	_, err := newPipeline(
		[]Step{appendStep("normalize", new([]string))},
		[]stepInsert{{anchor: "missing", step: Step{Name: "x", Run: func(context.Context, *State) error { return nil }}}},
		false, nil, quietLogger(),
	)
	if err == nil || !strings.Contains(err.Error(), "anchor") {
		t.Errorf("error = %v, want unknown anchor", err)
	}
}

func TestPipelineInsertMissingRun(t *testing.T) {
	_, err := newPipeline(
		[]Step{appendStep("normalize", new([]string))},
		[]stepInsert{{anchor: "normalize", step: Step{Name: "inert"}}},
		false, nil, quietLogger(),
	)
	if err == nil || !strings.Contains(err.Error(), "no Run function") {
		t.Errorf("error = %v, want missing Run complaint", err)
	}
}

func TestPipelineContinueOnErrorRecordsAndContinues(t *testing.T) {
	var order []string
	boom := errors.NewUpstreamFault("p", "m", "boom")
	p := mustPipeline(t, []Step{
		failingStep("flaky", boom),
		appendStep("after", &order),
	}, nil, true, nil)

	st := &State{}
	if err := p.Run(context.Background(), st); err != nil {
		t.Fatalf("Run() error = %v, want recovered", err)
	}
	if len(order) != 1 || order[0] != "after" {
		t.Errorf("later steps ran %v, want [after]", order)
	}
	if len(st.Failures) != 1 {
		t.Fatalf("Failures = %d, want 1", len(st.Failures))
	}
	if st.Failures[0].Step != "flaky" || !stderrors.Is(st.lastFailure(), boom) {
		t.Errorf("recorded %q/%v, want flaky/%v", st.Failures[0].Step, st.Failures[0].Err, boom)
	}
}

func TestPipelineStopsOnErrorWhenContinueDisabled(t *testing.T) {
	var order []string
	boom := errors.NewUpstreamFault("p", "m", "boom")
	p := mustPipeline(t, []Step{
		failingStep("flaky", boom),
		appendStep("after", &order),
	}, nil, false, nil)

	err := p.Run(context.Background(), &State{})
	if !stderrors.Is(err, boom) {
		t.Errorf("Run() error = %v, want %v", err, boom)
	}
	if len(order) != 0 {
		t.Errorf("later steps ran %v, want none", order)
	}
}

func TestPipelineFatalKindsAbortDespiteContinue(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"validation", errors.NewValidationFault("bad request")},
		{"context window", errors.NewContextExceeded("gpt-4", "too large")},
		{"budget", errors.NewBudgetExceeded("p", "window full")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var order []string
			p := mustPipeline(t, []Step{
				failingStep("reject", tt.err),
				appendStep("after", &order),
			}, nil, true, nil)

			err := p.Run(context.Background(), &State{})
			if !stderrors.Is(err, tt.err) {
				t.Errorf("Run() error = %v, want %v", err, tt.err)
			}
			if len(order) != 0 {
				t.Errorf("later steps ran %v, want none", order)
			}
		})
	}
}

func TestPipelineRecoverableKindsContinueWithoutFlag(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"cache fault", errors.NewCacheFault("read failed", nil)},
		{"embedding fault", errors.NewEmbeddingFault("embed failed", nil)},
		{"pool timeout", errors.NewPoolTimeout("no connection")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var order []string
			p := mustPipeline(t, []Step{
				failingStep("degraded", tt.err),
				appendStep("after", &order),
			}, nil, false, nil)

			st := &State{}
			if err := p.Run(context.Background(), st); err != nil {
				t.Fatalf("Run() error = %v, want recovered", err)
			}
			if len(order) != 1 {
				t.Errorf("later steps ran %v, want [after]", order)
			}
			if len(st.Failures) != 1 {
				t.Errorf("Failures = %d, want 1", len(st.Failures))
			}
		})
	}
}

func TestPipelineCancellationAborts(t *testing.T) {
	var order []string
	p := mustPipeline(t, []Step{
		failingStep("cancelled", errors.NewCancelled(context.Canceled)),
		appendStep("after", &order),
	}, nil, true, nil)

	err := p.Run(context.Background(), &State{})
	if errors.KindOf(err) != errors.KindCancelled {
		t.Errorf("KindOf(err) = %q, want cancelled", errors.KindOf(err))
	}
	if len(order) != 0 {
		t.Errorf("later steps ran %v, want none", order)
	}
}

func TestPipelineChecksContextBetweenSteps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var order []string
	p := mustPipeline(t, []Step{
		{Name: "canceller", Run: func(context.Context, *State) error {
			cancel()
			return nil
		}},
		appendStep("after", &order),
	}, nil, true, nil)

	err := p.Run(ctx, &State{})
	if errors.KindOf(err) != errors.KindCancelled {
		t.Errorf("KindOf(err) = %q, want cancelled", errors.KindOf(err))
	}
	if len(order) != 0 {
		t.Errorf("steps after cancellation ran %v, want none", order)
	}
}

func TestPipelineErrorHandlerObservesRecoveredFailures(t *testing.T) {
	boom := errors.NewCacheFault("read failed", nil)
	var gotStep string
	var gotErr error
	handler := func(_ context.Context, step string, err error) error {
		gotStep, gotErr = step, err
		return stderrors.New("handler is broken too")
	}
	var order []string
	p := mustPipeline(t, []Step{
		failingStep("degraded", boom),
		appendStep("after", &order),
	}, nil, false, handler)

	// A failing handler is logged, never propagated.
	if err := p.Run(context.Background(), &State{}); err != nil {
		t.Fatalf("Run() error = %v, want recovered", err)
	}
	if gotStep != "degraded" || !stderrors.Is(gotErr, boom) {
		t.Errorf("handler saw %q/%v, want degraded/%v", gotStep, gotErr, boom)
	}
	if len(order) != 1 {
		t.Errorf("later steps ran %v, want [after]", order)
	}
}

func TestActionForClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Action
	}{
		{"cache fault recovers", errors.NewCacheFault("x", nil), ActionRecover},
		{"embedding fault recovers", errors.NewEmbeddingFault("x", nil), ActionRecover},
		{"pool timeout recovers", errors.NewPoolTimeout("x"), ActionRecover},
		{"cancellation aborts", errors.NewCancelled(context.Canceled), ActionAbort},
		{"timeout fails", errors.NewTimeout("p", "m", "x"), ActionFail},
		{"upstream fault fails", errors.NewUpstreamFault("p", "m", "x"), ActionFail},
		{"validation fails", errors.NewValidationFault("x"), ActionFail},
		{"untyped error fails", stderrors.New("plain"), ActionFail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ActionFor(tt.err); got != tt.want {
				t.Errorf("ActionFor() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestAlwaysFatalKinds(t *testing.T) {
	if !alwaysFatal(errors.NewValidationFault("x")) {
		t.Error("validation fault should be fatal")
	}
	if !alwaysFatal(errors.NewContextExceeded("m", "x")) {
		t.Error("context exceeded should be fatal")
	}
	if !alwaysFatal(errors.NewBudgetExceeded("p", "x")) {
		t.Error("budget exceeded should be fatal")
	}
	if alwaysFatal(errors.NewTimeout("p", "m", "x")) {
		t.Error("timeout should not be fatal, the dispatcher retries it")
	}
}
