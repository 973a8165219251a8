package semcache

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/blueberrycongee/semcache/internal/observability"
	"github.com/blueberrycongee/semcache/pkg/errors"
	"github.com/blueberrycongee/semcache/pkg/types"
)

// Built-in step names, usable as anchors for WithStepBefore and
// WithStepAfter.
const (
	StepNormalize   = "normalize"
	StepValidate    = "validate"
	StepCacheLookup = "cache_lookup"
	StepDispatch    = "dispatch"
)

// State carries one query through the pipeline. Steps communicate by
// filling fields; a later step sees what earlier steps produced.
type State struct {
	Request *types.Request

	// Normalized and Fingerprint are filled by the normalize step.
	Normalized  string
	Fingerprint string

	// Entry and Kind are filled by the cache-lookup step on a hit.
	Entry *types.Entry
	Kind  types.CacheKind

	// Response is the pipeline's product. A step that finds it already
	// set should not overwrite it.
	Response *types.Response

	// Failures records step errors the pipeline recovered from.
	Failures []StepFailure
}

// StepFailure is one recovered step error.
type StepFailure struct {
	Step string
	Err  error
}

// Step is one pipeline stage. Run returns nil to pass control to the next
// step.
type Step struct {
	Name string
	Run  func(ctx context.Context, st *State) error
}

// ErrorHandler observes step failures the pipeline recovers from. Returning
// an error does not change the pipeline's course; it is logged as a handler
// failure, distinct from the step failure that triggered it.
type ErrorHandler func(ctx context.Context, step string, err error) error

// pipeline executes steps in order, classifying failures through the
// recovery table.
type pipeline struct {
	steps           []Step
	continueOnError bool
	onError         ErrorHandler
	logger          *slog.Logger
	tracer          trace.Tracer
}

func newPipeline(steps []Step, inserts []stepInsert, continueOnError bool, onError ErrorHandler, logger *slog.Logger) (*pipeline, error) {
	for _, ins := range inserts {
		var err error
		steps, err = insertStep(steps, ins)
		if err != nil {
			return nil, err
		}
	}
	return &pipeline{
		steps:           steps,
		continueOnError: continueOnError,
		onError:         onError,
		logger:          logger.With("component", "pipeline"),
		tracer:          otel.Tracer(observability.TracerName),
	}, nil
}

func insertStep(steps []Step, ins stepInsert) ([]Step, error) {
	if ins.step.Run == nil {
		return nil, fmt.Errorf("pipeline step %q has no Run function", ins.step.Name)
	}
	for i, s := range steps {
		if s.Name != ins.anchor {
			continue
		}
		at := i
		if !ins.before {
			at = i + 1
		}
		out := make([]Step, 0, len(steps)+1)
		out = append(out, steps[:at]...)
		out = append(out, ins.step)
		out = append(out, steps[at:]...)
		return out, nil
	}
	return nil, fmt.Errorf("pipeline anchor %q not found for step %q", ins.anchor, ins.step.Name)
}

// Run executes the pipeline. A nil return does not guarantee a response:
// under continue-on-error a failed dispatch is recorded in st.Failures and
// the caller decides what a response-less completion means.
func (p *pipeline) Run(ctx context.Context, st *State) error {
	for _, step := range p.steps {
		if err := ctx.Err(); err != nil {
			return errors.NewCancelled(err)
		}

		err := p.runStep(ctx, step, st)
		if err == nil {
			continue
		}

		switch ActionFor(err) {
		case ActionAbort:
			return err
		case ActionRecover:
			p.record(ctx, st, step.Name, err)
		default:
			if p.continueOnError && !alwaysFatal(err) {
				p.record(ctx, st, step.Name, err)
				continue
			}
			return err
		}
	}
	return nil
}

func (p *pipeline) runStep(ctx context.Context, step Step, st *State) error {
	ctx, span := p.tracer.Start(ctx, "pipeline."+step.Name)
	defer span.End()

	err := step.Run(ctx, st)
	if err != nil {
		observability.RecordSpanError(span, err)
	}
	return err
}

// record notes a recovered failure on the state, logs it, and feeds the
// error handler. A failing handler is logged under its own message so
// operators can tell handler bugs from step failures.
func (p *pipeline) record(ctx context.Context, st *State, step string, err error) {
	st.Failures = append(st.Failures, StepFailure{Step: step, Err: err})
	observability.LoggerWithRequestID(ctx, p.logger).Warn("pipeline step failed, continuing",
		"step", step,
		"error", err)

	if p.onError == nil {
		return
	}
	if herr := p.onError(ctx, step, err); herr != nil {
		observability.LoggerWithRequestID(ctx, p.logger).Error("pipeline error handler failed",
			"step", step,
			"handler_error", herr,
			"step_error", err)
	}
}

// lastFailure returns the most recent recorded failure, or nil.
func (st *State) lastFailure() error {
	if len(st.Failures) == 0 {
		return nil
	}
	return st.Failures[len(st.Failures)-1].Err
}
