package semcache

import "github.com/blueberrycongee/semcache/pkg/errors"

// Action is the pipeline's reaction to a step failure.
type Action int

const (
	// ActionFail surfaces the error to the caller.
	ActionFail Action = iota
	// ActionRecover records the error and keeps the pipeline moving; the
	// component that raised it has already degraded locally.
	ActionRecover
	// ActionAbort stops immediately. No retry, no fallback, no later
	// steps.
	ActionAbort
)

// ActionFor classifies an error into the pipeline's recovery action. Most
// recovery happens below the pipeline: the cache degrades tier failures to
// misses, the dispatcher retries transient upstream faults and walks
// fallback providers around open breakers. An error that still reaches the
// pipeline carries only one remaining decision.
//
// Cache, embedding, and pool-timeout faults recover: the request can still
// be answered upstream without the failing tier. Cancellation aborts.
// Everything else fails, subject to the client's continue-on-error setting
// for steps without a mandated recovery.
func ActionFor(err error) Action {
	switch errors.KindOf(err) {
	case errors.KindCacheFault, errors.KindEmbeddingFault, errors.KindPoolTimeout:
		return ActionRecover
	case errors.KindCancelled:
		return ActionAbort
	default:
		return ActionFail
	}
}

// alwaysFatal reports whether an error kind must abort the pipeline even
// under continue-on-error. Requests that are malformed, too large for the
// model, or over budget cannot be answered by running more steps.
func alwaysFatal(err error) bool {
	switch errors.KindOf(err) {
	case errors.KindValidationFault, errors.KindContextExceeded, errors.KindBudgetExceeded:
		return true
	default:
		return false
	}
}
