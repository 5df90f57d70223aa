// Package flow implements a small multi-step form flow engine: a handler
// advances through named steps, each step either asking for more input
// (form), finishing with a payload (create entry) or failing with a coarse
// reason (abort). The auth manager builds its login/MFA state machine on
// top of it.
package flow

import "context"

// ResultType classifies a step result.
type ResultType string

const (
	ResultTypeForm        ResultType = "form"
	ResultTypeCreateEntry ResultType = "create_entry"
	ResultTypeAbort       ResultType = "abort"
)

// Result is what a step hands back to the caller driving the flow.
type Result struct {
	Type    ResultType
	FlowID  string
	Handler string

	// Form results.
	StepID string
	Fields []string
	// Errors maps field names to localized error keys; "base" addresses
	// the whole form.
	Errors map[string]string

	// Abort reason, one of the coarse enumerated strings.
	Reason string

	// CreateEntry payload.
	Result any
}

// ShowForm asks the user for the given fields on the given step.
func ShowForm(stepID string, fields []string, errs map[string]string) Result {
	return Result{Type: ResultTypeForm, StepID: stepID, Fields: fields, Errors: errs}
}

// CreateEntry finishes the flow successfully with a payload.
func CreateEntry(payload any) Result {
	return Result{Type: ResultTypeCreateEntry, Result: payload}
}

// Abort terminates the flow with an enumerated reason.
func Abort(reason string) Result {
	return Result{Type: ResultTypeAbort, Reason: reason}
}

// Handler advances one flow. The first step is always "init" with nil
// input; afterwards the manager feeds user input back into whatever step id
// the previous form result named.
type Handler interface {
	Step(ctx context.Context, stepID string, input map[string]string) (Result, error)
}
