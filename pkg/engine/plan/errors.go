package plan

import "fmt"

// PlanningErrorKind tags the reason a query could not be planned.
type PlanningErrorKind int

const (
	// UnknownField: the query selects a field absent from the supergraph.
	UnknownField PlanningErrorKind = iota
	// UnknownOperation: the requested operation name is not in the document.
	UnknownOperation
	// DepthLimitExceeded: the query nests deeper than the configured maximum.
	DepthLimitExceeded
	// CostLimitExceeded: the query's cost score exceeds the configured budget.
	CostLimitExceeded
	// InvalidOperation: the document failed validation against the supergraph.
	InvalidOperation
	// SubscriptionNotSingleRoot: a subscription selects more than one root field.
	SubscriptionNotSingleRoot
	// MissingKey: an ownership boundary was crossed on a type without a key.
	// Composition normally rejects these schemas before planning.
	MissingKey
)

func (k PlanningErrorKind) String() string {
	switch k {
	case UnknownField:
		return "UnknownField"
	case UnknownOperation:
		return "UnknownOperation"
	case DepthLimitExceeded:
		return "DepthLimitExceeded"
	case CostLimitExceeded:
		return "CostLimitExceeded"
	case InvalidOperation:
		return "InvalidOperation"
	case SubscriptionNotSingleRoot:
		return "SubscriptionNotSingleRoot"
	case MissingKey:
		return "MissingKey"
	default:
		return fmt.Sprintf("PlanningErrorKind(%d)", int(k))
	}
}

// PlanningError is surfaced to the requesting client as a top level GraphQL
// error; no execution happens for a query that fails to plan.
type PlanningError struct {
	Kind    PlanningErrorKind
	Message string
}

func (e *PlanningError) Error() string {
	return e.Message
}

func newPlanningError(kind PlanningErrorKind, format string, args ...interface{}) *PlanningError {
	return &PlanningError{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}
