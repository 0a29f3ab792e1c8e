package dag

import "time"

// EdgeKind governs when a DependencyEdge's target becomes ready,
// given a terminal source task (spec §3/§4.8).
type EdgeKind string

const (
	EdgeUnconditional EdgeKind = "Unconditional"
	EdgeSuccessOnly   EdgeKind = "SuccessOnly"
	EdgeCompletionOnly EdgeKind = "CompletionOnly"
	EdgeConditional   EdgeKind = "Conditional"
)

// ConditionPredicate is a pure function of the source task's result.
// Implementations must not mutate r, must not block, and should not
// panic; a panic is recovered and treated as "not satisfied" by
// evaluateEdge.
type ConditionPredicate func(result interface{}) bool

// DependencyEdge is a directed edge between two TaskNodes (spec §3
// "DependencyEdge / TaskStarLine").
type DependencyEdge struct {
	EdgeID               string
	FromTaskID           string
	ToTaskID             string
	Kind                 EdgeKind
	ConditionDescription string
	ConditionPredicate   ConditionPredicate // in-memory only, never serialized
	Metadata             map[string]interface{}

	LastEvaluationResult *bool // nil until first evaluated
	LastEvaluationAt     time.Time
}

func (e *DependencyEdge) clone() *DependencyEdge {
	c := *e
	c.Metadata = deepCopyMap(e.Metadata)
	if e.LastEvaluationResult != nil {
		v := *e.LastEvaluationResult
		c.LastEvaluationResult = &v
	}
	return &c
}

// evaluateEdge decides whether edge is satisfied given the terminal
// status and result of its source task, per the table in spec §4.8.
// It mutates edge's LastEvaluationResult/At as a side effect of
// evaluation (observability requirement in spec §4.8/§7).
func evaluateEdge(edge *DependencyEdge, sourceStatus TaskStatus, sourceResult interface{}) bool {
	if !sourceStatus.IsTerminal() {
		edge.LastEvaluationAt = time.Now()
		satisfied := false
		edge.LastEvaluationResult = &satisfied
		return false
	}

	var satisfied bool
	switch edge.Kind {
	case EdgeUnconditional, EdgeCompletionOnly:
		satisfied = true
	case EdgeSuccessOnly:
		satisfied = sourceStatus == TaskCompleted
	case EdgeConditional:
		if edge.ConditionPredicate == nil {
			// Degrades to SuccessOnly per spec §3/§9 open question 1.
			satisfied = sourceStatus == TaskCompleted
		} else {
			// Spec §4.8's table conditions Conditional edges on "source
			// is terminal and predicate(r) returns true" — terminal, not
			// necessarily Completed, so a predicate written to inspect a
			// Failed/Cancelled source's result (partial output, error
			// detail) can still satisfy the edge.
			satisfied = evaluatePredicateSafely(edge.ConditionPredicate, sourceResult)
		}
	default:
		satisfied = false
	}

	edge.LastEvaluationAt = time.Now()
	edge.LastEvaluationResult = &satisfied
	return satisfied
}

// evaluatePredicateSafely recovers from a panicking predicate and
// treats it as "not satisfied" (spec §4.8/§7 "Predicate errors").
func evaluatePredicateSafely(pred ConditionPredicate, result interface{}) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	return pred(result)
}
