package dag

import "sync"

const defaultMaxHistorySize = 100

// EditorView is the deep-copied read model handed to observers after
// a successful Do/Undo/Redo (spec §4.9).
type EditorView struct {
	ConstellationID string
	State           ConstellationState
	Tasks           map[string]*TaskNode
	Edges           map[string]*DependencyEdge
}

// Observer is notified after every successful mutation the Editor
// applies to its Constellation.
type Observer func(view EditorView)

// Editor applies Commands to a Constellation through an undo/redo
// stack (spec §4.9, component C9). All public methods serialize
// through mu; the wrapped Constellation additionally serializes its
// own mutations, so Editor methods are safe for concurrent callers.
type Editor struct {
	mu sync.Mutex

	c              *Constellation
	undoStack      []Command
	redoStack      []Command
	maxHistorySize int
	observers      []Observer

	// auditFunc, if set, is called with (operation, description) after
	// every successful Do/Undo/Redo, independent of the in-memory
	// undo/redo stack. nil means no external audit trail is kept.
	auditFunc func(operation, description string)
}

// SetAuditFunc attaches a sink for a durable audit trail of edits,
// separate from the in-process undo/redo history.
func (ed *Editor) SetAuditFunc(f func(operation, description string)) {
	ed.mu.Lock()
	defer ed.mu.Unlock()
	ed.auditFunc = f
}

// NewEditor wraps c. maxHistorySize <= 0 uses the default of 100.
func NewEditor(c *Constellation, maxHistorySize int) *Editor {
	if maxHistorySize <= 0 {
		maxHistorySize = defaultMaxHistorySize
	}
	return &Editor{c: c, maxHistorySize: maxHistorySize}
}

// Subscribe registers an observer invoked after each successful
// Do/Undo/Redo. Not unsubscribable; intended for long-lived listeners
// such as a bus-publishing adapter.
func (ed *Editor) Subscribe(o Observer) {
	ed.mu.Lock()
	defer ed.mu.Unlock()
	ed.observers = append(ed.observers, o)
}

// Constellation returns the wrapped DAG.
func (ed *Editor) Constellation() *Constellation { return ed.c }

// execute runs cmd.Do, and on success pushes it to the undo stack
// (dropping the oldest entry past maxHistorySize), clears the redo
// stack, and notifies observers. On failure the Constellation is left
// unmutated and neither stack changes (spec §4.9 "running-task edit
// gate": IllegalState without mutation).
func (ed *Editor) execute(cmd Command) error {
	ed.mu.Lock()
	defer ed.mu.Unlock()

	if err := cmd.Do(ed.c); err != nil {
		return err
	}

	ed.undoStack = append(ed.undoStack, cmd)
	if len(ed.undoStack) > ed.maxHistorySize {
		ed.undoStack = ed.undoStack[len(ed.undoStack)-ed.maxHistorySize:]
	}
	ed.redoStack = nil

	if ed.auditFunc != nil {
		ed.auditFunc("Do", cmd.Description())
	}
	ed.notifyLocked()
	return nil
}

func (ed *Editor) notifyLocked() {
	if len(ed.observers) == 0 {
		return
	}
	view := EditorView{
		ConstellationID: ed.c.ConstellationID,
		State:           ed.c.State(),
		Tasks:           ed.c.Tasks(),
		Edges:           ed.c.Edges(),
	}
	for _, o := range ed.observers {
		o(view)
	}
}

// Undo reverses the most recent command. Returns an error (and
// leaves both stacks unchanged) if there is nothing to undo or if
// Undo itself fails, e.g. because downstream state no longer permits
// reversal.
func (ed *Editor) Undo() error {
	ed.mu.Lock()
	defer ed.mu.Unlock()

	if len(ed.undoStack) == 0 {
		return &ValidationError{Op: "Undo", Reason: "nothing to undo"}
	}
	cmd := ed.undoStack[len(ed.undoStack)-1]
	if err := cmd.Undo(ed.c); err != nil {
		return err
	}
	ed.undoStack = ed.undoStack[:len(ed.undoStack)-1]
	ed.redoStack = append(ed.redoStack, cmd)

	if ed.auditFunc != nil {
		ed.auditFunc("Undo", cmd.Description())
	}
	ed.notifyLocked()
	return nil
}

// Redo re-applies the most recently undone command.
func (ed *Editor) Redo() error {
	ed.mu.Lock()
	defer ed.mu.Unlock()

	if len(ed.redoStack) == 0 {
		return &ValidationError{Op: "Redo", Reason: "nothing to redo"}
	}
	cmd := ed.redoStack[len(ed.redoStack)-1]
	if err := cmd.Do(ed.c); err != nil {
		return err
	}
	ed.redoStack = ed.redoStack[:len(ed.redoStack)-1]
	ed.undoStack = append(ed.undoStack, cmd)
	if len(ed.undoStack) > ed.maxHistorySize {
		ed.undoStack = ed.undoStack[len(ed.undoStack)-ed.maxHistorySize:]
	}

	if ed.auditFunc != nil {
		ed.auditFunc("Redo", cmd.Description())
	}
	ed.notifyLocked()
	return nil
}

// CanUndo/CanRedo report whether a corresponding call would succeed
// against an empty stack (the wrapped command may still fail).
func (ed *Editor) CanUndo() bool {
	ed.mu.Lock()
	defer ed.mu.Unlock()
	return len(ed.undoStack) > 0
}

func (ed *Editor) CanRedo() bool {
	ed.mu.Lock()
	defer ed.mu.Unlock()
	return len(ed.redoStack) > 0
}

func (ed *Editor) AddTask(node TaskNode) error {
	return ed.execute(&addTaskCmd{node: node})
}

func (ed *Editor) RemoveTask(taskID string) error {
	return ed.execute(&removeTaskCmd{taskID: taskID})
}

func (ed *Editor) UpdateTask(taskID string, patch TaskPatch) error {
	return ed.execute(&updateTaskCmd{taskID: taskID, patch: patch})
}

func (ed *Editor) AddEdge(edge DependencyEdge) error {
	return ed.execute(&addEdgeCmd{edge: edge})
}

func (ed *Editor) RemoveEdge(edgeID string) error {
	return ed.execute(&removeEdgeCmd{edgeID: edgeID})
}

// UpdateEdgeParams is the mutable subset of a DependencyEdge that
// UpdateEdge may change.
type UpdateEdgeParams struct {
	Kind                 EdgeKind
	ConditionDescription string
	ConditionPredicate   ConditionPredicate
	Metadata             map[string]interface{}
}

func (ed *Editor) UpdateEdge(edgeID string, p UpdateEdgeParams) error {
	return ed.execute(&updateEdgeCmd{
		edgeID:               edgeID,
		kind:                 p.Kind,
		conditionDescription: p.ConditionDescription,
		predicate:            p.ConditionPredicate,
		metadata:             p.Metadata,
	})
}

// Clear removes every task and edge as one undoable step.
func (ed *Editor) Clear() error {
	return ed.execute(&clearConstellationCmd{})
}

// BatchOperations applies several Commands as a single undo/redo
// unit, rolling back partial application if any member fails.
func (ed *Editor) BatchOperations(cmds ...Command) error {
	return ed.execute(&batchCmd{commands: cmds})
}
