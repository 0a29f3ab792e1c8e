package dag

import "fmt"

// Command is a single reversible mutation applied to a Constellation
// by the Editor (spec §4.9, component C9). Do and Undo must each
// leave the Constellation in a fully consistent state; a Command that
// fails Do must not have applied a partial mutation (spec §4.8
// operations already guarantee this).
type Command interface {
	Do(c *Constellation) error
	Undo(c *Constellation) error
	Description() string
}

// addTaskCmd adds a task; undo removes it.
type addTaskCmd struct {
	node TaskNode
}

func (cmd *addTaskCmd) Do(c *Constellation) error   { return c.AddTask(cmd.node) }
func (cmd *addTaskCmd) Undo(c *Constellation) error { return c.RemoveTask(cmd.node.TaskID) }
func (cmd *addTaskCmd) Description() string         { return "AddTask " + cmd.node.TaskID }

// removeTaskCmd removes a task, snapshotting it and its incident
// edges so Undo can restore both.
type removeTaskCmd struct {
	taskID string

	removedTask  *TaskNode
	removedEdges []*DependencyEdge
}

func (cmd *removeTaskCmd) Do(c *Constellation) error {
	t := c.GetTask(cmd.taskID)
	if t == nil {
		return &ValidationError{Op: "RemoveTask", Reason: "unknown task_id " + cmd.taskID}
	}
	cmd.removedTask = t
	cmd.removedEdges = nil
	for edgeID := range t.IncomingDeps {
		if e := c.GetEdge(edgeID); e != nil {
			cmd.removedEdges = append(cmd.removedEdges, e)
		}
	}
	for edgeID := range t.OutgoingDeps {
		if e := c.GetEdge(edgeID); e != nil {
			cmd.removedEdges = append(cmd.removedEdges, e)
		}
	}
	return c.RemoveTask(cmd.taskID)
}

func (cmd *removeTaskCmd) Undo(c *Constellation) error {
	if cmd.removedTask == nil {
		return &ValidationError{Op: "RemoveTask.Undo", Reason: "nothing to restore"}
	}
	if err := c.AddTask(*cmd.removedTask); err != nil {
		return err
	}
	for _, e := range cmd.removedEdges {
		if err := c.AddEdge(*e); err != nil {
			return err
		}
	}
	return nil
}

func (cmd *removeTaskCmd) Description() string { return "RemoveTask " + cmd.taskID }

// updateTaskCmd applies a patch, snapshotting the prior field values
// it touches so Undo can restore exactly those fields.
type updateTaskCmd struct {
	taskID string
	patch  TaskPatch

	prior *TaskPatch
}

func (cmd *updateTaskCmd) Do(c *Constellation) error {
	before := c.GetTask(cmd.taskID)
	if before == nil {
		return &ValidationError{Op: "UpdateTask", Reason: "unknown task_id " + cmd.taskID}
	}
	prior := TaskPatch{}
	if cmd.patch.Name != nil {
		v := before.Name
		prior.Name = &v
	}
	if cmd.patch.Description != nil {
		v := before.Description
		prior.Description = &v
	}
	if cmd.patch.Tips != nil {
		prior.Tips = append([]string(nil), before.Tips...)
	}
	if cmd.patch.TargetDeviceID != nil {
		v := before.TargetDeviceID
		prior.TargetDeviceID = &v
	}
	if cmd.patch.DeviceType != nil {
		v := before.DeviceType
		prior.DeviceType = &v
	}
	if cmd.patch.Priority != nil {
		v := before.Priority
		prior.Priority = &v
	}
	if cmd.patch.Timeout != nil {
		v := before.Timeout
		prior.Timeout = &v
	}
	if cmd.patch.RetryCount != nil {
		v := before.RetryCount
		prior.RetryCount = &v
	}
	if cmd.patch.TaskData != nil {
		prior.TaskData = deepCopyMap(before.TaskData)
	}
	if cmd.patch.ExpectedOutputType != nil {
		v := before.ExpectedOutputType
		prior.ExpectedOutputType = &v
	}
	cmd.prior = &prior

	return c.UpdateTask(cmd.taskID, cmd.patch)
}

func (cmd *updateTaskCmd) Undo(c *Constellation) error {
	if cmd.prior == nil {
		return &ValidationError{Op: "UpdateTask.Undo", Reason: "nothing to restore"}
	}
	return c.UpdateTask(cmd.taskID, *cmd.prior)
}

func (cmd *updateTaskCmd) Description() string { return "UpdateTask " + cmd.taskID }

// addEdgeCmd adds an edge; undo removes it.
type addEdgeCmd struct {
	edge DependencyEdge
}

func (cmd *addEdgeCmd) Do(c *Constellation) error   { return c.AddEdge(cmd.edge) }
func (cmd *addEdgeCmd) Undo(c *Constellation) error { return c.RemoveEdge(cmd.edge.EdgeID) }
func (cmd *addEdgeCmd) Description() string         { return "AddEdge " + cmd.edge.EdgeID }

// removeEdgeCmd removes an edge, snapshotting it so Undo can restore it.
type removeEdgeCmd struct {
	edgeID string

	removedEdge *DependencyEdge
}

func (cmd *removeEdgeCmd) Do(c *Constellation) error {
	e := c.GetEdge(cmd.edgeID)
	if e == nil {
		return &ValidationError{Op: "RemoveEdge", Reason: "unknown edge_id " + cmd.edgeID}
	}
	cmd.removedEdge = e
	return c.RemoveEdge(cmd.edgeID)
}

func (cmd *removeEdgeCmd) Undo(c *Constellation) error {
	if cmd.removedEdge == nil {
		return &ValidationError{Op: "RemoveEdge.Undo", Reason: "nothing to restore"}
	}
	return c.AddEdge(*cmd.removedEdge)
}

func (cmd *removeEdgeCmd) Description() string { return "RemoveEdge " + cmd.edgeID }

// updateEdgeCmd replaces an edge's Kind/ConditionDescription/
// ConditionPredicate/Metadata by removing and re-adding it under the
// same edge_id, snapshotting the prior value for Undo.
type updateEdgeCmd struct {
	edgeID               string
	kind                 EdgeKind
	conditionDescription string
	predicate            ConditionPredicate
	metadata             map[string]interface{}

	prior *DependencyEdge
}

func (cmd *updateEdgeCmd) Do(c *Constellation) error {
	before := c.GetEdge(cmd.edgeID)
	if before == nil {
		return &ValidationError{Op: "UpdateEdge", Reason: "unknown edge_id " + cmd.edgeID}
	}
	cmd.prior = before

	updated := *before
	updated.Kind = cmd.kind
	updated.ConditionDescription = cmd.conditionDescription
	updated.ConditionPredicate = cmd.predicate
	updated.Metadata = cmd.metadata
	updated.LastEvaluationResult = nil

	if err := c.RemoveEdge(cmd.edgeID); err != nil {
		return err
	}
	if err := c.AddEdge(updated); err != nil {
		// best-effort restore of the original edge
		_ = c.AddEdge(*before)
		return err
	}
	return nil
}

func (cmd *updateEdgeCmd) Undo(c *Constellation) error {
	if cmd.prior == nil {
		return &ValidationError{Op: "UpdateEdge.Undo", Reason: "nothing to restore"}
	}
	if err := c.RemoveEdge(cmd.edgeID); err != nil {
		return err
	}
	return c.AddEdge(*cmd.prior)
}

func (cmd *updateEdgeCmd) Description() string { return "UpdateEdge " + cmd.edgeID }

// clearConstellationCmd removes every task and edge, snapshotting the
// full graph so Undo can restore it verbatim.
type clearConstellationCmd struct {
	priorTasks map[string]*TaskNode
	priorEdges map[string]*DependencyEdge
}

func (cmd *clearConstellationCmd) Do(c *Constellation) error {
	cmd.priorTasks = c.Tasks()
	cmd.priorEdges = c.Edges()

	for id, t := range cmd.priorTasks {
		if t.Status == TaskRunning {
			return &ValidationError{Op: "ClearConstellation", Reason: "task " + id + " is Running"}
		}
	}
	// Cleared directly rather than through RemoveTask, which refuses
	// terminal tasks and would leave them behind.
	c.mu.Lock()
	c.tasks = make(map[string]*TaskNode)
	c.edges = make(map[string]*DependencyEdge)
	c.recomputeStateLocked()
	c.mu.Unlock()
	return nil
}

func (cmd *clearConstellationCmd) Undo(c *Constellation) error {
	for _, t := range cmd.priorTasks {
		if err := c.AddTask(*t); err != nil {
			return err
		}
	}
	for _, e := range cmd.priorEdges {
		if err := c.AddEdge(*e); err != nil {
			return err
		}
	}
	return nil
}

func (cmd *clearConstellationCmd) Description() string { return "ClearConstellation" }

// batchCmd applies a sequence of Commands as one undo/redo unit.
// Commands already applied before a failing member are rolled back in
// reverse order so Do is all-or-nothing.
type batchCmd struct {
	commands []Command
	applied  []Command
}

func (cmd *batchCmd) Do(c *Constellation) error {
	cmd.applied = cmd.applied[:0]
	for _, sub := range cmd.commands {
		if err := sub.Do(c); err != nil {
			for i := len(cmd.applied) - 1; i >= 0; i-- {
				_ = cmd.applied[i].Undo(c)
			}
			cmd.applied = nil
			return fmt.Errorf("dag: batch failed on %q: %w", sub.Description(), err)
		}
		cmd.applied = append(cmd.applied, sub)
	}
	return nil
}

func (cmd *batchCmd) Undo(c *Constellation) error {
	for i := len(cmd.applied) - 1; i >= 0; i-- {
		if err := cmd.applied[i].Undo(c); err != nil {
			return err
		}
	}
	return nil
}

func (cmd *batchCmd) Description() string { return "BatchOperations" }
