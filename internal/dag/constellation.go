package dag

import (
	"sort"
	"sync"
	"time"
)

// ConstellationState is the derived aggregate state of a Constellation
// (spec §3/§4.8).
type ConstellationState string

const (
	StateCreated         ConstellationState = "Created"
	StateReady           ConstellationState = "Ready"
	StateExecuting       ConstellationState = "Executing"
	StateCompleted       ConstellationState = "Completed"
	StateFailed          ConstellationState = "Failed"
	StatePartiallyFailed ConstellationState = "PartiallyFailed"
)

// Constellation is a DAG of TaskNodes connected by DependencyEdges,
// plus its derived state (spec §3, component C8). All mutation goes
// through its methods, which serialize through a single mutex — the
// "single logical writer" required by spec §5.
type Constellation struct {
	mu sync.Mutex

	ConstellationID string
	Name            string
	Metadata        map[string]interface{}
	CreatedAt       time.Time
	UpdatedAt       time.Time

	state ConstellationState
	tasks map[string]*TaskNode
	edges map[string]*DependencyEdge

	logger interface {
		Warn(msg string, args ...interface{})
	}
}

// New creates an empty Constellation in state Created.
func New(id, name string) *Constellation {
	now := time.Now()
	return &Constellation{
		ConstellationID: id,
		Name:            name,
		Metadata:        make(map[string]interface{}),
		CreatedAt:       now,
		UpdatedAt:       now,
		state:           StateCreated,
		tasks:           make(map[string]*TaskNode),
		edges:           make(map[string]*DependencyEdge),
	}
}

// SetLogger installs a logger used for the loud "Conditional edge
// degraded to SuccessOnly" warning (spec §9 open question 1). Safe to
// call once before first use; not synchronized against concurrent
// mutation.
func (c *Constellation) SetLogger(l interface{ Warn(msg string, args ...interface{}) }) {
	c.logger = l
}

// State returns the current derived state.
func (c *Constellation) State() ConstellationState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// GetTask returns a deep copy of a task, or nil if not present.
func (c *Constellation) GetTask(taskID string) *TaskNode {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[taskID]
	if !ok {
		return nil
	}
	return t.clone()
}

// GetEdge returns a deep copy of an edge, or nil if not present.
func (c *Constellation) GetEdge(edgeID string) *DependencyEdge {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.edges[edgeID]
	if !ok {
		return nil
	}
	return e.clone()
}

// Tasks returns deep copies of all tasks, keyed by task_id.
func (c *Constellation) Tasks() map[string]*TaskNode {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]*TaskNode, len(c.tasks))
	for id, t := range c.tasks {
		out[id] = t.clone()
	}
	return out
}

// Edges returns deep copies of all edges, keyed by edge_id.
func (c *Constellation) Edges() map[string]*DependencyEdge {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]*DependencyEdge, len(c.edges))
	for id, e := range c.edges {
		out[id] = e.clone()
	}
	return out
}

// AddTask inserts a new node. Rejects a duplicate task_id.
func (c *Constellation) AddTask(node TaskNode) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.tasks[node.TaskID]; exists {
		return &ValidationError{Op: "AddTask", Reason: "duplicate task_id " + node.TaskID}
	}
	now := time.Now()
	if node.Status == "" {
		node.Status = TaskPending
	}
	if node.CreatedAt.IsZero() {
		node.CreatedAt = now
	}
	node.UpdatedAt = now
	if node.IncomingDeps == nil {
		node.IncomingDeps = make(map[string]struct{})
	}
	if node.OutgoingDeps == nil {
		node.OutgoingDeps = make(map[string]struct{})
	}
	nodeCopy := node
	c.tasks[node.TaskID] = &nodeCopy

	c.recomputeReadinessLocked()
	c.recomputeStateLocked()
	return nil
}

// RemoveTask deletes a node and cascades removal of incident edges.
// Rejects removing a task that is terminal or Running.
func (c *Constellation) RemoveTask(taskID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tasks[taskID]
	if !ok {
		return &ValidationError{Op: "RemoveTask", Reason: "unknown task_id " + taskID}
	}
	if t.Status == TaskRunning || t.Status.IsTerminal() {
		return &ValidationError{Op: "RemoveTask", Reason: "task " + taskID + " is running or terminal"}
	}

	for edgeID := range t.IncomingDeps {
		c.removeEdgeUnchecked(edgeID)
	}
	for edgeID := range t.OutgoingDeps {
		c.removeEdgeUnchecked(edgeID)
	}
	delete(c.tasks, taskID)

	c.recomputeReadinessLocked()
	c.recomputeStateLocked()
	return nil
}

// UpdateTask applies patch to the selected fields. Rejects mutation
// while the task is Running. Status is never settable here.
func (c *Constellation) UpdateTask(taskID string, patch TaskPatch) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tasks[taskID]
	if !ok {
		return &ValidationError{Op: "UpdateTask", Reason: "unknown task_id " + taskID}
	}
	if t.Status == TaskRunning {
		return &ValidationError{Op: "UpdateTask", Reason: "task " + taskID + " is Running"}
	}

	if patch.Name != nil {
		t.Name = *patch.Name
	}
	if patch.Description != nil {
		t.Description = *patch.Description
	}
	if patch.Tips != nil {
		t.Tips = append([]string(nil), patch.Tips...)
	}
	if patch.TargetDeviceID != nil {
		t.TargetDeviceID = *patch.TargetDeviceID
	}
	if patch.DeviceType != nil {
		t.DeviceType = *patch.DeviceType
	}
	if patch.Priority != nil {
		t.Priority = *patch.Priority
	}
	if patch.Timeout != nil {
		t.Timeout = *patch.Timeout
	}
	if patch.RetryCount != nil {
		t.RetryCount = *patch.RetryCount
	}
	if patch.TaskData != nil {
		t.TaskData = deepCopyMap(patch.TaskData)
	}
	if patch.ExpectedOutputType != nil {
		t.ExpectedOutputType = *patch.ExpectedOutputType
	}
	t.UpdatedAt = time.Now()
	return nil
}

// AddEdge inserts a new dependency edge. Rejects self-loops, missing
// endpoints, and cycle-introducing edges.
func (c *Constellation) AddEdge(edge DependencyEdge) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if edge.FromTaskID == edge.ToTaskID {
		return &ValidationError{Op: "AddEdge", Reason: "self-loop on " + edge.FromTaskID}
	}
	from, fromOK := c.tasks[edge.FromTaskID]
	to, toOK := c.tasks[edge.ToTaskID]
	if !fromOK || !toOK {
		return &ValidationError{Op: "AddEdge", Reason: "missing endpoint task"}
	}
	if _, exists := c.edges[edge.EdgeID]; exists {
		return &ValidationError{Op: "AddEdge", Reason: "duplicate edge_id " + edge.EdgeID}
	}
	if c.wouldCreateCycleLocked(edge.FromTaskID, edge.ToTaskID) {
		return &ValidationError{Op: "AddEdge", Reason: "would introduce a cycle"}
	}

	if edge.Kind == EdgeConditional && edge.ConditionPredicate == nil {
		if c.logger != nil {
			c.logger.Warn("dag: conditional edge without predicate degrades to SuccessOnly", "edge_id", edge.EdgeID)
		}
	}

	edgeCopy := edge
	c.edges[edge.EdgeID] = &edgeCopy
	from.OutgoingDeps[edge.EdgeID] = struct{}{}
	to.IncomingDeps[edge.EdgeID] = struct{}{}

	c.recomputeReadinessLocked()
	c.recomputeStateLocked()
	return nil
}

// wouldCreateCycleLocked performs a DFS on the outgoing adjacency from
// to_task_id, seeking from_task_id (spec §4.8 cycle check).
func (c *Constellation) wouldCreateCycleLocked(fromID, toID string) bool {
	visited := make(map[string]bool)
	var dfs func(string) bool
	dfs = func(node string) bool {
		if node == fromID {
			return true
		}
		if visited[node] {
			return false
		}
		visited[node] = true
		t, ok := c.tasks[node]
		if !ok {
			return false
		}
		for edgeID := range t.OutgoingDeps {
			e := c.edges[edgeID]
			if e == nil {
				continue
			}
			if dfs(e.ToTaskID) {
				return true
			}
		}
		return false
	}
	return dfs(toID)
}

// RemoveEdge deletes an edge. Rejects removal if the target task is
// currently Running.
func (c *Constellation) RemoveEdge(edgeID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.edges[edgeID]
	if !ok {
		return &ValidationError{Op: "RemoveEdge", Reason: "unknown edge_id " + edgeID}
	}
	if target, ok := c.tasks[e.ToTaskID]; ok && target.Status == TaskRunning {
		return &ValidationError{Op: "RemoveEdge", Reason: "target task " + e.ToTaskID + " is Running"}
	}
	c.removeEdgeUnchecked(edgeID)

	c.recomputeReadinessLocked()
	c.recomputeStateLocked()
	return nil
}

func (c *Constellation) removeEdgeUnchecked(edgeID string) {
	e, ok := c.edges[edgeID]
	if !ok {
		return
	}
	if from, ok := c.tasks[e.FromTaskID]; ok {
		delete(from.OutgoingDeps, edgeID)
	}
	if to, ok := c.tasks[e.ToTaskID]; ok {
		delete(to.IncomingDeps, edgeID)
	}
	delete(c.edges, edgeID)
}

// TopologicalOrder returns every present task_id in dependency order
// via Kahn's algorithm, tie-broken by (priority desc, created_at asc,
// task_id asc).
func (c *Constellation) TopologicalOrder() ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topologicalOrderLocked()
}

func (c *Constellation) topologicalOrderLocked() ([]string, error) {
	inDegree := make(map[string]int, len(c.tasks))
	for id, t := range c.tasks {
		inDegree[id] = len(t.IncomingDeps)
	}

	less := func(ids []string) func(i, j int) bool {
		return func(i, j int) bool {
			a, b := c.tasks[ids[i]], c.tasks[ids[j]]
			if a.Priority != b.Priority {
				return a.Priority > b.Priority
			}
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return ids[i] < ids[j]
		}
	}

	var ready []string
	for id, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}

	var order []string
	for len(ready) > 0 {
		sort.Slice(ready, less(ready))
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		for edgeID := range c.tasks[id].OutgoingDeps {
			e := c.edges[edgeID]
			inDegree[e.ToTaskID]--
			if inDegree[e.ToTaskID] == 0 {
				ready = append(ready, e.ToTaskID)
			}
		}
	}

	if len(order) != len(c.tasks) {
		return nil, &ValidationError{Op: "TopologicalOrder", Reason: "graph contains a cycle"}
	}
	return order, nil
}

// ReadyTasks returns task_ids whose status is Pending/WaitingDependency
// and all incoming edges are satisfied (spec §4.8).
func (c *Constellation) ReadyTasks() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readyTasksLocked()
}

func (c *Constellation) readyTasksLocked() []string {
	var ready []string
	for id, t := range c.tasks {
		if t.Status != TaskPending && t.Status != TaskWaitingDependency {
			continue
		}
		if c.allIncomingSatisfiedLocked(t) {
			ready = append(ready, id)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		a, b := c.tasks[ready[i]], c.tasks[ready[j]]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return ready[i] < ready[j]
	})
	return ready
}

func (c *Constellation) allIncomingSatisfiedLocked(t *TaskNode) bool {
	for edgeID := range t.IncomingDeps {
		e := c.edges[edgeID]
		if e == nil {
			continue
		}
		src := c.tasks[e.FromTaskID]
		if src == nil {
			continue
		}
		if !evaluateEdge(e, src.Status, src.Result) {
			return false
		}
	}
	return true
}

// recomputeReadinessLocked re-derives the Pending/WaitingDependency
// label for every non-terminal, non-Running task after a structural
// or task-completion change.
func (c *Constellation) recomputeReadinessLocked() {
	for _, t := range c.tasks {
		if t.Status == TaskRunning || t.Status.IsTerminal() {
			continue
		}
		if c.allIncomingSatisfiedLocked(t) {
			t.Status = TaskPending
		} else {
			t.Status = TaskWaitingDependency
		}
	}
}

// MarkStarted transitions a task to Running. Requires status
// Pending/WaitingDependency.
func (c *Constellation) MarkStarted(taskID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tasks[taskID]
	if !ok {
		return &ValidationError{Op: "MarkStarted", Reason: "unknown task_id " + taskID}
	}
	if t.Status != TaskPending && t.Status != TaskWaitingDependency {
		return &ValidationError{Op: "MarkStarted", Reason: "task " + taskID + " is not Pending/WaitingDependency"}
	}
	t.Status = TaskRunning
	t.StartedAt = time.Now()
	t.EndedAt = time.Time{}
	t.UpdatedAt = t.StartedAt

	c.recomputeStateLocked()
	return nil
}

// MarkCompleted transitions a Running task to Completed or Failed,
// re-evaluates downstream readiness, and recomputes constellation
// state.
func (c *Constellation) MarkCompleted(taskID string, success bool, result interface{}, errMsg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tasks[taskID]
	if !ok {
		return &ValidationError{Op: "MarkCompleted", Reason: "unknown task_id " + taskID}
	}
	if t.Status != TaskRunning {
		return &ValidationError{Op: "MarkCompleted", Reason: "task " + taskID + " is not Running"}
	}
	if success {
		t.Status = TaskCompleted
	} else {
		t.Status = TaskFailed
	}
	t.Result = result
	t.Error = errMsg
	t.EndedAt = time.Now()
	t.UpdatedAt = t.EndedAt

	c.recomputeReadinessLocked()
	c.recomputeStateLocked()
	return nil
}

// MarkCancelled transitions a non-terminal task directly to
// Cancelled, used by scheduler cancellation (spec §4.10) and by the
// "unreachable predicate" auto-cancel policy (spec §8 scenario 3).
func (c *Constellation) MarkCancelled(taskID, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tasks[taskID]
	if !ok {
		return &ValidationError{Op: "MarkCancelled", Reason: "unknown task_id " + taskID}
	}
	if t.Status.IsTerminal() {
		return &ValidationError{Op: "MarkCancelled", Reason: "task " + taskID + " already terminal"}
	}
	t.Status = TaskCancelled
	t.Error = reason
	t.EndedAt = time.Now()
	t.UpdatedAt = t.EndedAt

	c.recomputeReadinessLocked()
	c.recomputeStateLocked()
	return nil
}

func (c *Constellation) recomputeStateLocked() {
	total := len(c.tasks)
	if total == 0 {
		c.state = StateCreated
		c.UpdatedAt = time.Now()
		return
	}

	var terminal, succeeded, failed, running int
	for _, t := range c.tasks {
		switch {
		case t.Status == TaskCompleted:
			terminal++
			succeeded++
		case t.Status == TaskFailed || t.Status == TaskCancelled:
			terminal++
			failed++
		case t.Status == TaskRunning:
			running++
		}
	}

	var next ConstellationState
	switch {
	case terminal == total:
		switch {
		case failed == 0:
			next = StateCompleted
		case succeeded == 0:
			next = StateFailed
		default:
			next = StatePartiallyFailed
		}
	case running > 0:
		next = StateExecuting
	default:
		next = StateReady
	}

	c.UpdatedAt = time.Now()
	c.state = next
}

// IsComplete reports whether the constellation has reached a terminal
// aggregate state.
func (c *Constellation) IsComplete() bool {
	switch c.State() {
	case StateCompleted, StateFailed, StatePartiallyFailed:
		return true
	}
	return false
}

// Stats summarizes shape and progress of a Constellation (spec
// SUPPLEMENTED FEATURES: critical path / width / parallelism ratio).
type Stats struct {
	TotalTasks     int
	ByStatus       map[TaskStatus]int
	CriticalPath   int           // node count along the longest chain
	CriticalTime   time.Duration // sum of durations along the longest chain, 0 if not all terminal
	MaxWidth       int           // largest number of tasks at the same topological depth
	ParallelismRatio float64     // TotalTasks / CriticalPath, 1.0 for an empty or single-node graph
}

// Statistics computes a point-in-time Stats snapshot. When every task
// is terminal it additionally reports CriticalTime using recorded
// started_at/ended_at durations; otherwise CriticalTime is zero and
// callers should use CriticalPath (structural, node-count) instead.
func (c *Constellation) Statistics() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{ByStatus: make(map[TaskStatus]int)}
	s.TotalTasks = len(c.tasks)
	if s.TotalTasks == 0 {
		s.ParallelismRatio = 1.0
		return s
	}

	allTerminal := true
	for _, t := range c.tasks {
		s.ByStatus[t.Status]++
		if !t.Status.IsTerminal() {
			allTerminal = false
		}
	}

	order, err := c.topologicalOrderLocked()
	if err != nil {
		// Cyclic/inconsistent graph; report counts only.
		s.ParallelismRatio = 1.0
		return s
	}

	depth := make(map[string]int, len(order))
	longestDurationTo := make(map[string]time.Duration, len(order))
	for _, id := range order {
		t := c.tasks[id]
		maxParentDepth := -1
		var maxParentDuration time.Duration
		for edgeID := range t.IncomingDeps {
			e := c.edges[edgeID]
			if e == nil {
				continue
			}
			if d, ok := depth[e.FromTaskID]; ok && d > maxParentDepth {
				maxParentDepth = d
			}
			if d, ok := longestDurationTo[e.FromTaskID]; ok && d > maxParentDuration {
				maxParentDuration = d
			}
		}
		depth[id] = maxParentDepth + 1

		own := time.Duration(0)
		if !t.StartedAt.IsZero() && !t.EndedAt.IsZero() {
			own = t.EndedAt.Sub(t.StartedAt)
		}
		longestDurationTo[id] = maxParentDuration + own
	}

	widthByDepth := make(map[int]int)
	maxDepth := 0
	var maxDuration time.Duration
	for id, d := range depth {
		widthByDepth[d]++
		if d > maxDepth {
			maxDepth = d
		}
		if longestDurationTo[id] > maxDuration {
			maxDuration = longestDurationTo[id]
		}
	}
	for _, w := range widthByDepth {
		if w > s.MaxWidth {
			s.MaxWidth = w
		}
	}

	s.CriticalPath = maxDepth + 1
	if allTerminal {
		s.CriticalTime = maxDuration
	}
	if s.CriticalPath > 0 {
		s.ParallelismRatio = float64(s.TotalTasks) / float64(s.CriticalPath)
	} else {
		s.ParallelismRatio = 1.0
	}
	return s
}
