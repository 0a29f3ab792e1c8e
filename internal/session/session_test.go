package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/basket/constellation/internal/dag"
	"github.com/basket/constellation/internal/session"
)

type fakeScheduler struct {
	c *dag.Constellation
}

func (f *fakeScheduler) Run(ctx context.Context) (*dag.Stats, error) {
	_ = f.c.MarkStarted("a")
	_ = f.c.MarkCompleted("a", true, "42", "")
	s := f.c.Statistics()
	return &s, nil
}

func TestRunner_AggregatesResult(t *testing.T) {
	c := dag.New("c1", "test")
	_ = c.AddTask(dag.TaskNode{TaskID: "a", Name: "a"})

	runner := session.New(c, &fakeScheduler{c: c})
	result, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.FinalState != dag.StateCompleted {
		t.Fatalf("FinalState = %v, want Completed", result.FinalState)
	}
	if len(result.TaskResults) != 1 || result.TaskResults[0].Result != "42" {
		t.Fatalf("TaskResults = %+v", result.TaskResults)
	}
	if result.TotalDuration <= 0 {
		t.Fatal("expected nonzero TotalDuration")
	}
}

func TestRunner_PropagatesCancellation(t *testing.T) {
	c := dag.New("c1", "test")
	_ = c.AddTask(dag.TaskNode{TaskID: "a", Name: "a"})

	runner := session.New(c, cancellingScheduler{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := runner.Run(ctx)
	if err == nil {
		t.Fatal("expected error from cancelled run")
	}
}

type cancellingScheduler struct{}

func (cancellingScheduler) Run(ctx context.Context) (*dag.Stats, error) {
	<-time.After(time.Millisecond)
	return nil, ctx.Err()
}
