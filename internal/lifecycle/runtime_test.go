package lifecycle

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
)

type testComponent struct {
	name     string
	startErr error
	stopErr  error
	events   *[]string
	stopCall int
}

func (c *testComponent) Start(context.Context) error {
	*c.events = append(*c.events, "start:"+c.name)
	return c.startErr
}

func (c *testComponent) Stop(context.Context) error {
	c.stopCall++
	*c.events = append(*c.events, "stop:"+c.name)
	return c.stopErr
}

func newRuntime(components ...*testComponent) *Runtime {
	r := NewRuntime()
	for _, c := range components {
		r.Register(c.name, c)
	}
	return r
}

func TestRuntimeStartStopOrder(t *testing.T) {
	t.Parallel()

	var events []string
	r := newRuntime(
		&testComponent{name: "one", events: &events},
		&testComponent{name: "two", events: &events},
		&testComponent{name: "three", events: &events},
	)
	r.Register("missing", nil)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start runtime: %v", err)
	}
	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("stop runtime: %v", err)
	}
	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}

	want := []string{"start:one", "start:two", "start:three", "stop:three", "stop:two", "stop:one"}
	if !reflect.DeepEqual(events, want) {
		t.Fatalf("unexpected order: got %v want %v", events, want)
	}
}

func TestRuntimeStartFailureStopsStartedComponents(t *testing.T) {
	t.Parallel()

	var events []string
	startErr := errors.New("boom")
	c1 := &testComponent{name: "one", events: &events}
	c2 := &testComponent{name: "two", events: &events, startErr: startErr}
	c3 := &testComponent{name: "three", events: &events}

	err := newRuntime(c1, c2, c3).Start(context.Background())
	if !errors.Is(err, startErr) {
		t.Fatalf("unexpected start error: %v", err)
	}
	if !strings.Contains(err.Error(), "start two") {
		t.Fatalf("error does not name the component: %v", err)
	}
	if c1.stopCall != 1 || c2.stopCall != 0 || c3.stopCall != 0 {
		t.Fatalf("unexpected stop calls: %d %d %d", c1.stopCall, c2.stopCall, c3.stopCall)
	}
	want := []string{"start:one", "start:two", "stop:one"}
	if !reflect.DeepEqual(events, want) {
		t.Fatalf("unexpected events: %v", events)
	}
}

func TestRuntimeStopJoinsErrors(t *testing.T) {
	t.Parallel()

	var events []string
	e1, e2 := errors.New("first"), errors.New("second")
	r := newRuntime(
		&testComponent{name: "one", events: &events, stopErr: e1},
		&testComponent{name: "two", events: &events, stopErr: e2},
	)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	err := r.Stop(context.Background())
	if !errors.Is(err, e1) || !errors.Is(err, e2) {
		t.Fatalf("stop error %v", err)
	}
}

func TestFuncs(t *testing.T) {
	t.Parallel()

	var stopped bool
	f := Funcs{OnStop: func(context.Context) error {
		stopped = true
		return nil
	}}
	if err := f.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.Stop(context.Background()); err != nil || !stopped {
		t.Fatalf("stop: %v %v", err, stopped)
	}
}
