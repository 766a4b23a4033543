// Package lifecycle starts long-running components in order and stops them in reverse.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

type Component interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Funcs adapts a pair of plain functions, either may be nil.
type Funcs struct {
	OnStart func(ctx context.Context) error
	OnStop  func(ctx context.Context) error
}

func (f Funcs) Start(ctx context.Context) error {
	if f.OnStart == nil {
		return nil
	}
	return f.OnStart(ctx)
}

func (f Funcs) Stop(ctx context.Context) error {
	if f.OnStop == nil {
		return nil
	}
	return f.OnStop(ctx)
}

type named struct {
	name      string
	component Component
}

type Runtime struct {
	components []named
	started    []named
}

func NewRuntime() *Runtime {
	return &Runtime{}
}

// Register appends a component. Nil components are skipped so optional services can be
// registered unconditionally.
func (r *Runtime) Register(name string, component Component) *Runtime {
	if component == nil {
		return r
	}
	r.components = append(r.components, named{name: name, component: component})
	return r
}

// Start starts components in registration order. On failure the already started ones are
// stopped before the error is returned.
func (r *Runtime) Start(ctx context.Context) error {
	r.started = r.started[:0]
	for _, c := range r.components {
		startedAt := time.Now()
		if err := c.component.Start(ctx); err != nil {
			_ = stopComponents(ctx, r.started)
			r.started = nil
			return fmt.Errorf("start %s: %w", c.name, err)
		}
		r.getLogEntry().WithField("component", c.name).WithField("took", time.Since(startedAt)).Debug("started")
		r.started = append(r.started, c)
	}
	return nil
}

// Stop stops what Start started, newest first, and joins the errors.
func (r *Runtime) Stop(ctx context.Context) error {
	err := stopComponents(ctx, r.started)
	r.started = nil
	return err
}

func stopComponents(ctx context.Context, components []named) error {
	var stopErr error
	for i := len(components) - 1; i >= 0; i-- {
		c := components[i]
		if err := c.component.Stop(ctx); err != nil {
			log.WithField("object", "Runtime").WithField("component", c.name).WithField("error", err.Error()).Error("stop failed")
			stopErr = errors.Join(stopErr, fmt.Errorf("stop %s: %w", c.name, err))
		}
	}
	return stopErr
}

func (r *Runtime) getLogEntry() *log.Entry {
	return log.WithField("object", "Runtime")
}
