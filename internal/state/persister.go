// Package state keeps the in-memory trust, suspicion and violation stores on disk.
package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/iamwavecut/doorman/internal/db"
)

const defaultSaveInterval = 5 * time.Minute

type (
	Store interface {
		LoadTrust(ctx context.Context) ([]*db.TrustRecord, error)
		SaveTrust(ctx context.Context, records []*db.TrustRecord) error
		LoadSuspicion(ctx context.Context) ([]*db.SuspicionRecord, error)
		SaveSuspicion(ctx context.Context, records []*db.SuspicionRecord) error
		LoadViolations(ctx context.Context, since time.Time) ([]*db.ViolationRecord, error)
		SaveViolations(ctx context.Context, records []*db.ViolationRecord) error
	}

	TrustStore interface {
		Snapshot() []*db.TrustRecord
		Restore(records []*db.TrustRecord)
	}

	SuspicionStore interface {
		Snapshot() []*db.SuspicionRecord
		Restore(records []*db.SuspicionRecord)
	}

	ViolationStore interface {
		Snapshot() []*db.ViolationRecord
		Restore(records []*db.ViolationRecord)
	}
)

type Options struct {
	SaveInterval time.Duration
	// ViolationWindow bounds how old loaded violation records may be.
	ViolationWindow time.Duration
}

type Persister struct {
	store      Store
	trust      TrustStore
	suspicion  SuspicionStore
	violations ViolationStore
	opts       Options
	now        func() time.Time

	saveMutex sync.Mutex

	runMutex  sync.Mutex
	started   bool
	runCancel context.CancelFunc
	workersWg sync.WaitGroup
}

func NewPersister(store Store, trust TrustStore, suspicion SuspicionStore, violations ViolationStore, opts Options) *Persister {
	if opts.SaveInterval <= 0 {
		opts.SaveInterval = defaultSaveInterval
	}
	if opts.ViolationWindow <= 0 {
		opts.ViolationWindow = 24 * time.Hour
	}
	return &Persister{
		store:      store,
		trust:      trust,
		suspicion:  suspicion,
		violations: violations,
		opts:       opts,
		now:        time.Now,
	}
}

// Load restores all three stores concurrently. A failing table leaves its store empty and
// fails the whole load.
func (p *Persister) Load(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		records, err := p.store.LoadTrust(gctx)
		if err != nil {
			return fmt.Errorf("load trust: %w", err)
		}
		p.trust.Restore(records)
		return nil
	})
	g.Go(func() error {
		records, err := p.store.LoadSuspicion(gctx)
		if err != nil {
			return fmt.Errorf("load suspicion: %w", err)
		}
		p.suspicion.Restore(records)
		return nil
	})
	g.Go(func() error {
		records, err := p.store.LoadViolations(gctx, p.now().Add(-p.opts.ViolationWindow))
		if err != nil {
			return fmt.Errorf("load violations: %w", err)
		}
		p.violations.Restore(records)
		return nil
	})
	return g.Wait()
}

// Save writes a snapshot of every store. Each table is replaced as a whole.
func (p *Persister) Save(ctx context.Context) error {
	p.saveMutex.Lock()
	defer p.saveMutex.Unlock()

	trust := p.trust.Snapshot()
	suspicion := p.suspicion.Snapshot()
	violations := p.violations.Snapshot()

	var saveErr error
	if err := p.store.SaveTrust(ctx, trust); err != nil {
		saveErr = errors.Join(saveErr, fmt.Errorf("save trust: %w", err))
	}
	if err := p.store.SaveSuspicion(ctx, suspicion); err != nil {
		saveErr = errors.Join(saveErr, fmt.Errorf("save suspicion: %w", err))
	}
	if err := p.store.SaveViolations(ctx, violations); err != nil {
		saveErr = errors.Join(saveErr, fmt.Errorf("save violations: %w", err))
	}
	if saveErr == nil {
		p.getLogEntry().WithFields(log.Fields{
			"trust":      len(trust),
			"suspicion":  len(suspicion),
			"violations": len(violations),
		}).Debug("state saved")
	}
	return saveErr
}

func (p *Persister) Start(ctx context.Context) error {
	p.runMutex.Lock()
	defer p.runMutex.Unlock()
	if p.started {
		return nil
	}
	if err := p.Load(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.runCancel = cancel
	p.started = true

	p.workersWg.Add(1)
	go func() {
		defer p.workersWg.Done()
		ticker := time.NewTicker(p.opts.SaveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := p.Save(runCtx); err != nil && !errors.Is(err, context.Canceled) {
					p.getLogEntry().WithField("error", err.Error()).Error("periodic save failed")
				}
			}
		}
	}()
	return nil
}

// Stop halts the periodic saver and writes the final snapshot.
func (p *Persister) Stop(ctx context.Context) error {
	p.runMutex.Lock()
	if !p.started {
		p.runMutex.Unlock()
		return nil
	}
	p.started = false
	cancel := p.runCancel
	p.runMutex.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.workersWg.Wait()
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
	}
	return p.Save(ctx)
}

func (p *Persister) getLogEntry() *log.Entry {
	return log.WithField("object", "StatePersister")
}
