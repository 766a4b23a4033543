package bot

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/doorman/internal/infra"
)

const (
	defaultPollBuffer  = 100
	pollRestartBackoff = 3 * time.Second
)

// Poller long-polls the platform and hands every update to the processor on its own
// goroutine.
type Poller struct {
	updater   Updater
	processor *UpdateProcessor
	config    api.UpdateConfig
	buffer    int
	backoff   time.Duration

	offsetMutex sync.Mutex
	inflight    sync.WaitGroup

	runMutex  sync.Mutex
	started   bool
	runCancel context.CancelFunc
	done      chan struct{}
}

func NewPoller(updater Updater, processor *UpdateProcessor, config api.UpdateConfig) *Poller {
	return &Poller{
		updater:   updater,
		processor: processor,
		config:    config,
		buffer:    defaultPollBuffer,
		backoff:   pollRestartBackoff,
	}
}

func (p *Poller) Start(ctx context.Context) error {
	p.runMutex.Lock()
	defer p.runMutex.Unlock()
	if p.started {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.runCancel = cancel
	p.done = make(chan struct{})
	p.started = true

	done := p.done
	go func() {
		defer close(done)
		infra.GoRecoverable(-1, "poller", func() {
			p.run(runCtx)
		})
	}()
	return nil
}

// Stop halts polling and waits for in-flight updates.
func (p *Poller) Stop(ctx context.Context) error {
	p.runMutex.Lock()
	if !p.started {
		p.runMutex.Unlock()
		return nil
	}
	p.started = false
	cancel, done := p.runCancel, p.done
	p.runMutex.Unlock()

	cancel()
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		<-done
		p.inflight.Wait()
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-drained:
		return nil
	}
}

func (p *Poller) run(ctx context.Context) {
	entry := p.getLogEntry().WithField("method", "run")
	for {
		updates, errs := GetUpdatesChans(ctx, p.updater, p.buffer, p.currentConfig())
		err := p.consume(ctx, updates, errs)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			entry.WithField("error", err.Error()).Error("get updates failed, restarting")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.backoff):
		}
	}
}

func (p *Poller) consume(ctx context.Context, updates api.UpdatesChannel, errs chan error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return <-errs
			}
			p.dispatch(ctx, update)
		case err := <-errs:
			for update := range updates {
				p.dispatch(ctx, update)
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
	}
}

func (p *Poller) dispatch(ctx context.Context, update api.Update) {
	p.advance(update.UpdateID)
	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		infra.Safe("update "+strconv.Itoa(update.UpdateID), func() {
			if err := p.processor.Process(ctx, &update); err != nil && !errors.Is(err, context.Canceled) {
				p.getLogEntry().WithField("error", err.Error()).Error("cant process update")
			}
		})
	}()
}

// advance keeps the offset past every dispatched update so a restart does not replay them.
func (p *Poller) advance(updateID int) {
	p.offsetMutex.Lock()
	defer p.offsetMutex.Unlock()
	if updateID >= p.config.Offset {
		p.config.Offset = updateID + 1
	}
}

func (p *Poller) currentConfig() api.UpdateConfig {
	p.offsetMutex.Lock()
	defer p.offsetMutex.Unlock()
	return p.config
}

func (p *Poller) getLogEntry() *log.Entry {
	return log.WithField("object", "Poller")
}
