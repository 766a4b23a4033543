package signals

import (
	"context"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/doorman/internal/db"
	"github.com/iamwavecut/doorman/internal/utils/text"
)

// Classifier is the local statistical spam/ham check.
type Classifier interface {
	Classify(message string) (isSpam bool, probability float64)
}

type sampleStore interface {
	AddSpamHamSample(ctx context.Context, text string, isSpam bool) error
	GetSpamHamSamples(ctx context.Context) ([]*db.SpamHamSample, error)
}

const retrainInterval = time.Minute

type bayesModel struct {
	docs   [2]int
	tokens [2]int
	counts [2]map[string]int
	vocab  int
}

const (
	ham  = 0
	spam = 1
)

// Bayes is a multinomial naive Bayes classifier over unigrams and bigrams of the
// normalized text. It retrains in the background once new samples arrive.
type Bayes struct {
	store sampleStore
	model atomic.Pointer[bayesModel]
	dirty atomic.Bool

	trainMutex sync.Mutex

	runMutex  sync.Mutex
	started   bool
	runCancel context.CancelFunc
	workersWg sync.WaitGroup
}

func NewBayes(store sampleStore) *Bayes {
	b := &Bayes{store: store}
	b.model.Store(newBayesModel())
	return b
}

func newBayesModel() *bayesModel {
	return &bayesModel{counts: [2]map[string]int{{}, {}}}
}

func tokenize(message string) []string {
	words := strings.Fields(text.NormalizeText(message))
	res := make([]string, 0, len(words)*2)
	for i, w := range words {
		res = append(res, w)
		if i > 0 {
			res = append(res, words[i-1]+" "+w)
		}
	}
	return res
}

func (m *bayesModel) add(message string, isSpam bool) {
	class := ham
	if isSpam {
		class = spam
	}
	m.docs[class]++
	for _, tok := range tokenize(message) {
		if m.counts[ham][tok] == 0 && m.counts[spam][tok] == 0 {
			m.vocab++
		}
		m.counts[class][tok]++
		m.tokens[class]++
	}
}

// Classify returns the spam posterior. An untrained model returns (false, 0).
func (b *Bayes) Classify(message string) (bool, float64) {
	m := b.model.Load()
	if m.docs[ham] == 0 || m.docs[spam] == 0 {
		return false, 0
	}
	total := float64(m.docs[ham] + m.docs[spam])
	logOdds := math.Log(float64(m.docs[spam])/total) - math.Log(float64(m.docs[ham])/total)

	vocab := float64(m.vocab + 1)
	for _, tok := range tokenize(message) {
		ps := (float64(m.counts[spam][tok]) + 1) / (float64(m.tokens[spam]) + vocab)
		ph := (float64(m.counts[ham][tok]) + 1) / (float64(m.tokens[ham]) + vocab)
		logOdds += math.Log(ps) - math.Log(ph)
	}
	p := 1 / (1 + math.Exp(-logOdds))
	return p >= 0.5, p
}

// Train rebuilds the model from every stored sample.
func (b *Bayes) Train(ctx context.Context) error {
	b.trainMutex.Lock()
	defer b.trainMutex.Unlock()

	b.dirty.Store(false)
	samples, err := b.store.GetSpamHamSamples(ctx)
	if err != nil {
		b.dirty.Store(true)
		return errors.WithMessage(err, "load training samples")
	}
	m := newBayesModel()
	for _, s := range samples {
		m.add(s.Text, s.IsSpam)
	}
	b.model.Store(m)
	b.getLogEntry().WithField("spam", m.docs[spam]).WithField("ham", m.docs[ham]).Debug("classifier trained")
	return nil
}

func (b *Bayes) AddSpam(ctx context.Context, message string) error {
	return b.addSample(ctx, message, true)
}

func (b *Bayes) AddHam(ctx context.Context, message string) error {
	return b.addSample(ctx, message, false)
}

func (b *Bayes) addSample(ctx context.Context, message string, isSpam bool) error {
	message = strings.Join(strings.Fields(message), " ")
	if message == "" {
		return nil
	}
	if err := b.store.AddSpamHamSample(ctx, message, isSpam); err != nil {
		return errors.WithMessage(err, "store training sample")
	}
	b.dirty.Store(true)
	return nil
}

func (b *Bayes) NeedsRetraining() bool {
	return b.dirty.Load()
}

func (b *Bayes) Start(ctx context.Context) error {
	b.runMutex.Lock()
	defer b.runMutex.Unlock()
	if b.started {
		return nil
	}
	if err := b.Train(ctx); err != nil {
		b.getLogEntry().WithField("error", err.Error()).Warn("initial training failed")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.runCancel = cancel
	b.started = true
	b.workersWg.Add(1)
	go func() {
		defer b.workersWg.Done()
		b.retrainLoop(runCtx)
	}()
	return nil
}

func (b *Bayes) Stop(ctx context.Context) error {
	b.runMutex.Lock()
	if !b.started {
		b.runMutex.Unlock()
		return nil
	}
	cancel := b.runCancel
	b.started = false
	b.runCancel = nil
	b.runMutex.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		b.workersWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bayes) retrainLoop(ctx context.Context) {
	ticker := time.NewTicker(retrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !b.dirty.Load() {
				continue
			}
			if err := b.Train(ctx); err != nil {
				b.getLogEntry().WithField("error", err.Error()).Error("retraining failed")
			}
		}
	}
}

func (b *Bayes) getLogEntry() *log.Entry {
	return log.WithField("object", "Bayes")
}
