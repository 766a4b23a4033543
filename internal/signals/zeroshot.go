package signals

import (
	"context"
	"time"

	"github.com/nlpodyssey/cybertron/pkg/tasks"
	"github.com/nlpodyssey/cybertron/pkg/tasks/zeroshotclassifier"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultZeroShotModel = "MoritzLaurer/mDeBERTa-v3-base-mnli-xnli"
	zeroShotTimeout      = 10 * time.Second
)

var (
	DefaultSpamLabels = []string{
		"предложение работы",
		"предложение заработка",
		"реклама",
		"криптовалюта",
	}
	DefaultHamLabels = []string{
		"обычный разговор",
		"вопрос",
		"другое",
	}
)

// ZeroShot classifies with a local NLI model. The spam probability is the summed score of
// the spam labels.
type ZeroShot struct {
	model  zeroshotclassifier.Interface
	params zeroshotclassifier.Parameters
	spam   map[string]struct{}
}

func NewZeroShot(modelsDir, modelName string, spamLabels, hamLabels []string) (*ZeroShot, error) {
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	if modelName == "" {
		modelName = DefaultZeroShotModel
	}
	if len(spamLabels) == 0 {
		spamLabels = DefaultSpamLabels
	}
	if len(hamLabels) == 0 {
		hamLabels = DefaultHamLabels
	}

	m, err := tasks.Load[zeroshotclassifier.Interface](&tasks.Config{
		ModelsDir:           modelsDir,
		ModelName:           modelName,
		DownloadPolicy:      tasks.DownloadMissing,
		ConversionPolicy:    tasks.ConvertMissing,
		ConversionPrecision: tasks.F32,
	})
	if err != nil {
		return nil, errors.WithMessage(err, "load zero-shot model")
	}

	spam := make(map[string]struct{}, len(spamLabels))
	for _, l := range spamLabels {
		spam[l] = struct{}{}
	}
	return &ZeroShot{
		model: m,
		params: zeroshotclassifier.Parameters{
			CandidateLabels:    append(append([]string{}, spamLabels...), hamLabels...),
			HypothesisTemplate: "{}",
			MultiLabel:         false,
		},
		spam: spam,
	}, nil
}

func (z *ZeroShot) Classify(message string) (bool, float64) {
	ctx, cancel := context.WithTimeout(context.Background(), zeroShotTimeout)
	defer cancel()

	result, err := z.model.Classify(ctx, message, z.params)
	if err != nil {
		log.WithField("object", "ZeroShot").WithField("error", err.Error()).Warn("classification failed")
		return false, 0
	}
	p := 0.0
	for i, label := range result.Labels {
		if _, ok := z.spam[label]; ok && i < len(result.Scores) {
			p += result.Scores[i]
		}
	}
	p = clamp01(p)
	return p >= 0.5, p
}
