package observability

import (
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DecisionLog is the JSON audit trail of non-Allow decisions.
type DecisionLog struct {
	logger *zap.Logger
}

type DecisionEntry struct {
	ChatID     int64
	UserID     int64
	MessageID  int
	Stage      string
	Action     string
	Reason     string
	Violation  string
	Confidence *float64
	Escalated  bool
}

// NewDecisionLog appends to decisions.log under dir.
func NewDecisionLog(dir string) (*DecisionLog, error) {
	cfg := zap.NewProductionConfig()
	cfg.Sampling = nil
	cfg.OutputPaths = []string{filepath.Join(dir, "decisions.log")}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &DecisionLog{logger: logger}, nil
}

func NopDecisionLog() *DecisionLog {
	return &DecisionLog{logger: zap.NewNop()}
}

func (l *DecisionLog) Record(e DecisionEntry) {
	if l == nil {
		return
	}
	fields := []zap.Field{
		zap.Int64("chat_id", e.ChatID),
		zap.Int64("user_id", e.UserID),
		zap.Int("message_id", e.MessageID),
		zap.String("stage", e.Stage),
		zap.String("action", e.Action),
		zap.String("reason", e.Reason),
		zap.Bool("escalated", e.Escalated),
	}
	if e.Violation != "" {
		fields = append(fields, zap.String("violation", e.Violation))
	}
	if e.Confidence != nil {
		fields = append(fields, zap.Float64("confidence", *e.Confidence))
	}
	l.logger.Info("decision", fields...)
}

func (l *DecisionLog) Sync() error {
	if l == nil {
		return nil
	}
	return l.logger.Sync()
}
