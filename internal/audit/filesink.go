package audit

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/envirocomply/envirocomply-core/internal/models"
)

// SinkConfig configures the rotating decision log file.
type SinkConfig struct {
	// Path is the decision log file
	Path string

	// MaxSize is the maximum size in megabytes before rotation
	MaxSize int

	// MaxBackups is the maximum number of old log files to retain
	MaxBackups int

	// MaxAge is the maximum number of days to retain old log files
	MaxAge int

	// Compress determines if rotated files should be compressed
	Compress bool
}

// FileSink writes one JSON line per decision to a rotating file.
type FileSink struct {
	logger  *zap.Logger
	rotator *lumberjack.Logger
}

// NewFileSink opens the decision log file.
func NewFileSink(cfg SinkConfig) (*FileSink, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("decision sink: path is required")
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		MessageKey:     "message",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}

	// Decision records are always INFO level.
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(rotator),
		zapcore.InfoLevel,
	)

	return &FileSink{logger: zap.New(core), rotator: rotator}, nil
}

// Write implements Sink.
func (s *FileSink) Write(d *models.AgentDecision) error {
	s.logger.Info("agent_decision",
		zap.String("decision_id", d.DecisionID),
		zap.String("run_id", d.RunID),
		zap.Int64("sequence", d.Sequence),
		zap.String("stage", d.StageName),
		zap.Bool("success", d.Success),
		zap.String("error_kind", d.ErrorKind),
		zap.Float64("confidence", d.Confidence),
		zap.String("corrects_id", d.CorrectsID),
		zap.String("content_hash", d.ContentHash),
		zap.Any("decision", d),
	)
	return nil
}

// Sync implements Sink.
func (s *FileSink) Sync() error {
	return s.logger.Sync()
}

// Close implements Sink.
func (s *FileSink) Close() error {
	_ = s.logger.Sync()
	return s.rotator.Close()
}
