// Package logging builds the service's zap loggers and the field sets shared
// by components that log about jobs.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/sitecloner/internal/clone"
)

// Service is attached to every entry as the "service" field.
const Service = "sitecloner"

// New builds a zap.Logger. Development mode logs colored console output at
// debug level; production logs sampled JSON at info level.
func New(development bool) (*zap.Logger, error) {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.InitialFields = map[string]any{"service": Service}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger (development=%t): %w", development, err)
	}
	return logger, nil
}

// JobFields identifies a job in log entries.
func JobFields(job clone.Job) []zap.Field {
	fields := []zap.Field{
		zap.String("job_id", job.ID),
		zap.String("owner_id", job.OwnerID),
	}
	if job.ParentJobID != "" {
		fields = append(fields, zap.String("parent_job_id", job.ParentJobID))
	}
	return fields
}

// ForJob scopes logger to job.
func ForJob(logger *zap.Logger, job clone.Job) *zap.Logger {
	return logger.With(JobFields(job)...)
}
