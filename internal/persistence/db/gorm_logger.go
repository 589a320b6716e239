package db

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/microfarm/microfarm/internal/infrastructure/logging"
)

const slowQueryThreshold = 200 * time.Millisecond

// gormLogger routes gorm's query log through the application logger.
type gormLogger struct {
	logger logging.Logger
	level  gormlogger.LogLevel
}

func newGormLogger(logger logging.Logger) gormlogger.Interface {
	return &gormLogger{logger: logger, level: gormlogger.Warn}
}

func (l *gormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	clone := *l
	clone.level = level
	return &clone
}

func (l *gormLogger) Info(_ context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Info {
		l.logger.Infof(msg, args...)
	}
}

func (l *gormLogger) Warn(_ context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Warn {
		l.logger.Warnf(msg, args...)
	}
}

func (l *gormLogger) Error(_ context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Error {
		l.logger.Errorf(msg, args...)
	}
}

func (l *gormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.level >= gormlogger.Error:
		sql, rows := fc()
		l.logger.Error(logging.Postgres, logging.Query, sql, map[logging.ExtraKey]any{
			logging.Latency:      elapsed.String(),
			logging.Rows:         rows,
			logging.ErrorMessage: err.Error(),
		})
	case elapsed > slowQueryThreshold && l.level >= gormlogger.Warn:
		sql, rows := fc()
		l.logger.Warn(logging.Postgres, logging.Query, "slow query: "+sql, map[logging.ExtraKey]any{
			logging.Latency: elapsed.String(),
			logging.Rows:    rows,
		})
	case l.level >= gormlogger.Info:
		sql, rows := fc()
		l.logger.Debug(logging.Postgres, logging.Query, sql, map[logging.ExtraKey]any{
			logging.Latency: elapsed.String(),
			logging.Rows:    rows,
		})
	}
}
