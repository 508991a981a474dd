package queue

import (
	"fmt"
	"log/slog"
	"os"
)

// slogLogger routes asynq's logging onto slog.
type slogLogger struct {
	l *slog.Logger
}

func newSlogLogger(l *slog.Logger) *slogLogger {
	return &slogLogger{l: l.With("component", "asynq")}
}

func (s *slogLogger) Debug(args ...interface{}) { s.l.Debug(fmt.Sprint(args...)) }
func (s *slogLogger) Info(args ...interface{})  { s.l.Info(fmt.Sprint(args...)) }
func (s *slogLogger) Warn(args ...interface{})  { s.l.Warn(fmt.Sprint(args...)) }
func (s *slogLogger) Error(args ...interface{}) { s.l.Error(fmt.Sprint(args...)) }

func (s *slogLogger) Fatal(args ...interface{}) {
	s.l.Error(fmt.Sprint(args...))
	os.Exit(1)
}
