package asynqueue

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Logger satisfies asynq.Logger on top of zerolog.
type Logger struct {
	log zerolog.Logger
}

func NewLogger(log zerolog.Logger) *Logger {
	return &Logger{log: log}
}

func (l *Logger) Debug(args ...interface{}) { l.log.Debug().Msg(fmt.Sprint(args...)) }
func (l *Logger) Info(args ...interface{})  { l.log.Info().Msg(fmt.Sprint(args...)) }
func (l *Logger) Warn(args ...interface{})  { l.log.Warn().Msg(fmt.Sprint(args...)) }
func (l *Logger) Error(args ...interface{}) { l.log.Error().Msg(fmt.Sprint(args...)) }
func (l *Logger) Fatal(args ...interface{}) { l.log.Fatal().Msg(fmt.Sprint(args...)) }
