package logger

import (
	"github.com/pion/logging"
	"go.uber.org/zap"
)

// PionFactory routes pion's leveled logs into l, one named child per scope
// ("ice", "dtls", "sctp", ...). Trace goes to debug.
type PionFactory struct {
	l *zap.Logger
}

// NewPionFactory wraps l.
func NewPionFactory(l *zap.Logger) *PionFactory {
	return &PionFactory{l: l.Named("pion")}
}

// NewLogger implements logging.LoggerFactory.
func (f *PionFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{s: f.l.Named(scope).WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

type pionLogger struct {
	s *zap.SugaredLogger
}

func (p *pionLogger) Trace(msg string)                          { p.s.Debug(msg) }
func (p *pionLogger) Tracef(format string, args ...interface{}) { p.s.Debugf(format, args...) }
func (p *pionLogger) Debug(msg string)                          { p.s.Debug(msg) }
func (p *pionLogger) Debugf(format string, args ...interface{}) { p.s.Debugf(format, args...) }
func (p *pionLogger) Info(msg string)                           { p.s.Info(msg) }
func (p *pionLogger) Infof(format string, args ...interface{})  { p.s.Infof(format, args...) }
func (p *pionLogger) Warn(msg string)                           { p.s.Warn(msg) }
func (p *pionLogger) Warnf(format string, args ...interface{})  { p.s.Warnf(format, args...) }
func (p *pionLogger) Error(msg string)                          { p.s.Error(msg) }
func (p *pionLogger) Errorf(format string, args ...interface{}) { p.s.Errorf(format, args...) }

var _ logging.LoggerFactory = (*PionFactory)(nil)
