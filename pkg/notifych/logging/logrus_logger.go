package logging

import "github.com/sirupsen/logrus"

// LogrusLogger adapts a *logrus.Logger to the Logger contract. This is the
// production backend: logrus gives structured fields and levelled output
// without hand-rolling log formatting, unlike DefaultLogger which is only
// meant for the cases where nothing else is configured.
type LogrusLogger struct {
	entry *logrus.Logger
}

// NewLogrusLogger wraps the given logrus.Logger.
func NewLogrusLogger(entry *logrus.Logger) *LogrusLogger {
	return &LogrusLogger{entry: entry}
}

func (l *LogrusLogger) Info(v ...interface{})                  { l.entry.Info(v...) }
func (l *LogrusLogger) Infof(format string, v ...interface{})  { l.entry.Infof(format, v...) }
func (l *LogrusLogger) Warn(v ...interface{})                  { l.entry.Warn(v...) }
func (l *LogrusLogger) Warnf(format string, v ...interface{})  { l.entry.Warnf(format, v...) }
func (l *LogrusLogger) Error(v ...interface{})                 { l.entry.Error(v...) }
func (l *LogrusLogger) Errorf(format string, v ...interface{}) { l.entry.Errorf(format, v...) }
func (l *LogrusLogger) Debug(v ...interface{})                 { l.entry.Debug(v...) }
func (l *LogrusLogger) Debugf(format string, v ...interface{}) { l.entry.Debugf(format, v...) }
func (l *LogrusLogger) Fatal(v ...interface{})                 { l.entry.Fatal(v...) }
func (l *LogrusLogger) Fatalf(format string, v ...interface{}) { l.entry.Fatalf(format, v...) }

func (l *LogrusLogger) ToggleDebug(value bool) bool {
	if value {
		l.entry.SetLevel(logrus.DebugLevel)
	} else {
		l.entry.SetLevel(logrus.InfoLevel)
	}
	return value
}
