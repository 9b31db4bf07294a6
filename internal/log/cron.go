package log

import "github.com/robfig/cron/v3"

type cronLogger struct{}

// CronLogger adapts the package logger to cron.Logger so that skipped and
// recovered jobs show up in the same stream.
func CronLogger() cron.Logger {
	return cronLogger{}
}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	Error("cron: "+msg, err, keysAndValues...)
}
