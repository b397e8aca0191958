package log

import "github.com/robfig/cron/v3"

type cronLogger struct{}

// CronLogger adapts the package logger to robfig/cron. Cron's own Info
// chatter is demoted to DEBUG.
func CronLogger() cron.Logger {
	return cronLogger{}
}

func (cronLogger) Info(msg string, kv ...interface{}) {
	Debug("cron: "+msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...interface{}) {
	Error("cron: "+msg, err, kv...)
}
