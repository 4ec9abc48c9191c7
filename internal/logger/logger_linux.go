//go:build linux
// +build linux

// Package logger wraps UNIX syslog with a small severity-leveled API, so
// callers embedding this library get one place to configure logging
// without pulling in a third heavyweight logging framework. Non-Linux
// builds fall back to stderr (see logger_other.go); syslog itself has
// no Windows implementation and the stdlib log/syslog package is frozen.
package logger

import (
	sl "log/syslog"
)

type Priority = sl.Priority
type Writer = sl.Writer

const (
	LOG_EMERG Priority = iota
	LOG_ALERT
	LOG_CRIT
	LOG_ERR
	LOG_WARNING
	LOG_NOTICE
	LOG_INFO
	LOG_DEBUG
)

const (
	LOG_KERN Priority = iota << 3
	LOG_USER
	LOG_MAIL
	LOG_DAEMON
	LOG_AUTH
	LOG_SYSLOG
	LOG_LPR
	LOG_NEWS
	LOG_UUCP
	LOG_CRON
	LOG_AUTHPRIV
	LOG_FTP
)

var l *sl.Writer

// New opens the process-wide syslog writer used by every Log* call below.
// Applications embedding the server call this once at startup; if they
// never do, the Log* functions are no-ops rather than panicking.
func New(flags Priority, tag string) (w *Writer, e error) {
	w, e = sl.New(flags, tag)
	l = w
	return w, e
}

func LogClose() error {
	if l == nil {
		return nil
	}
	return l.Close()
}

// LogEmerg through LogDebug mirror syslog's severities. The
// connection-level messages written by server.go carry a connection
// identifier so a shared syslog stream can be correlated per connection;
// the messages from the internal packages do not.
func LogEmerg(s string) error {
	if l == nil {
		return nil
	}
	return l.Emerg(s)
}
func LogAlert(s string) error {
	if l == nil {
		return nil
	}
	return l.Alert(s)
}
func LogCrit(s string) error {
	if l == nil {
		return nil
	}
	return l.Crit(s)
}
func LogErr(s string) error {
	if l == nil {
		return nil
	}
	return l.Err(s)
}
func LogWarning(s string) error {
	if l == nil {
		return nil
	}
	return l.Warning(s)
}
func LogNotice(s string) error {
	if l == nil {
		return nil
	}
	return l.Notice(s)
}
func LogInfo(s string) error {
	if l == nil {
		return nil
	}
	return l.Info(s)
}
func LogDebug(s string) error {
	if l == nil {
		return nil
	}
	return l.Debug(s)
}
