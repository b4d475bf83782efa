package log

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// BadgerAdapter routes badger's internal logging through logrus.
type BadgerAdapter struct {
	entry *logrus.Entry
}

// NewBadgerAdapter wraps entry for use as badger.Options.Logger
func NewBadgerAdapter(entry *logrus.Entry) *BadgerAdapter {
	return &BadgerAdapter{entry: entry.WithField("subsystem", "badger")}
}

func (l *BadgerAdapter) Errorf(f string, v ...interface{}) { l.entry.Errorf(trim(f), v...) }

// Warningf demotes badger's routine value-log chatter to debug.
func (l *BadgerAdapter) Warningf(f string, v ...interface{}) {
	if strings.Contains(f, "GC") || strings.Contains(f, "discard") {
		l.entry.Debugf(trim(f), v...)
		return
	}
	l.entry.Warnf(trim(f), v...)
}

func (l *BadgerAdapter) Infof(f string, v ...interface{}) { l.entry.Debugf(trim(f), v...) }

func (l *BadgerAdapter) Debugf(f string, v ...interface{}) { l.entry.Tracef(trim(f), v...) }

// badger terminates most format strings with a newline
func trim(f string) string {
	return strings.TrimRight(f, "\n")
}
