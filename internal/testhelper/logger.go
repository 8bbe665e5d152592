package testhelper

import (
	"io/ioutil"

	"github.com/sirupsen/logrus"
)

// NewDiscardingLogger creates a logger that discards everything.
func NewDiscardingLogger() *logrus.Logger {
	logger := logrus.New()
	logger.Out = ioutil.Discard
	return logger
}

// NewDiscardingLogEntry creates a logrus entry that discards everything.
func NewDiscardingLogEntry() *logrus.Entry {
	return logrus.NewEntry(NewDiscardingLogger())
}
