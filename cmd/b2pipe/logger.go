package main

import (
	"github.com/bitrise-io/go-utils/v2/log"
)

// quietLogger drops everything below warning level.
type quietLogger struct {
	log.Logger
}

func (quietLogger) Infof(format string, v ...interface{})  {}
func (quietLogger) Printf(format string, v ...interface{}) {}
func (quietLogger) Donef(format string, v ...interface{})  {}
func (quietLogger) Debugf(format string, v ...interface{}) {}
func (quietLogger) Println()                               {}

func newLogger(config Config) log.Logger {
	logger := log.NewLogger()
	logger.EnableDebugLog(config.Verbose && !config.Silent)
	if config.Silent {
		return quietLogger{Logger: logger}
	}
	return logger
}
