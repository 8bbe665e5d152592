package config

import (
	sentrygo "github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
	"gitlab.com/hyrule/warden/internal/log"
)

// Sentry contains configuration for sentry reporting
type Sentry struct {
	DSN         string `toml:"sentry_dsn,omitempty"`
	Environment string `toml:"sentry_environment,omitempty"`
}

// Logging contains the logging configuration for warden
type Logging struct {
	Format string `toml:"format,omitempty"`
	Level  string `toml:"level,omitempty"`
	Sentry Sentry `toml:"sentry,omitempty"`
}

// ConfigureLogger applies the settings from the configuration file to the logger
func (c Config) ConfigureLogger() *logrus.Entry {
	log.Configure(log.Loggers, c.Logging.Format, c.Logging.Level)
	return log.Default()
}

// ConfigureSentry configures the sentry DSN
func ConfigureSentry(version string, sentryConf Sentry) {
	if sentryConf.DSN == "" {
		return
	}

	err := sentrygo.Init(sentrygo.ClientOptions{
		Dsn:         sentryConf.DSN,
		Environment: sentryConf.Environment,
		Release:     "v" + version,
	})
	if err != nil {
		logrus.Warnf("Unable to initialize sentry client: %v", err)
		return
	}

	logrus.Debug("Using sentry logging")
}
