package partymesh

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// ConfigureLogging applies the level and formatter to the standard logrus
// logger.
func ConfigureLogging(opts LoggingOptions) error {
	level, err := logrus.ParseLevel(strings.TrimSpace(opts.Level))
	if err != nil {
		return fmt.Errorf("logging level: %w", err)
	}
	logrus.SetLevel(level)

	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	default:
		return fmt.Errorf("logging format %q: want text or json", opts.Format)
	}
	return nil
}
