package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	Level  string
	Format string // "text" or "json"
	File   string // empty means stdout
}

// New builds the process-wide logger. When File is set, output rotates via
// lumberjack; otherwise it goes to stdout.
func New(opts Options) *logrus.Logger {
	log := logrus.New()

	switch strings.ToLower(opts.Format) {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	lvl, err := logrus.ParseLevel(strings.ToLower(opts.Level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)

	var writer io.Writer = os.Stdout
	if opts.File != "" {
		writer = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    50, // MB
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		}
	}
	log.SetOutput(writer)

	return log
}

// Component returns an entry tagged with the worker/component name so every
// line says which worker produced it.
func Component(log *logrus.Logger, name string) *logrus.Entry {
	return log.WithField("component", name)
}
