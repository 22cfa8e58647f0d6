// Package logging configures the process-wide logrus logger.
package logging

import (
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Console selects stderr instead of a log file.
const Console = "console"

// Init parses level and points the standard logger at file, rotating it
// with lumberjack. An empty file or Console logs to stderr.
func Init(level, file string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		log.Errorf("failed parsing log-level %s: %s", level, err)
		return err
	}

	if file != "" && file != Console {
		if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
			return err
		}
		log.SetOutput(&lumberjack.Logger{
			Filename:   filepath.ToSlash(file),
			MaxSize:    5, // MB
			MaxBackups: 10,
			MaxAge:     30, // days
			Compress:   true,
		})
	} else {
		log.SetOutput(os.Stderr)
	}

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	log.SetLevel(lvl)
	return nil
}
