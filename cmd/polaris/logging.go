package main

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/csmith/slogflags"
	"github.com/go-acme/lego/v4/log"
)

func initLogging() {
	_ = slogflags.Logger(
		slogflags.WithOldLogLevel(slog.LevelDebug),
		slogflags.WithSetDefault(true),
	)
}

// legoLogger implements the log.StdLogger interface used by lego, turning its prefixed messages into
// structured logs.
type legoLogger struct {
	logger *slog.Logger
}

var (
	legoLevels = []struct {
		prefix string
		level  slog.Level
	}{
		{"[WARN] ", slog.LevelWarn},
		{"[INFO] ", slog.LevelInfo},
	}
	domainRegex = regexp.MustCompile(`^\[[a-zA-Z0-9-.*]+] `)
)

// parseLegoMessage splits a lego log line into its level, the domain it concerns (if any) and the message.
func parseLegoMessage(message string) (slog.Level, string, string) {
	level := slog.LevelDebug
	for _, l := range legoLevels {
		if strings.HasPrefix(message, l.prefix) {
			level = l.level
			message = strings.TrimPrefix(message, l.prefix)
			break
		}
	}

	var domain string
	if prefix := domainRegex.FindString(message); prefix != "" {
		domain = strings.Trim(prefix, " []")
		message = strings.TrimPrefix(message, prefix)
	}
	return level, domain, message
}

func (l *legoLogger) Fatal(args ...interface{}) {
	l.logger.Error(fmt.Sprint(args...))
}

func (l *legoLogger) Fatalln(args ...interface{}) {
	l.logger.Error(fmt.Sprint(args...))
}

func (l *legoLogger) Fatalf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *legoLogger) Print(args ...interface{}) {
	level, domain, message := parseLegoMessage(fmt.Sprint(args...))

	var attrs []any
	if domain != "" {
		attrs = append(attrs, "domain", domain)
	}
	l.logger.Log(context.Background(), level, message, attrs...)
}

func (l *legoLogger) Println(args ...interface{}) {
	l.Print(args...)
}

func (l *legoLogger) Printf(format string, args ...interface{}) {
	l.Print(fmt.Sprintf(format, args...))
}

func init() {
	log.Logger = &legoLogger{
		logger: slog.With("component", "lego"),
	}
}
