// Command deliveryctl operates delivery documents stored in MySQL.
//
// It prints the table DDL, reports delivery states, moves failed jobs back to RETRY,
// expires stale PROCESSING leases and removes old change log rows. Job execution itself
// stays in the application, which owns the deliverers.
package main

import (
	"fmt"
	"log"
	"os"
	"strings"
)

type stdLogger struct {
	logger  *log.Logger
	verbose bool
}

func (l stdLogger) Debug(msg string, args ...any) {
	if !l.verbose {
		return
	}
	l.logger.Printf("DEBUG %s %s", msg, formatArgs(args))
}

func (l stdLogger) Info(msg string, args ...any) {
	l.logger.Printf("INFO %s %s", msg, formatArgs(args))
}

func (l stdLogger) Warn(msg string, args ...any) {
	l.logger.Printf("WARN %s %s", msg, formatArgs(args))
}

func (l stdLogger) Error(msg string, args ...any) {
	l.logger.Printf("ERROR %s %s", msg, formatArgs(args))
}

func formatArgs(args []any) string {
	if len(args) == 0 {
		return ""
	}
	pairs := make([]string, 0, (len(args)+1)/2)
	for i := 0; i < len(args); i += 2 {
		key := args[i]
		val := any("<missing>")
		if i+1 < len(args) {
			val = args[i+1]
		}
		pairs = append(pairs, fmt.Sprintf("%v=%v", key, val))
	}

	return strings.Join(pairs, " ")
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.Print(err)
		os.Exit(1)
	}
}
