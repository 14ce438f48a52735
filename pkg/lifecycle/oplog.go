package lifecycle

import (
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/supreme-majesty/siteward/pkg/events"
)

// LogLine is the payload of a LifecycleLog event.
type LogLine struct {
	Operation string `json:"operation"`
	Action    string `json:"action"`
	Level     string `json:"level"`
	Text      string `json:"text"`
}

// opLog collects the diagnostics of one lifecycle operation. Every line
// also goes to the daemon log and the event bus.
type opLog struct {
	id       string
	action   string
	domain   string
	bus      *events.Bus
	logger   *log.Logger
	buf      strings.Builder
	warnings []string
}

func newOpLog(action, domain string, bus *events.Bus, logger *log.Logger) *opLog {
	return &opLog{
		id:     uuid.NewString(),
		action: action,
		domain: domain,
		bus:    bus,
		logger: logger,
	}
}

func (l *opLog) Infof(format string, args ...interface{}) {
	l.emit("info", fmt.Sprintf(format, args...))
}

// Warnf records a non-fatal problem. Warnings are returned on the Result.
func (l *opLog) Warnf(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	l.warnings = append(l.warnings, line)
	l.emit("warn", line)
}

// Output appends external tool output verbatim.
func (l *opLog) Output(out string) {
	if strings.TrimSpace(out) == "" {
		return
	}
	l.buf.WriteString(out)
	if !strings.HasSuffix(out, "\n") {
		l.buf.WriteByte('\n')
	}
	l.bus.Emit(events.LifecycleLog, l.domain, LogLine{Operation: l.id, Action: l.action, Level: "output", Text: out})
}

func (l *opLog) emit(level, line string) {
	l.buf.WriteString(line)
	l.buf.WriteByte('\n')

	prefix := "[INFO]"
	if level == "warn" {
		prefix = "[WARN]"
	}
	l.logger.Printf("%s %s %s: %s", prefix, l.action, l.domain, line)
	l.bus.Emit(events.LifecycleLog, l.domain, LogLine{Operation: l.id, Action: l.action, Level: level, Text: line})
}

func (l *opLog) String() string {
	return l.buf.String()
}
