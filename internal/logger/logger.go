package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

// Level represents logging level
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	FATAL
)

var levelNames = map[Level]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
	FATAL: "FATAL",
}

var levelColors = map[Level]string{
	DEBUG: "\033[36m", // Cyan
	INFO:  "\033[32m", // Green
	WARN:  "\033[33m", // Yellow
	ERROR: "\033[31m", // Red
	FATAL: "\033[35m", // Magenta
}

const colorReset = "\033[0m"

const timestampFormat = "2006-01-02 15:04:05.000"

// Logger writes leveled, structured log lines for one component.
// Child loggers created with WithComponent share the parent's output lock.
type Logger struct {
	mu          *sync.Mutex
	level       Level
	output      io.Writer
	component   string
	format      string // "text" or "json"
	colorOutput bool
}

// Fields represents structured logging fields
type Fields map[string]interface{}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Init initializes the default logger
func Init(level, format string, component string) {
	once.Do(func() {
		defaultLogger = New(level, format, component)
	})
}

// New creates a logger writing to stdout.
func New(levelStr, format, component string) *Logger {
	return NewWithOutput(levelStr, format, component, os.Stdout)
}

// NewWithOutput creates a logger writing to w. Colour is only enabled for
// text output on a terminal.
func NewWithOutput(levelStr, format, component string, w io.Writer) *Logger {
	if format != "json" {
		format = "text"
	}
	return &Logger{
		mu:          &sync.Mutex{},
		level:       ParseLevel(levelStr),
		output:      w,
		component:   component,
		format:      format,
		colorOutput: format == "text" && isTerminal(w),
	}
}

// WithComponent creates a new logger with a specific component name
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		mu:          l.mu,
		level:       l.level,
		output:      l.output,
		component:   component,
		format:      l.format,
		colorOutput: l.colorOutput,
	}
}

// SetOutput redirects the logger. Colour is switched off unless w is a terminal.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
	l.colorOutput = l.format == "text" && isTerminal(w)
}

// Level returns the minimum level this logger emits.
func (l *Logger) Level() Level {
	return l.level
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, fields ...Fields) {
	l.log(DEBUG, msg, mergeFields(fields...))
}

// Info logs an info message
func (l *Logger) Info(msg string, fields ...Fields) {
	l.log(INFO, msg, mergeFields(fields...))
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, fields ...Fields) {
	l.log(WARN, msg, mergeFields(fields...))
}

// Error logs an error message
func (l *Logger) Error(msg string, fields ...Fields) {
	l.log(ERROR, msg, mergeFields(fields...))
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(msg string, fields ...Fields) {
	l.log(FATAL, msg, mergeFields(fields...))
	os.Exit(1)
}

func (l *Logger) log(level Level, msg string, fields Fields) {
	if level < l.level {
		return
	}

	timestamp := time.Now().Format(timestampFormat)

	var line string
	if l.format == "json" {
		line = l.formatJSON(timestamp, level, msg, fields)
	} else {
		line = l.formatText(timestamp, level, msg, fields)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprint(l.output, line)
}

// formatText renders: [TIMESTAMP] LEVEL [COMPONENT] message key=value ...
func (l *Logger) formatText(timestamp string, level Level, msg string, fields Fields) string {
	var out strings.Builder

	if l.colorOutput {
		out.WriteString(levelColors[level])
	}
	fmt.Fprintf(&out, "[%s] %-5s", timestamp, levelNames[level])
	if l.colorOutput {
		out.WriteString(colorReset)
	}

	if l.component != "" {
		fmt.Fprintf(&out, " [%s]", l.component)
	}
	out.WriteString(" ")
	out.WriteString(msg)

	for _, k := range sortedKeys(fields) {
		fmt.Fprintf(&out, " %s=%v", k, fields[k])
	}

	out.WriteString("\n")
	return out.String()
}

func (l *Logger) formatJSON(timestamp string, level Level, msg string, fields Fields) string {
	var out strings.Builder
	out.WriteString("{")
	fmt.Fprintf(&out, `"timestamp":"%s"`, timestamp)
	fmt.Fprintf(&out, `,"level":"%s"`, levelNames[level])

	if l.component != "" {
		fmt.Fprintf(&out, `,"component":"%s"`, escapeJSON(l.component))
	}
	fmt.Fprintf(&out, `,"message":"%s"`, escapeJSON(msg))

	for _, k := range sortedKeys(fields) {
		key := escapeJSON(k)
		switch val := fields[k].(type) {
		case string:
			fmt.Fprintf(&out, `,"%s":"%s"`, key, escapeJSON(val))
		case int, int32, int64, uint, uint32, uint64, float32, float64, bool:
			fmt.Fprintf(&out, `,"%s":%v`, key, val)
		case error:
			fmt.Fprintf(&out, `,"%s":"%s"`, key, escapeJSON(val.Error()))
		default:
			fmt.Fprintf(&out, `,"%s":"%s"`, key, escapeJSON(fmt.Sprintf("%v", val)))
		}
	}

	// Caller of Error/Fatal: formatJSON <- log <- Error <- caller
	if level >= ERROR {
		if _, file, line, ok := runtime.Caller(3); ok {
			fmt.Fprintf(&out, `,"caller":"%s:%d"`, escapeJSON(file), line)
		}
	}

	out.WriteString("}\n")
	return out.String()
}

// ParseLevel converts a level name to a Level, defaulting to INFO.
func ParseLevel(levelStr string) Level {
	switch strings.ToUpper(strings.TrimSpace(levelStr)) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO
	}
}

func mergeFields(fields ...Fields) Fields {
	if len(fields) == 0 {
		return nil
	}

	result := Fields{}
	for _, f := range fields {
		for k, v := range f {
			result[k] = v
		}
	}
	return result
}

func sortedKeys(fields Fields) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func escapeJSON(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	s = strings.ReplaceAll(s, "\n", "\\n")
	s = strings.ReplaceAll(s, "\r", "\\r")
	s = strings.ReplaceAll(s, "\t", "\\t")
	return s
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Default logger convenience functions
func Debug(msg string, fields ...Fields) {
	if defaultLogger != nil {
		defaultLogger.Debug(msg, fields...)
	} else {
		log.Printf("[DEBUG] %s", msg)
	}
}

func Info(msg string, fields ...Fields) {
	if defaultLogger != nil {
		defaultLogger.Info(msg, fields...)
	} else {
		log.Printf("[INFO] %s", msg)
	}
}

func Warn(msg string, fields ...Fields) {
	if defaultLogger != nil {
		defaultLogger.Warn(msg, fields...)
	} else {
		log.Printf("[WARN] %s", msg)
	}
}

func Error(msg string, fields ...Fields) {
	if defaultLogger != nil {
		defaultLogger.Error(msg, fields...)
	} else {
		log.Printf("[ERROR] %s", msg)
	}
}

func Fatal(msg string, fields ...Fields) {
	if defaultLogger != nil {
		defaultLogger.Fatal(msg, fields...)
	} else {
		log.Fatalf("[FATAL] %s", msg)
	}
}

// GetDefault returns the default logger
func GetDefault() *Logger {
	return defaultLogger
}

// Component returns a child of the default logger for component, or a fresh
// info-level text logger if Init was never called.
func Component(component string) *Logger {
	if defaultLogger != nil {
		return defaultLogger.WithComponent(component)
	}
	return New("info", "text", component)
}
