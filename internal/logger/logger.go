package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	globalLevel  = slog.LevelInfo
	handlerMutex sync.RWMutex
)

// FileOptions configures the rotating log file.
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Level      slog.Level
}

// Options configures the global logger.
type Options struct {
	Level string
	// Console receives every record at or above Level. Defaults to stdout.
	Console io.Writer
	// File is optional. Records below File.Level never reach it.
	File *FileOptions
}

// SetLevel sets the global log level
func SetLevel(levelStr string) {
	level := ParseLevel(levelStr)
	handlerMutex.Lock()
	defer handlerMutex.Unlock()
	globalLevel = level
}

// GetLevel returns the current log level as a string
func GetLevel() string {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()

	switch globalLevel {
	case slog.LevelDebug:
		return "debug"
	case slog.LevelWarn:
		return "warn"
	case slog.LevelError:
		return "error"
	default:
		return "info"
	}
}

// ParseLevel parses a string to an slog level. Unknown values map to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ValidLevel reports whether s names a level ParseLevel understands.
func ValidLevel(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace", "info", "warn", "warning", "error":
		return true
	}
	return false
}

func currentLevel() slog.Level {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()
	return globalLevel
}

type output struct {
	w     io.Writer
	level slog.Level
}

// lineHandler writes "[15:04:05] [LEVEL] msg k=v" lines to several outputs,
// each with its own minimum level.
type lineHandler struct {
	mu      *sync.Mutex
	outputs []output
	attrs   []slog.Attr
	group   string
}

func (h *lineHandler) Enabled(_ context.Context, level slog.Level) bool {
	if level < currentLevel() {
		return false
	}
	for _, o := range h.outputs {
		if level >= o.level {
			return true
		}
	}
	return false
}

func (h *lineHandler) Handle(_ context.Context, record slog.Record) error {
	if record.Level < currentLevel() {
		return nil
	}

	var b strings.Builder
	b.WriteString("[")
	b.WriteString(record.Time.Format("15:04:05"))
	b.WriteString("] [")
	b.WriteString(record.Level.String())
	b.WriteString("] ")
	b.WriteString(record.Message)
	for _, a := range h.attrs {
		writeAttr(&b, "", a)
	}
	record.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, h.group, a)
		return true
	})
	b.WriteString("\n")
	line := []byte(b.String())

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, o := range h.outputs {
		if record.Level >= o.level && o.w != nil {
			_, _ = o.w.Write(line)
		}
	}
	return nil
}

func writeAttr(b *strings.Builder, group string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	if group != "" {
		key = group + "." + key
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			writeAttr(b, key, ga)
		}
		return
	}
	b.WriteString(" ")
	b.WriteString(key)
	b.WriteString("=")
	b.WriteString(a.Value.String())
}

func (h *lineHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := *h
	out.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	out.attrs = append(out.attrs, h.attrs...)
	for _, a := range attrs {
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		out.attrs = append(out.attrs, a)
	}
	return &out
}

func (h *lineHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	out := *h
	if h.group != "" {
		name = h.group + "." + name
	}
	out.group = name
	return &out
}

// NewHandler returns a handler writing to each output at or above its level.
func NewHandler(outputs map[io.Writer]slog.Level) slog.Handler {
	h := &lineHandler{mu: &sync.Mutex{}}
	for w, lvl := range outputs {
		h.outputs = append(h.outputs, output{w: w, level: lvl})
	}
	return h
}

// Init configures the default slog logger and points the zerolog global
// logger, used by the SIP stack, at the same outputs. The returned closer
// releases the log file, if any.
func Init(opts Options) (io.Closer, error) {
	SetLevel(opts.Level)

	console := opts.Console
	if console == nil {
		console = os.Stdout
	}
	outputs := map[io.Writer]slog.Level{console: slog.LevelDebug}
	libOutputs := []io.Writer{NewJSONParsingWriter(console)}

	var closer io.Closer = nopCloser{}
	if opts.File != nil && opts.File.Path != "" {
		file := &lumberjack.Logger{
			Filename:   opts.File.Path,
			MaxSize:    opts.File.MaxSizeMB,
			MaxBackups: opts.File.MaxBackups,
			MaxAge:     opts.File.MaxAgeDays,
		}
		outputs[file] = opts.File.Level
		libOutputs = append(libOutputs, NewJSONParsingWriter(file))
		closer = file
	}

	slog.SetDefault(slog.New(NewHandler(outputs)))
	zlog.Logger = NewZerolog(libOutputs...)
	return closer, nil
}

// NewZerolog returns a zerolog logger at the global level whose JSON records
// are rewritten into the line format before reaching outputs.
func NewZerolog(outputs ...io.Writer) zerolog.Logger {
	var w io.Writer
	if len(outputs) == 1 {
		w = outputs[0]
	} else {
		w = zerolog.MultiLevelWriter(outputs...)
	}
	return zerolog.New(w).With().Timestamp().Logger().Level(zerologLevel(ParseLevel(GetLevel())))
}

func zerologLevel(l slog.Level) zerolog.Level {
	switch {
	case l <= slog.LevelDebug:
		return zerolog.DebugLevel
	case l <= slog.LevelInfo:
		return zerolog.InfoLevel
	case l <= slog.LevelWarn:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// JSONParsingWriter rewrites JSON log lines from libraries into the
// bridge's line format. Other lines pass through unchanged.
type JSONParsingWriter struct {
	base io.Writer
}

// NewJSONParsingWriter wraps w.
func NewJSONParsingWriter(w io.Writer) *JSONParsingWriter {
	return &JSONParsingWriter{base: w}
}

// Write implements io.Writer
func (w *JSONParsingWriter) Write(p []byte) (int, error) {
	if !strings.HasPrefix(strings.TrimSpace(string(p)), "{") {
		return w.base.Write(p)
	}

	var entry map[string]any
	if err := json.Unmarshal(p, &entry); err != nil {
		return w.base.Write(p)
	}

	level := "INFO"
	if lv, ok := entry["level"]; ok {
		level = strings.ToUpper(fmt.Sprint(lv))
	}
	message := ""
	for _, k := range []string{"message", "msg"} {
		if m, ok := entry[k]; ok {
			message = fmt.Sprint(m)
			break
		}
	}
	ts := time.Now()
	if t, ok := entry["time"]; ok {
		if parsed, err := time.Parse(time.RFC3339, fmt.Sprint(t)); err == nil {
			ts = parsed
		}
	}

	keys := make([]string, 0, len(entry))
	for k := range entry {
		switch k {
		case "level", "message", "msg", "time", "caller":
		default:
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	line := fmt.Sprintf("[%s] [%s] %s", ts.Format("15:04:05"), level, message)
	for _, k := range keys {
		line += fmt.Sprintf(" %s=%v", k, entry[k])
	}
	if _, err := w.base.Write([]byte(line + "\n")); err != nil {
		return 0, err
	}
	return len(p), nil
}
