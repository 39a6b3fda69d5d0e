package log

import (
	"context"
	"io"
	"maps"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

const (
	timestampFormat = "2006-01-02T15:04:05.000Z07:00"
	maxFieldLen     = 64
)

// Config selects level, format and sink of the process logger.
type Config struct {
	Level  string     `yaml:"level" json:"level"`
	Format string     `yaml:"format" json:"format"`
	Output string     `yaml:"output" json:"output"`
	UTC    bool       `yaml:"utc" json:"utc"`
	File   FileConfig `yaml:"file" json:"file"`
}

type FileConfig struct {
	Filename   string `yaml:"filename" json:"filename"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`
	Compress   bool   `yaml:"compress" json:"compress"`
}

// process is the harvestline logger. It is configured alongside the logrus
// standard logger, which the firefly RPC client writes through.
var process = newLogger()

type fieldsKey struct{}

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(formatter("", false))
	return l
}

// InitConfig applies conf to the process and standard loggers.
func InitConfig(conf Config) {
	level, err := logrus.ParseLevel(strings.TrimSpace(conf.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	out := sink(conf)
	f := formatter(conf.Format, conf.UTC)
	for _, l := range []*logrus.Logger{process, logrus.StandardLogger()} {
		l.SetLevel(level)
		l.SetOutput(out)
		l.SetFormatter(f)
	}
}

func sink(conf Config) io.Writer {
	switch conf.Output {
	case "stdout":
		return os.Stdout
	case "file":
		name := conf.File.Filename
		if name == "" {
			name = "harvestline.log"
		}
		process.Infof("logging to %s", name)
		return &lumberjack.Logger{
			Filename:   name,
			MaxSize:    max(conf.File.MaxSizeMB, 1),
			MaxBackups: conf.File.MaxBackups,
			MaxAge:     conf.File.MaxAgeDays,
			Compress:   conf.File.Compress,
		}
	}
	return os.Stderr
}

func formatter(format string, utc bool) logrus.Formatter {
	var f logrus.Formatter
	switch format {
	case "json":
		f = &logrus.JSONFormatter{TimestampFormat: timestampFormat}
	case "detailed":
		f = &logrus.TextFormatter{FullTimestamp: true}
	default:
		f = &prefixed.TextFormatter{TimestampFormat: timestampFormat, ForceFormatting: true, FullTimestamp: true}
	}
	if utc {
		return utcFormatter{f}
	}
	return f
}

type utcFormatter struct {
	logrus.Formatter
}

func (u utcFormatter) Format(e *logrus.Entry) ([]byte, error) {
	e.Time = e.Time.UTC()
	return u.Formatter.Format(e)
}

// L returns a logger carrying the fields attached to ctx.
func L(ctx context.Context) *logrus.Entry {
	fields, _ := ctx.Value(fieldsKey{}).(logrus.Fields)
	return process.WithFields(fields)
}

// WithLogField attaches key=value to every line logged through ctx. Long
// values are cut to keep lines readable.
func WithLogField(ctx context.Context, key, value string) context.Context {
	if len(value) > maxFieldLen {
		value = value[:maxFieldLen-3] + "..."
	}
	parent, _ := ctx.Value(fieldsKey{}).(logrus.Fields)
	fields := make(logrus.Fields, len(parent)+1)
	maps.Copy(fields, parent)
	fields[key] = value
	return context.WithValue(ctx, fieldsKey{}, fields)
}
