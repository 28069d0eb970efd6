// Package logging настраивает slog для процесса
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options параметры логирования
type Options struct {
	// Level debug, info, warn или error
	Level string
	// Format text или json
	Format string
	// File путь к файлу с ротацией, пустой означает только stderr
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// ParseLevel разбирает уровень, пустая строка означает info
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelInfo, errors.Wrapf(err, "log level %q", s)
	}
	return level, nil
}

// New строит логгер. Возвращаемый io.Closer закрывает файл с ротацией.
func New(opts Options, stderr io.Writer) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}
	if stderr == nil {
		stderr = os.Stderr
	}

	var out io.Writer = stderr
	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
		}
		out = io.MultiWriter(stderr, rotator)
		closer = rotator
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(opts.Format) {
	case "", "text":
		handler = slog.NewTextHandler(out, handlerOpts)
	case "json":
		handler = slog.NewJSONHandler(out, handlerOpts)
	default:
		return nil, nil, errors.Errorf("unknown log format %q", opts.Format)
	}
	return slog.New(handler), closer, nil
}

// Setup строит логгер и делает его логгером по умолчанию
func Setup(opts Options) (*slog.Logger, io.Closer, error) {
	log, closer, err := New(opts, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(log)
	return log, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
