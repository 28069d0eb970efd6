package router

import (
	"log/slog"
	"time"
)

// DefaultRingTimeout время звонка без ответа, если не задано в команде и конфигурации
const DefaultRingTimeout = 300 * time.Second

// Option настройка Router
type Option func(*Router)

// WithReporter задает получателя диагностики
func WithReporter(r Reporter) Option {
	return func(rt *Router) {
		if r != nil {
			rt.reporter = r
		}
	}
}

// WithMetrics задает счетчики
func WithMetrics(m Metrics) Option {
	return func(rt *Router) {
		if m != nil {
			rt.metrics = m
		}
	}
}

// WithLogger задает логгер
func WithLogger(l *slog.Logger) Option {
	return func(rt *Router) {
		if l != nil {
			rt.log = l
		}
	}
}

// WithRingTimeout время звонка по умолчанию для dial
func WithRingTimeout(d time.Duration) Option {
	return func(rt *Router) {
		if d > 0 {
			rt.ringTimeout = d
		}
	}
}

// WithTTSLanguage язык синтеза по умолчанию для play_message
func WithTTSLanguage(lang string) Option {
	return func(rt *Router) {
		rt.ttsLanguage = lang
	}
}
