// Package metrics собирает Prometheus метрики сервиса
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arzzra/hasip/pkg/audiocache"
)

const namespace = "hasip"

// Collector набор метрик команд, звонков и кэша
type Collector struct {
	commandsTotal     *prometheus.CounterVec
	activeCalls       prometheus.Gauge
	callsTotal        *prometheus.CounterVec
	cacheLookupsTotal *prometheus.CounterVec
	dtmfReceivedTotal prometheus.Counter
	mqttMessagesTotal *prometheus.CounterVec
}

// New регистрирует метрики в reg. nil означает prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		commandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "commands_total",
			Help:      "Commands dispatched by verb and result",
		}, []string{"verb", "result"}),
		activeCalls: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "calls",
			Name:      "active",
			Help:      "Number of calls in the registry",
		}),
		callsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "calls",
			Name:      "total",
			Help:      "Finished calls by direction and result",
		}, []string{"direction", "result"}),
		cacheLookupsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Audio cache lookups by kind and result",
		}, []string{"kind", "result"}),
		dtmfReceivedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "calls",
			Name:      "dtmf_received_total",
			Help:      "DTMF digits received from remote parties",
		}),
		mqttMessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "messages_total",
			Help:      "MQTT messages received by source",
		}, []string{"source"}),
	}
}

// CommandDispatched результат обработки команды
func (c *Collector) CommandDispatched(verb, result string) {
	c.commandsTotal.WithLabelValues(verb, result).Inc()
}

// ActiveCalls текущее количество звонков в реестре
func (c *Collector) ActiveCalls(n int) {
	c.activeCalls.Set(float64(n))
}

// CallFinished завершение звонка
func (c *Collector) CallFinished(direction, result string) {
	c.callsTotal.WithLabelValues(direction, result).Inc()
}

// CacheLookup результат поиска в кэше
func (c *Collector) CacheLookup(kind audiocache.Kind, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cacheLookupsTotal.WithLabelValues(string(kind), result).Inc()
}

// DTMFReceived принята DTMF цифра
func (c *Collector) DTMFReceived() {
	c.dtmfReceivedTotal.Inc()
}

// MessageReceived получено MQTT сообщение
func (c *Collector) MessageReceived(source string) {
	c.mqttMessagesTotal.WithLabelValues(source).Inc()
}
