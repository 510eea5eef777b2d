package service

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	messagesProduced  prometheus.Counter
	messagesClaimed   prometheus.Counter
	streamsStarted    prometheus.Counter
	streamsRejected   prometheus.Counter
	streamsTerminated prometheus.Counter
	longPolls         prometheus.Counter
}

func newMetrics() *metrics {
	return &metrics{
		messagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pix_messages_produced_total",
			Help: "The number of messages accepted by the produce endpoint",
		}),
		messagesClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pix_messages_claimed_total",
			Help: "The number of messages claimed and delivered to stream consumers",
		}),
		streamsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pix_streams_started_total",
			Help: "The number of streams which started and delivered messages",
		}),
		streamsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pix_streams_rejected_total",
			Help: "The number of stream starts refused because the ISPB was at capacity",
		}),
		streamsTerminated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pix_streams_terminated_total",
			Help: "The number of streams closed by consumers",
		}),
		longPolls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pix_long_polls_total",
			Help: "The number of polls which found nothing and waited before replying",
		}),
	}
}

func (m *metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.messagesProduced,
		m.messagesClaimed,
		m.streamsStarted,
		m.streamsRejected,
		m.streamsTerminated,
		m.longPolls,
	}
}

func (m *metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
}

func (m *metrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
}
