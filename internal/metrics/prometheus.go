package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "trade_entry"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry       *prometheus.Registry
	tradesStarted  prometheus.Counter
	tradesSettled  prometheus.Counter
	startRejected  prometheus.Counter
	settleRejected prometheus.Counter
	oracleFailures prometheus.Counter
	keeperFailed   prometheus.Counter
	eventsDropped  prometheus.Counter
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	tradesStarted := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "trades_started_total",
		Help:      "Total number of trades moved into escrow.",
	})
	tradesSettled := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "trades_settled_total",
		Help:      "Total number of trades paid out.",
	})
	startRejected := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "start_rejected_total",
		Help:      "Total number of rejected start calls.",
	})
	settleRejected := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "settle_rejected_total",
		Help:      "Total number of rejected settle calls.",
	})
	oracleFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "oracle_failures_total",
		Help:      "Total number of evidence resolutions that failed.",
	})
	keeperFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "keeper_settle_failed_total",
		Help:      "Total number of keeper settlement attempts that failed.",
	})
	eventsDropped := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "events_dropped_total",
		Help:      "Total number of trade events dropped by slow sinks.",
	})

	registry.MustRegister(tradesStarted, tradesSettled, startRejected, settleRejected, oracleFailures, keeperFailed, eventsDropped)

	m := &Metrics{
		TradesStarted:      promCounter{tradesStarted},
		TradesSettled:      promCounter{tradesSettled},
		StartRejected:      promCounter{startRejected},
		SettleRejected:     promCounter{settleRejected},
		OracleFailures:     promCounter{oracleFailures},
		KeeperSettleFailed: promCounter{keeperFailed},
		EventsDropped:      promCounter{eventsDropped},
	}

	return &Prometheus{
		Metrics:        m,
		registry:       registry,
		tradesStarted:  tradesStarted,
		tradesSettled:  tradesSettled,
		startRejected:  startRejected,
		settleRejected: settleRejected,
		oracleFailures: oracleFailures,
		keeperFailed:   keeperFailed,
		eventsDropped:  eventsDropped,
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
