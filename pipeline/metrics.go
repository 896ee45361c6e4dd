package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesAdmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aleph_messages_admitted_total",
		Help: "Messages accepted by the admission stage.",
	})
	messagesFetched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aleph_messages_fetched_total",
		Help: "Messages whose signature and content were resolved.",
	})
	messagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aleph_messages_processed_total",
		Help: "Messages leaving the processing stage, by outcome.",
	}, []string{"outcome"})
	messagesRetried = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aleph_messages_retried_total",
		Help: "Pending messages rescheduled after a transient failure.",
	})
	txsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aleph_chain_txs_processed_total",
		Help: "Chain transactions materialized into pending messages.",
	})
)
