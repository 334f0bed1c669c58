package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Métricas de negócio
	TransactionsStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sigec_cp_transactions_started_total",
		Help: "Total de transações criadas localmente",
	})

	TransactionSyncTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sigec_cp_transaction_sync_total",
		Help: "Resultado da sincronização de StartTransaction com o CSMS",
	}, []string{"outcome"})

	ProtocolViolationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sigec_cp_protocol_violations_total",
		Help: "Respostas do CSMS aceitando sessão sem transactionId válido",
	})

	DeauthorizationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sigec_cp_deauthorizations_total",
		Help: "Total de idTags negados",
	}, []string{"status", "source"})

	PendingRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sigec_cp_pending_requests",
		Help: "Requisições StartTransaction aguardando resposta",
	})

	RetransmissionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sigec_cp_retransmissions_total",
		Help: "Total de reenvios de StartTransaction",
	})

	UncorrectableTimestampsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sigec_cp_uncorrectable_timestamps_total",
		Help: "Timestamps pré-boot que não puderam ser corrigidos após reboot",
	})

	// Métricas de infraestrutura
	OCPPMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sigec_ocpp_messages_total",
		Help: "Total de mensagens OCPP",
	}, []string{"action", "direction"})

	OCPPConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sigec_cp_ocpp_connected",
		Help: "1 quando o websocket com o CSMS está aberto",
	})

	EventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sigec_cp_events_published_total",
		Help: "Eventos de ciclo de vida publicados por broker e resultado",
	}, []string{"broker", "result"})

	AuthCacheLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sigec_cp_auth_cache_lookups_total",
		Help: "Consultas ao cache de autorização por backend e resultado",
	}, []string{"backend", "result"})

	AuthCacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sigec_cp_auth_cache_entries",
		Help: "idTags vivos no cache local de autorização",
	})

	StoreLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sigec_cp_store_latency_seconds",
		Help:    "Latência de operações no armazenamento de transações",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})
)

// ObserveStore records the latency of a store operation started at start.
func ObserveStore(operation string, start time.Time) {
	StoreLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// ObservePublish counts one broker publish and passes err through.
func ObservePublish(broker string, err error) error {
	result := "ok"
	if err != nil {
		result = "error"
	}
	EventsPublishedTotal.WithLabelValues(broker, result).Inc()
	return err
}
