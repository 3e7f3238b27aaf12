package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Métricas de negócio
	ActiveChargingSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sigec_active_charging_sessions",
		Help: "Número de sessões de carregamento abertas",
	})

	EnergyDeliveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sigec_energy_delivered_wh_total",
		Help: "Total de energia entregue em Wh",
	})

	TransactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sigec_transactions_total",
		Help: "Transações por resultado",
	}, []string{"event", "result"})

	NegativeEnergyTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sigec_negative_energy_total",
		Help: "Transações encerradas com medidor final menor que o inicial",
	})

	AuthorizationDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sigec_authorization_decisions_total",
		Help: "Decisões de autorização por status",
	}, []string{"status"})

	MeterReadingsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sigec_meter_readings_total",
		Help: "Amostras de medição registradas",
	})

	ChargerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sigec_charger_transitions_total",
		Help: "Transições de estado dos carregadores",
	}, []string{"from", "to"})

	// Métricas de infraestrutura
	OCPPMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sigec_ocpp_messages_total",
		Help: "Total de mensagens OCPP",
	}, []string{"action", "direction"})

	OCPPErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sigec_ocpp_errors_total",
		Help: "CallErrors enviados por código",
	}, []string{"code"})

	HandlerLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sigec_ocpp_handler_latency_seconds",
		Help:    "Latência de processamento por ação",
		Buckets: prometheus.DefBuckets,
	}, []string{"action"})

	ConnectedChargers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sigec_connected_chargers",
		Help: "Conexões websocket ativas",
	})

	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sigec_commands_total",
		Help: "Comandos enviados aos carregadores por resultado",
	}, []string{"action", "outcome"})

	CommandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sigec_command_duration_seconds",
		Help:    "Tempo até a resposta de um comando",
		Buckets: prometheus.DefBuckets,
	}, []string{"action"})

	UnmatchedResponses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sigec_unmatched_responses_total",
		Help: "Respostas sem comando pendente correspondente",
	})

	LivenessEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sigec_liveness_evictions_total",
		Help: "Carregadores desconectados pela varredura de inatividade",
	})

	DatabaseLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sigec_database_latency_seconds",
		Help:    "Latência das chamadas ao gateway de persistência",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	PersistenceFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sigec_persistence_failures_total",
		Help: "Falhas de persistência após as tentativas",
	}, []string{"operation"})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sigec_events_published_total",
		Help: "Eventos publicados na fila",
	}, []string{"subject", "result"})
)
