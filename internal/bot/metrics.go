package bot

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============================================================
// Prometheus метрики торгового ядра
// ============================================================
//
// Использование:
// - Grafana дашборды по решениям движка и состоянию монитора
// - Alertmanager: элементы сверки, рост DLQ, блокировки по дневному убытку

// ============ Сигналы и сделки ============

// SignalsProcessed - обработанные сигналы по результату
var SignalsProcessed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradecore",
		Subsystem: "engine",
		Name:      "signals_processed_total",
		Help:      "Signals processed by the engine by result",
	},
	[]string{"result"}, // executed, duplicate, rate_limit, daily_loss, risk, capital, failed, dlq
)

// TradesOpened - открытые сделки
var TradesOpened = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradecore",
		Subsystem: "trading",
		Name:      "trades_opened_total",
		Help:      "Positions opened by the engine",
	},
	[]string{"symbol"},
)

// TradesClosed - закрытые сделки по причине
var TradesClosed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradecore",
		Subsystem: "trading",
		Name:      "trades_closed_total",
		Help:      "Positions closed by reason",
	},
	[]string{"reason"}, // sl_triggered, tp_triggered, partial_tp, time_exit, ...
)

// RealizedPnL - суммарный реализованный PNL
var RealizedPnL = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "tradecore",
		Subsystem: "trading",
		Name:      "realized_pnl_total",
		Help:      "Cumulative realized PnL in quote currency since start",
	},
)

// ============ Транзакции ============

// TransactionRollbacks - откаты атомарных операций
var TransactionRollbacks = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradecore",
		Subsystem: "transaction",
		Name:      "rollbacks_total",
		Help:      "Atomic trade operations rolled back",
	},
	[]string{"op"}, // open, close, reduce
)

// ReconciliationItems - ордера, принятые биржей, но не сохраненные в БД
var ReconciliationItems = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "tradecore",
		Subsystem: "transaction",
		Name:      "reconciliation_items_total",
		Help:      "Exchange-accepted orders whose DB commit failed",
	},
)

// ============ DLQ ============

// DLQEntries - переходы записей DLQ по статусам
var DLQEntries = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradecore",
		Subsystem: "dlq",
		Name:      "entries_total",
		Help:      "DLQ entries by resulting status",
	},
	[]string{"status"},
)

// ============ Монитор ============

// MonitoredPositions - отслеживаемые позиции по состоянию
var MonitoredPositions = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "tradecore",
		Subsystem: "monitor",
		Name:      "positions",
		Help:      "Tracked positions by monitor state",
	},
	[]string{"state"},
)

// TrailingAdjustments - перемещения трейлинг-стопа
var TrailingAdjustments = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradecore",
		Subsystem: "monitor",
		Name:      "trailing_adjustments_total",
		Help:      "Trailing stop-loss moves",
	},
	[]string{"symbol"},
)

// MonitorFailures - ошибки монитора по виду
var MonitorFailures = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradecore",
		Subsystem: "monitor",
		Name:      "failures_total",
		Help:      "Monitor failures by kind",
	},
	[]string{"kind"}, // price, close, protect, sync
)

// ============ Биржа и лимиты ============

// ExchangeCallLatency - длительность вызовов биржи
var ExchangeCallLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "tradecore",
		Subsystem: "exchange",
		Name:      "call_latency_ms",
		Help:      "Exchange call latency in milliseconds",
		Buckets:   []float64{10, 25, 50, 100, 200, 300, 500, 1000, 2000, 5000},
	},
	[]string{"op", "result"},
)

// LimitBlocks - отклонения по лимитам
var LimitBlocks = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradecore",
		Subsystem: "limits",
		Name:      "blocks_total",
		Help:      "Signals rejected by rate or daily-loss limits",
	},
	[]string{"limit"},
)

// ============ Вспомогательные функции ============

// RecordSignal записывает результат обработки сигнала
func RecordSignal(result string) {
	SignalsProcessed.WithLabelValues(result).Inc()
}

// RecordTradeOpened записывает открытие позиции
func RecordTradeOpened(symbol string) {
	TradesOpened.WithLabelValues(symbol).Inc()
}

// RecordTradeClosed записывает закрытие (полное или частичное)
func RecordTradeClosed(reason string, pnl float64) {
	TradesClosed.WithLabelValues(reason).Inc()
	RealizedPnL.Add(pnl)
}

// RecordRollback записывает откат транзакции
func RecordRollback(op string) {
	TransactionRollbacks.WithLabelValues(op).Inc()
}

// RecordDLQ записывает переход записи DLQ
func RecordDLQ(status string) {
	DLQEntries.WithLabelValues(status).Inc()
}

// RecordLimitBlock записывает отклонение по лимиту
func RecordLimitBlock(limit string) {
	LimitBlocks.WithLabelValues(limit).Inc()
}

// ObserveExchangeCall - exchange.CallObserver для GuardedGateway
func ObserveExchangeCall(op string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	ExchangeCallLatency.WithLabelValues(op, result).Observe(float64(d.Microseconds()) / 1000)
}

// UpdateMonitoredPositions выставляет число позиций по состояниям
func UpdateMonitoredPositions(counts map[string]int) {
	for _, s := range AllStates {
		MonitoredPositions.WithLabelValues(s).Set(float64(counts[s]))
	}
}

// SignalQueueOverflow - сигналы, отброшенные из-за переполненной очереди
var SignalQueueOverflow = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "tradecore",
		Subsystem: "engine",
		Name:      "signal_queue_overflow_total",
		Help:      "Signals dropped because the inbound queue was full",
	},
)

// SignalQueueBacklog - заполненность очереди сигналов
var SignalQueueBacklog = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "tradecore",
		Subsystem: "engine",
		Name:      "signal_queue_backlog",
		Help:      "Signals waiting in the inbound queue",
	},
)
