package utils

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// logger.go - структурированное логирование на базе zap
//
// Функции:
// - InitLogger: создать logger по LogConfig (json/text, уровень, вывод)
// - With*/поля: контекст компонента, символа, пользователя
// - L()/Info()/Warn(): глобальный logger только для bootstrap кода в cmd/
//
// Компоненты ядра получают *Logger через конструктор и не обращаются к глобальному.

// LogConfig - настройки логирования
type LogConfig struct {
	Level       string // debug, info, warn, error, fatal
	Format      string // json, text
	Output      string // stdout, stderr или путь к файлу
	Development bool
}

// Logger - обертка над zap.Logger с доменными хелперами
type Logger struct {
	*zap.Logger
	sugar *zap.SugaredLogger
}

var (
	globalLogger *Logger
	globalMu     sync.RWMutex
)

// InitLogger создает logger по конфигурации.
// При ошибке открытия файла вывода используется stderr.
func InitLogger(cfg LogConfig) *Logger {
	level := parseLevel(cfg.Level)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeDuration = zapcore.MillisDurationEncoder

	var encoder zapcore.Encoder
	if strings.ToLower(cfg.Format) == "text" || cfg.Development {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, openOutput(cfg.Output), level)

	opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)}
	if cfg.Development {
		opts = append(opts, zap.Development())
	}

	l := zap.New(core, opts...)
	return &Logger{Logger: l, sugar: l.Sugar()}
}

// NewNop возвращает logger, который ничего не пишет (для тестов)
func NewNop() *Logger {
	l := zap.NewNop()
	return &Logger{Logger: l, sugar: l.Sugar()}
}

func openOutput(output string) zapcore.WriteSyncer {
	switch strings.ToLower(output) {
	case "", "stdout":
		return zapcore.Lock(os.Stdout)
	case "stderr":
		return zapcore.Lock(os.Stderr)
	}

	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return zapcore.Lock(os.Stderr)
	}
	return zapcore.AddSync(f)
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// With возвращает дочерний logger с дополнительными полями
func (l *Logger) With(fields ...zap.Field) *Logger {
	child := l.Logger.With(fields...)
	return &Logger{Logger: child, sugar: child.Sugar()}
}

// WithComponent помечает записи именем компонента (engine, monitor, dlq...)
func (l *Logger) WithComponent(name string) *Logger {
	return l.With(Component(name))
}

// WithSymbol помечает записи торговым символом
func (l *Logger) WithSymbol(symbol string) *Logger {
	return l.With(Symbol(symbol))
}

// WithUser помечает записи пользователем
func (l *Logger) WithUser(userID string) *Logger {
	return l.With(UserID(userID))
}

// Sugar возвращает SugaredLogger для printf-стиля
func (l *Logger) Sugar() *zap.SugaredLogger {
	return l.sugar
}

// ============================================================
// Глобальный logger (только для cmd/)
// ============================================================

// GetGlobalLogger возвращает глобальный logger, создавая его при первом вызове
func GetGlobalLogger() *Logger {
	globalMu.RLock()
	l := globalLogger
	globalMu.RUnlock()
	if l != nil {
		return l
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger == nil {
		globalLogger = InitLogger(LogConfig{Level: "info", Format: "json"})
	}
	return globalLogger
}

// L - короткий алиас GetGlobalLogger
func L() *Logger {
	return GetGlobalLogger()
}

// SetGlobalLogger заменяет глобальный logger
func SetGlobalLogger(l *Logger) {
	globalMu.Lock()
	globalLogger = l
	globalMu.Unlock()
}

// ============================================================
// Доменные поля
// ============================================================

func Symbol(v string) zap.Field    { return zap.String("symbol", v) }
func UserID(v string) zap.Field    { return zap.String("user_id", v) }
func OrderID(v string) zap.Field   { return zap.String("order_id", v) }
func PositionID(v int64) zap.Field { return zap.Int64("position_id", v) }
func SignalID(v string) zap.Field  { return zap.String("signal_id", v) }
func Price(v float64) zap.Field    { return zap.Float64("price", v) }
func Quantity(v float64) zap.Field { return zap.Float64("quantity", v) }
func PNL(v float64) zap.Field      { return zap.Float64("pnl", v) }
func Side(v string) zap.Field      { return zap.String("side", v) }
func State(v string) zap.Field     { return zap.String("state", v) }
func Reason(v string) zap.Field    { return zap.String("reason", v) }
func Decision(v string) zap.Field  { return zap.String("decision", v) }
func Component(v string) zap.Field { return zap.String("component", v) }
func Latency(ms float64) zap.Field { return zap.Float64("latency_ms", ms) }
func Attempt(v int) zap.Field      { return zap.Int("attempt", v) }

// Field - поле структурированного лога
type Field = zap.Field

// Переэкспорт базовых конструкторов, чтобы пакеты не импортировали zap напрямую
var (
	String   = zap.String
	Int      = zap.Int
	Int64    = zap.Int64
	Float64  = zap.Float64
	Bool     = zap.Bool
	Duration = zap.Duration
	Time     = zap.Time
	Err      = zap.Error
	Any      = zap.Any
)
