package bot

// Состояния позиции в мониторе
const (
	StateActive             = "ACTIVE"
	StateTrailingAdjusted   = "TRAILING_ADJUSTED"
	StatePartialTPTriggered = "PARTIAL_TP_TRIGGERED"
	StateClosing            = "CLOSING"
	StateClosed             = "CLOSED"
)

// AllStates - все состояния монитора (для метрик)
var AllStates = []string{StateActive, StateTrailingAdjusted, StatePartialTPTriggered, StateClosing, StateClosed}

// ValidTransitions определяет допустимые переходы между состояниями
var ValidTransitions = map[string][]string{
	StateActive:             {StateTrailingAdjusted, StatePartialTPTriggered, StateClosing},
	StateTrailingAdjusted:   {StateTrailingAdjusted, StatePartialTPTriggered, StateClosing},
	StatePartialTPTriggered: {StateActive, StateTrailingAdjusted, StateClosing}, // транзитное
	StateClosing:            {StateClosed, StateActive, StateTrailingAdjusted},  // откат при ошибке закрытия
	StateClosed:             {},
}

// CanTransition проверяет допустимость перехода
func CanTransition(from, to string) bool {
	allowed, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// StateInfo возвращает описание состояния для API
func StateInfo(s string) string {
	switch s {
	case StateActive:
		return "Позиция отслеживается"
	case StateTrailingAdjusted:
		return "Стоп-лосс подтянут трейлингом"
	case StatePartialTPTriggered:
		return "Частичная фиксация прибыли..."
	case StateClosing:
		return "Закрытие позиции..."
	case StateClosed:
		return "Позиция закрыта"
	default:
		return "Неизвестное состояние"
	}
}

// IsTerminal - позиция больше не отслеживается
func IsTerminal(s string) bool {
	return s == StateClosed
}
