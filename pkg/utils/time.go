package utils

import (
	"time"
)

// time.go - утилиты для работы со временем
//
// Функции:
// - GetDayStartFrom: граница торгового дня (UTC) для дневных лимитов убытка
// - SameDay: проверка, что два момента относятся к одному торговому дню
// - CountSince: количество меток времени внутри скользящего окна
// - FormatDuration: человекочитаемая продолжительность для логов

// GetDayStartFrom возвращает начало дня для указанного времени в UTC
func GetDayStartFrom(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// SameDay возвращает true если a и b попадают в один день UTC
func SameDay(a, b time.Time) bool {
	return GetDayStartFrom(a).Equal(GetDayStartFrom(b))
}

// CountSince считает метки времени не старше since.
// Метки должны быть отсортированы по возрастанию.
func CountSince(stamps []time.Time, since time.Time) int {
	n := 0
	for i := len(stamps) - 1; i >= 0; i-- {
		if stamps[i].Before(since) {
			break
		}
		n++
	}
	return n
}

// TrimBefore удаляет из отсортированного среза метки старше since
func TrimBefore(stamps []time.Time, since time.Time) []time.Time {
	i := 0
	for i < len(stamps) && stamps[i].Before(since) {
		i++
	}
	if i == 0 {
		return stamps
	}
	return append(stamps[:0], stamps[i:]...)
}

// FormatDuration форматирует продолжительность в человекочитаемый формат
//
// Примеры:
//   - "45s"
//   - "5m30s"
//   - "2h15m0s"
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	if d >= time.Hour {
		return d.Truncate(time.Minute).String()
	}
	return d.Truncate(time.Second).String()
}
