package models

import "time"

// Candle - OHLCV свеча
type Candle struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// TradeStats - история закрытых сделок по символу (вход для критерия Келли)
type TradeStats struct {
	Symbol      string  `json:"symbol"`
	TotalTrades int     `json:"total_trades"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	AvgWin      float64 `json:"avg_win"`
	AvgLoss     float64 `json:"avg_loss"` // положительное число
}

// WinRate - доля выигрышных сделок 0..1
func (s TradeStats) WinRate() float64 {
	if s.TotalTrades == 0 {
		return 0
	}
	return float64(s.Wins) / float64(s.TotalTrades)
}
