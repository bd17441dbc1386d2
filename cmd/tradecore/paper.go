package main

import (
	"context"
	"fmt"

	"tradecore/internal/api/handlers"
	"tradecore/internal/exchange"
	"tradecore/internal/models"
)

// pricedSignals - вход вебхука в dry-run: цена входа сигнала
// становится текущей ценой символа на бумажной бирже.
type pricedSignals struct {
	next  handlers.SignalSink
	paper *exchange.PaperGateway
}

var _ handlers.SignalSink = (*pricedSignals)(nil)

func (p *pricedSignals) Push(s *models.Signal) error {
	if s.EntryPrice != nil && *s.EntryPrice > 0 {
		p.paper.SetPrice(s.Symbol, *s.EntryPrice)
	}
	return p.next.Push(s)
}

// OpenPositionLister - источник открытых позиций (bot.TransactionManager)
type OpenPositionLister interface {
	ListOpen(ctx context.Context, userID string) ([]*models.Position, error)
}

// seedPaperBook переносит открытые позиции из БД на бумажную биржу.
// Бумажная биржа живет в памяти, и без этого сверка после рестарта
// считала бы все позиции закрытыми на бирже.
func seedPaperBook(ctx context.Context, paper *exchange.PaperGateway, store OpenPositionLister, users []string) (int, error) {
	n := 0
	for _, userID := range users {
		open, err := store.ListOpen(ctx, userID)
		if err != nil {
			return n, fmt.Errorf("list open positions for %s: %w", userID, err)
		}
		for _, p := range open {
			mark := p.CurrentPrice
			if mark <= 0 {
				mark = p.EntryPrice
			}
			paper.AddPosition(exchange.PositionInfo{
				Symbol:     p.Symbol,
				Side:       p.Side,
				Size:       p.Quantity,
				EntryPrice: p.EntryPrice,
				MarkPrice:  mark,
				Leverage:   p.Leverage,
				StopLoss:   p.StopLoss,
				TakeProfit: p.TakeProfit,
			})
			paper.SetPrice(p.Symbol, mark)
			n++
		}
	}
	return n, nil
}
