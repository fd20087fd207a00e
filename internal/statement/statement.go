// Package statement renders payout statements: the payout, its fee and
// settlement, and the accrual entries it settled.
package statement

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	payoutdomain "github.com/smallbiznis/royalty/internal/payout/domain"
	"github.com/smallbiznis/royalty/pkg/money"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Line struct {
	Date        string
	Description string
	Reference   string
	Amount      string
}

type Data struct {
	PayoutID     string
	RecipientID  string
	ScheduleDate string
	Status       string
	Method       string
	Reference    string
	Currency     string
	Gross        string
	Fee          string
	Net          string
	Settlement   string
	FXRate       string
	Lines        []Line
	GeneratedAt  string
}

type Params struct {
	fx.In

	Log     *zap.Logger
	Payouts payoutdomain.Service
}

type Service struct {
	log     *zap.Logger
	payouts payoutdomain.Service
}

func NewService(p Params) *Service {
	return &Service{
		log:     p.Log.Named("statement.service"),
		payouts: p.Payouts,
	}
}

// Build collects the statement of one payout.
func (s *Service) Build(ctx context.Context, payoutID snowflake.ID, now time.Time) (*Data, error) {
	payout, err := s.payouts.Get(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	entries, err := s.payouts.ListEntries(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	return NewData(*payout, entries, now), nil
}

// Render builds and renders the statement of one payout as a PDF.
func (s *Service) Render(ctx context.Context, payoutID snowflake.ID, now time.Time) ([]byte, error) {
	data, err := s.Build(ctx, payoutID, now)
	if err != nil {
		return nil, err
	}
	doc, err := RenderPDF(data)
	if err != nil {
		return nil, err
	}
	s.log.Info("payout statement rendered",
		zap.String("payout_id", data.PayoutID),
		zap.String("recipient_id", data.RecipientID),
		zap.Int("lines", len(data.Lines)),
	)
	return doc, nil
}

func NewData(p payoutdomain.Payout, entries []payoutdomain.AccrualEntry, now time.Time) *Data {
	data := &Data{
		PayoutID:     p.ID.String(),
		RecipientID:  p.RecipientID,
		ScheduleDate: p.ScheduleDate.UTC().Format(time.DateOnly),
		Status:       string(p.Status),
		Method:       p.Method,
		Currency:     p.Currency,
		Gross:        money.Format(p.Gross(), p.Currency),
		Fee:          money.Format(p.Fee, p.Currency),
		Net:          money.Format(p.Amount, p.Currency),
		GeneratedAt:  now.UTC().Format(time.RFC3339),
	}
	if p.ReferenceNumber != nil {
		data.Reference = *p.ReferenceNumber
	}
	if p.SettlementCurrency != "" && p.SettlementCurrency != p.Currency {
		data.Settlement = money.Format(p.SettlementAmount, p.SettlementCurrency) + " " + p.SettlementCurrency
		data.FXRate = p.FXRate
	}

	for _, e := range entries {
		if e.SourceType != payoutdomain.EntrySourceAllocation {
			continue
		}
		description := "Royalty allocation"
		if e.Amount < 0 {
			description = "Reversal"
		}
		data.Lines = append(data.Lines, Line{
			Date:        e.CreatedAt.UTC().Format(time.DateOnly),
			Description: description,
			Reference:   e.SourceID,
			Amount:      money.Format(e.Amount, e.Currency),
		})
	}
	return data
}
