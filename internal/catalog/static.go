package catalog

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// StaticFile is the on-disk shape of a static catalog.
type StaticFile struct {
	Entities   []string                   `mapstructure:"entities"`
	Recipients map[string]StaticRecipient `mapstructure:"recipients"`
	Rates      []StaticRate               `mapstructure:"rates"`
}

type StaticRecipient struct {
	Method         string `mapstructure:"method"`
	PayoutCurrency string `mapstructure:"payout_currency"`
}

type StaticRate struct {
	From string `mapstructure:"from"`
	To   string `mapstructure:"to"`
	Rate string `mapstructure:"rate"`
}

// Static is an in-memory catalog for development and tests. An empty entity
// list accepts every entity and unknown recipients fall back to the default
// method in their accrual currency.
type Static struct {
	mu            sync.RWMutex
	entities      map[string]struct{}
	recipients    map[string]Recipient
	rates         map[string]decimal.Decimal
	defaultMethod string
}

func NewStatic(defaultMethod string) *Static {
	return &Static{
		entities:      map[string]struct{}{},
		recipients:    map[string]Recipient{},
		rates:         map[string]decimal.Decimal{},
		defaultMethod: defaultMethod,
	}
}

// LoadStatic reads a catalog file with viper.
func LoadStatic(path, defaultMethod string) (*Static, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var file StaticFile
	if err := v.Unmarshal(&file); err != nil {
		return nil, err
	}

	s := NewStatic(defaultMethod)
	for _, id := range file.Entities {
		s.AddEntity(id)
	}
	for id, r := range file.Recipients {
		s.AddRecipient(Recipient{ID: id, Method: r.Method, PayoutCurrency: r.PayoutCurrency})
	}
	for _, r := range file.Rates {
		rate, err := decimal.NewFromString(strings.TrimSpace(r.Rate))
		if err != nil {
			return nil, err
		}
		if !rate.IsPositive() {
			return nil, errors.New("catalog rate must be positive")
		}
		s.SetRate(r.From, r.To, rate)
	}
	return s, nil
}

func (s *Static) AddEntity(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[strings.TrimSpace(id)] = struct{}{}
}

func (s *Static) AddRecipient(r Recipient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.ID = strings.TrimSpace(r.ID)
	r.PayoutCurrency = strings.ToUpper(strings.TrimSpace(r.PayoutCurrency))
	s.recipients[r.ID] = r
}

func (s *Static) SetRate(from, to string, rate decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rates[rateKey(from, to)] = rate
}

func (s *Static) Exists(_ context.Context, entityID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entities) == 0 {
		return true, nil
	}
	_, ok := s.entities[strings.TrimSpace(entityID)]
	return ok, nil
}

func (s *Static) Resolve(_ context.Context, recipientID string) (*Recipient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.recipients[strings.TrimSpace(recipientID)]; ok {
		if r.Method == "" {
			r.Method = s.defaultMethod
		}
		return &r, nil
	}
	return &Recipient{ID: recipientID, Method: s.defaultMethod}, nil
}

func (s *Static) Rate(_ context.Context, from, to string, _ time.Time) (decimal.Decimal, error) {
	if strings.EqualFold(from, to) {
		return decimal.NewFromInt(1), nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rate, ok := s.rates[rateKey(from, to)]
	if !ok {
		return decimal.Zero, ErrRateUnavailable
	}
	return rate, nil
}

func rateKey(from, to string) string {
	return strings.ToUpper(strings.TrimSpace(from)) + "/" + strings.ToUpper(strings.TrimSpace(to))
}
