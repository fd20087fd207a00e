package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	ReversalPolicyAccrueForward = "accrue_forward"
	ReversalPolicyCancelPending = "cancel_pending"

	ScheduleDaily   = "daily"
	ScheduleWeekly  = "weekly"
	ScheduleMonthly = "monthly"
)

// Policy is the hot-reloadable business configuration of the engine.
type Policy struct {
	Payout       PayoutPolicy       `mapstructure:"payout"`
	Allocation   AllocationPolicy   `mapstructure:"allocation"`
	Distribution DistributionPolicy `mapstructure:"distribution"`
}

type PayoutPolicy struct {
	Schedule       string                    `mapstructure:"schedule"`
	ReversalPolicy string                    `mapstructure:"reversal_policy"`
	DefaultMethod  string                    `mapstructure:"default_method"`
	Default        CurrencyPolicy            `mapstructure:"default"`
	Currencies     map[string]CurrencyPolicy `mapstructure:"currencies"`
}

// CurrencyPolicy amounts are in minor units of the currency.
type CurrencyPolicy struct {
	MinimumAmount int64  `mapstructure:"minimum_amount"`
	FlatFee       int64  `mapstructure:"flat_fee"`
	PercentFee    string `mapstructure:"percent_fee"`
	Increment     int64  `mapstructure:"increment"`
}

// PercentFeeDecimal returns the percent fee, zero when unset.
func (c CurrencyPolicy) PercentFeeDecimal() decimal.Decimal {
	raw := strings.TrimSpace(c.PercentFee)
	if raw == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// ForCurrency returns the currency override or the default policy.
func (p PayoutPolicy) ForCurrency(code string) CurrencyPolicy {
	if cp, ok := p.Currencies[strings.ToUpper(strings.TrimSpace(code))]; ok {
		return cp
	}
	return p.Default
}

type AllocationPolicy struct {
	StreamSplitTypes map[string]string `mapstructure:"stream_split_types"`
}

// SplitTypeFor maps a revenue stream type onto the split type that governs it.
func (a AllocationPolicy) SplitTypeFor(streamType string) (string, bool) {
	st, ok := a.StreamSplitTypes[strings.ToLower(strings.TrimSpace(streamType))]
	return st, ok
}

type DistributionPolicy struct {
	MaxRetries int                       `mapstructure:"max_retries"`
	Default    PlatformPolicy            `mapstructure:"default"`
	Platforms  map[string]PlatformPolicy `mapstructure:"platforms"`
}

type PlatformPolicy struct {
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	Burst         int     `mapstructure:"burst"`
}

func (d DistributionPolicy) ForPlatform(id string) PlatformPolicy {
	if pp, ok := d.Platforms[strings.ToLower(strings.TrimSpace(id))]; ok {
		return pp
	}
	return d.Default
}

func DefaultPolicy() Policy {
	return Policy{
		Payout: PayoutPolicy{
			Schedule:       ScheduleMonthly,
			ReversalPolicy: ReversalPolicyAccrueForward,
			DefaultMethod:  "bank_transfer",
			Default: CurrencyPolicy{
				MinimumAmount: 1000,
				Increment:     1,
			},
			Currencies: map[string]CurrencyPolicy{},
		},
		Allocation: AllocationPolicy{
			StreamSplitTypes: map[string]string{
				"streaming":   "master",
				"download":    "master",
				"sync":        "sync",
				"performance": "performance",
				"mechanical":  "publishing",
			},
		},
		Distribution: DistributionPolicy{
			MaxRetries: 3,
			Default:    PlatformPolicy{RatePerSecond: 5, Burst: 5},
			Platforms:  map[string]PlatformPolicy{},
		},
	}
}

// PolicyHolder serves the current Policy and swaps it on file changes.
type PolicyHolder struct {
	current atomic.Value // holds Policy
}

func NewStaticPolicyHolder(p Policy) *PolicyHolder {
	holder := &PolicyHolder{}
	holder.current.Store(normalizePolicy(p))
	return holder
}

func NewPolicyHolder(cfg Config, log *zap.Logger) (*PolicyHolder, error) {
	log = log.Named("config.policy")
	v := viper.New()

	if cfg.PolicyPath != "" {
		v.SetConfigFile(cfg.PolicyPath)
	} else {
		v.SetConfigName("royalty")
		v.SetConfigType("yml")
		v.AddConfigPath("/var/lib/royalty/config")
		v.AddConfigPath("/etc/royalty")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("ROYALTY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		log.Info("policy file not found, using defaults")
		return NewStaticPolicyHolder(DefaultPolicy()), nil
	}

	policy, err := decodePolicy(v)
	if err != nil {
		return nil, err
	}

	holder := &PolicyHolder{}
	holder.current.Store(policy)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodePolicy(v)
		if err != nil {
			log.Warn("policy reload rejected", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("policy reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *PolicyHolder) Get() Policy {
	return h.current.Load().(Policy)
}

func decodePolicy(v *viper.Viper) (Policy, error) {
	var p Policy
	if err := v.Unmarshal(&p); err != nil {
		return Policy{}, err
	}
	p = normalizePolicy(p)
	if err := ValidatePolicy(p); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// normalizePolicy fills unset fields from DefaultPolicy and canonicalizes map
// keys, since viper lowercases them.
func normalizePolicy(p Policy) Policy {
	def := DefaultPolicy()

	if strings.TrimSpace(p.Payout.Schedule) == "" {
		p.Payout.Schedule = def.Payout.Schedule
	}
	p.Payout.Schedule = strings.ToLower(strings.TrimSpace(p.Payout.Schedule))
	if strings.TrimSpace(p.Payout.ReversalPolicy) == "" {
		p.Payout.ReversalPolicy = def.Payout.ReversalPolicy
	}
	p.Payout.ReversalPolicy = strings.ToLower(strings.TrimSpace(p.Payout.ReversalPolicy))
	if strings.TrimSpace(p.Payout.DefaultMethod) == "" {
		p.Payout.DefaultMethod = def.Payout.DefaultMethod
	}
	if p.Payout.Default == (CurrencyPolicy{}) {
		p.Payout.Default = def.Payout.Default
	}
	if p.Payout.Default.Increment <= 0 {
		p.Payout.Default.Increment = 1
	}
	currencies := make(map[string]CurrencyPolicy, len(p.Payout.Currencies))
	for code, cp := range p.Payout.Currencies {
		if cp.Increment <= 0 {
			cp.Increment = 1
		}
		currencies[strings.ToUpper(strings.TrimSpace(code))] = cp
	}
	p.Payout.Currencies = currencies

	streams := make(map[string]string, len(def.Allocation.StreamSplitTypes))
	for k, v := range def.Allocation.StreamSplitTypes {
		streams[k] = v
	}
	for k, v := range p.Allocation.StreamSplitTypes {
		streams[strings.ToLower(strings.TrimSpace(k))] = strings.ToLower(strings.TrimSpace(v))
	}
	p.Allocation.StreamSplitTypes = streams

	if p.Distribution.MaxRetries <= 0 {
		p.Distribution.MaxRetries = def.Distribution.MaxRetries
	}
	if p.Distribution.Default.RatePerSecond <= 0 {
		p.Distribution.Default = def.Distribution.Default
	}
	platforms := make(map[string]PlatformPolicy, len(p.Distribution.Platforms))
	for id, pp := range p.Distribution.Platforms {
		platforms[strings.ToLower(strings.TrimSpace(id))] = pp
	}
	p.Distribution.Platforms = platforms

	return p
}

func ValidatePolicy(p Policy) error {
	switch p.Payout.Schedule {
	case ScheduleDaily, ScheduleWeekly, ScheduleMonthly:
	default:
		return fmt.Errorf("payout.schedule %q is not supported", p.Payout.Schedule)
	}
	switch p.Payout.ReversalPolicy {
	case ReversalPolicyAccrueForward, ReversalPolicyCancelPending:
	default:
		return fmt.Errorf("payout.reversal_policy %q is not supported", p.Payout.ReversalPolicy)
	}

	check := func(name string, cp CurrencyPolicy) error {
		if cp.MinimumAmount < 0 || cp.FlatFee < 0 {
			return fmt.Errorf("payout.%s amounts cannot be negative", name)
		}
		if raw := strings.TrimSpace(cp.PercentFee); raw != "" {
			pct, err := decimal.NewFromString(raw)
			if err != nil {
				return fmt.Errorf("payout.%s.percent_fee: %w", name, err)
			}
			if pct.IsNegative() || pct.GreaterThanOrEqual(decimal.NewFromInt(100)) {
				return fmt.Errorf("payout.%s.percent_fee must be in [0, 100)", name)
			}
		}
		return nil
	}
	if err := check("default", p.Payout.Default); err != nil {
		return err
	}
	for code, cp := range p.Payout.Currencies {
		if err := check("currencies."+code, cp); err != nil {
			return err
		}
	}

	validSplit := map[string]struct{}{"master": {}, "publishing": {}, "performance": {}, "sync": {}}
	for stream, st := range p.Allocation.StreamSplitTypes {
		if _, ok := validSplit[st]; !ok {
			return fmt.Errorf("allocation.stream_split_types.%s: unknown split type %q", stream, st)
		}
	}

	if p.Distribution.MaxRetries < 0 {
		return errors.New("distribution.max_retries cannot be negative")
	}
	return nil
}
