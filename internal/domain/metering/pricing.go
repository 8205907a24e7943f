package metering

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/uniedit/metering/internal/model"
	"github.com/uniedit/metering/internal/port/outbound"
)

// PricingKind selects how a feature's credit cost is computed.
type PricingKind string

const (
	// PricingFixed charges a constant per task.
	PricingFixed PricingKind = "fixed"
	// PricingPerDuration charges unit_cost per started unit_seconds of media.
	PricingPerDuration PricingKind = "per_duration"
)

const defaultDurationField = "duration_seconds"

// Feature describes how one billable feature is priced and scheduled.
type Feature struct {
	Name                string
	Pricing             PricingKind
	FixedCost           int64
	UnitSeconds         int
	UnitCost            int64
	DurationField       string
	FreeUses            int
	MinimumCredits      int64
	ChargePolicy        model.ChargePolicy
	RepriceOnCompletion bool
	ActualDurationField string
	MaxRetries          *int
	ReservationTTL      time.Duration
	ExecutionTimeout    time.Duration
	Provider            string
}

// Validate checks the feature definition.
func (f *Feature) Validate() error {
	if strings.TrimSpace(f.Name) == "" {
		return fmt.Errorf("feature name is required")
	}
	switch f.Pricing {
	case PricingFixed:
		if f.FixedCost < 0 {
			return fmt.Errorf("feature %s: fixed_cost must be >= 0", f.Name)
		}
	case PricingPerDuration:
		if f.UnitSeconds <= 0 || f.UnitCost < 0 {
			return fmt.Errorf("feature %s: unit_seconds must be > 0 and unit_cost >= 0", f.Name)
		}
	default:
		return fmt.Errorf("feature %s: unknown pricing %q", f.Name, f.Pricing)
	}
	if f.FreeUses < 0 {
		return fmt.Errorf("feature %s: free_uses must be >= 0", f.Name)
	}
	if f.MaxRetries != nil && *f.MaxRetries < 0 {
		return fmt.Errorf("feature %s: max_retries must be >= 0", f.Name)
	}
	if !f.ChargePolicy.IsValid() {
		return fmt.Errorf("feature %s: unknown charge policy %q", f.Name, f.ChargePolicy)
	}
	if f.ChargePolicy == model.ChargePolicyUpFront && f.RepriceOnCompletion {
		return fmt.Errorf("feature %s: up_front features cannot be repriced on completion", f.Name)
	}
	if strings.TrimSpace(f.Provider) == "" {
		return fmt.Errorf("feature %s: provider is required", f.Name)
	}
	return nil
}

// Retries returns the transient poll failures a task tolerates before it is failed.
func (f *Feature) Retries() int {
	if f.MaxRetries == nil {
		return 0
	}
	return *f.MaxRetries
}

// MinimumRequired returns the balance floor a paid task must clear at Authorize.
func (f *Feature) MinimumRequired(creditCost int64) int64 {
	if f.ChargePolicy == model.ChargePolicyOnCompletion && f.MinimumCredits > 0 {
		return f.MinimumCredits
	}
	return creditCost
}

// Catalog holds the known features keyed by name.
type Catalog struct {
	features map[string]*Feature
}

// NewCatalog validates the features and fills unset limits from cfg.
func NewCatalog(features []Feature, cfg *Config) (*Catalog, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := &Catalog{features: make(map[string]*Feature, len(features))}
	for i := range features {
		f := features[i]
		if f.ChargePolicy == "" {
			f.ChargePolicy = model.ChargePolicyOnCompletion
		}
		if f.DurationField == "" {
			f.DurationField = defaultDurationField
		}
		if f.ActualDurationField == "" {
			f.ActualDurationField = defaultDurationField
		}
		if f.MaxRetries == nil {
			retries := cfg.DefaultMaxRetries
			f.MaxRetries = &retries
		}
		if f.ReservationTTL <= 0 {
			f.ReservationTTL = cfg.DefaultReservationTTL
		}
		if f.ExecutionTimeout <= 0 {
			f.ExecutionTimeout = cfg.DefaultExecutionTimeout
		}
		if err := f.Validate(); err != nil {
			return nil, err
		}
		if _, exists := c.features[f.Name]; exists {
			return nil, fmt.Errorf("duplicate feature %s", f.Name)
		}
		c.features[f.Name] = &f
	}
	return c, nil
}

// Lookup returns a feature by name.
func (c *Catalog) Lookup(name string) (*Feature, error) {
	f, ok := c.features[strings.TrimSpace(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidFeature, name)
	}
	return f, nil
}

// CheckProviders fails when a feature names a provider the registry cannot serve.
func (c *Catalog) CheckProviders(providers outbound.ProviderRegistryPort) error {
	for _, name := range c.Names() {
		f := c.features[name]
		if _, err := providers.Get(f.Provider); err != nil {
			return fmt.Errorf("feature %s: %w: %s", f.Name, ErrUnknownProvider, f.Provider)
		}
	}
	return nil
}

// Names returns the feature names in sorted order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.features))
	for name := range c.features {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolver computes a task's credit cost and free eligibility.
// It performs no I/O; the ledger passed in must be the locked, current row.
type Resolver struct{}

// Resolve returns the credit cost of a task and whether it consumes a free use.
func (r Resolver) Resolve(f *Feature, payload map[string]any, ledger *model.Ledger) (int64, bool, error) {
	cost, err := r.Price(f, payload, f.DurationField)
	if err != nil {
		return 0, false, err
	}
	return cost, ledger.HasFreeUse(), nil
}

// Price computes the credit cost from payload attributes.
// durationField names the attribute holding seconds for per-duration features.
func (Resolver) Price(f *Feature, payload map[string]any, durationField string) (int64, error) {
	switch f.Pricing {
	case PricingFixed:
		return f.FixedCost, nil
	case PricingPerDuration:
		seconds, err := numberField(payload, durationField)
		if err != nil {
			return 0, err
		}
		if seconds <= 0 || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
			return 0, fmt.Errorf("%w: %s must be > 0", ErrInvalidPayload, durationField)
		}
		units := math.Ceil(seconds / float64(f.UnitSeconds))
		if f.UnitCost > 0 && units >= float64(math.MaxInt64/f.UnitCost) {
			return 0, fmt.Errorf("%w: %s is too large", ErrInvalidPayload, durationField)
		}
		return int64(units) * f.UnitCost, nil
	default:
		return 0, fmt.Errorf("%w: unknown pricing %q", ErrInvalidFeature, f.Pricing)
	}
}

// ActualCost reprices a completed task from provider output.
// It returns nil when the feature keeps its authorize-time price.
func (r Resolver) ActualCost(f *Feature, output map[string]any) (*int64, error) {
	if !f.RepriceOnCompletion || f.Pricing != PricingPerDuration {
		return nil, nil
	}
	cost, err := r.Price(f, output, f.ActualDurationField)
	if err != nil {
		return nil, err
	}
	return &cost, nil
}

func numberField(payload map[string]any, field string) (float64, error) {
	raw, ok := payload[field]
	if !ok || raw == nil {
		return 0, fmt.Errorf("%w: missing %s", ErrInvalidPayload, field)
	}
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, field, err)
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, field, err)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%w: %s has type %T", ErrInvalidPayload, field, raw)
	}
}
