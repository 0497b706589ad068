package discounts

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

type Kind string

const (
	KindPercentage Kind = "percentage"
	KindFixed      Kind = "fixed"
	KindBuyXGetY   Kind = "buy_x_get_y"
	KindVolume     Kind = "volume"
)

var hundred = decimal.NewFromInt(100)

// Cart is what a discount is evaluated against.
type Cart struct {
	Subtotal decimal.Decimal
	Quantity int
}

func (c Cart) averageUnitPrice() decimal.Decimal {
	if c.Quantity <= 0 {
		return decimal.Zero
	}
	return c.Subtotal.Div(decimal.NewFromInt(int64(c.Quantity)))
}

// Rule is the closed set of discount models. The unexported method keeps implementations inside
// this package, so Percentage, Fixed, BuyXGetY and Volume are the only variants.
type Rule interface {
	Kind() Kind
	raw(c Cart) decimal.Decimal
}

type Percentage struct {
	Percent   decimal.Decimal
	MaxAmount decimal.NullDecimal
}

func (Percentage) Kind() Kind { return KindPercentage }

func (p Percentage) raw(c Cart) decimal.Decimal {
	amt := c.Subtotal.Mul(p.Percent).Div(hundred)
	if p.MaxAmount.Valid && amt.GreaterThan(p.MaxAmount.Decimal) {
		amt = p.MaxAmount.Decimal
	}
	return amt
}

type Fixed struct {
	Amount decimal.Decimal
}

func (Fixed) Kind() Kind { return KindFixed }

func (f Fixed) raw(Cart) decimal.Decimal { return f.Amount }

// BuyXGetY gives FreeQty units free for every BuyQty+FreeQty units in the cart, priced at the
// cart's average unit price.
type BuyXGetY struct {
	BuyQty  int
	FreeQty int
}

func (BuyXGetY) Kind() Kind { return KindBuyXGetY }

func (b BuyXGetY) raw(c Cart) decimal.Decimal {
	group := b.BuyQty + b.FreeQty
	if group <= 0 || b.FreeQty <= 0 || c.Quantity <= 0 {
		return decimal.Zero
	}
	free := (c.Quantity / group) * b.FreeQty
	return c.averageUnitPrice().Mul(decimal.NewFromInt(int64(free)))
}

type VolumeTier struct {
	MinQty  int
	Percent decimal.Decimal
}

type Volume struct {
	Tiers []VolumeTier
}

func (Volume) Kind() Kind { return KindVolume }

func (v Volume) raw(c Cart) decimal.Decimal {
	var best *VolumeTier
	for i := range v.Tiers {
		t := &v.Tiers[i]
		if t.MinQty > c.Quantity {
			continue
		}
		if best == nil || t.MinQty > best.MinQty {
			best = t
		}
	}
	if best == nil {
		return decimal.Zero
	}
	return c.Subtotal.Mul(best.Percent).Div(hundred)
}

// RuleSpec is the flat storage shape of a discount definition.
type RuleSpec struct {
	Kind      Kind
	Value     decimal.Decimal
	MaxAmount decimal.NullDecimal
	BuyQty    int
	FreeQty   int
	Tiers     []VolumeTier
}

// Build turns a stored definition into its variant.
func Build(s RuleSpec) (Rule, error) {
	switch s.Kind {
	case KindPercentage:
		return Percentage{Percent: s.Value, MaxAmount: s.MaxAmount}, nil
	case KindFixed:
		return Fixed{Amount: s.Value}, nil
	case KindBuyXGetY:
		if s.BuyQty < 0 || s.FreeQty <= 0 {
			return nil, fmt.Errorf("buy_x_get_y needs free qty > 0 (buy=%d free=%d)", s.BuyQty, s.FreeQty)
		}
		return BuyXGetY{BuyQty: s.BuyQty, FreeQty: s.FreeQty}, nil
	case KindVolume:
		tiers := append([]VolumeTier(nil), s.Tiers...)
		sort.Slice(tiers, func(i, j int) bool { return tiers[i].MinQty < tiers[j].MinQty })
		return Volume{Tiers: tiers}, nil
	default:
		return nil, fmt.Errorf("unknown discount type %q", s.Kind)
	}
}
