package domain

import "github.com/shopspring/decimal"

type ProductVariant struct {
	Type  string           `json:"type"`
	Value string           `json:"value"`
	Stock int              `json:"stock"`
	Price *decimal.Decimal `json:"price,omitempty"`
}

// Product is the read-only inventory snapshot the reservation core consumes.
type Product struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Price       decimal.Decimal  `json:"price"`
	Stock       int              `json:"stock"`
	Unlimited   bool             `json:"unlimited"`
	IsActive    bool             `json:"is_active"`
	IsAvailable bool             `json:"is_available"`
	Variants    []ProductVariant `json:"variants,omitempty"`
}

// FindVariant returns the variant definition matching v.
func (p *Product) FindVariant(v *Variant) (*ProductVariant, bool) {
	if v == nil {
		return nil, false
	}
	for i := range p.Variants {
		if p.Variants[i].Type == v.Type && p.Variants[i].Value == v.Value {
			return &p.Variants[i], true
		}
	}
	return nil, false
}

// UnitPrice is the variant price when the variant defines one.
func (p *Product) UnitPrice(v *Variant) decimal.Decimal {
	if pv, ok := p.FindVariant(v); ok && pv.Price != nil {
		return *pv.Price
	}
	return p.Price
}
