package domain

import "time"

// Variant identifies a sellable variant of a product. A nil *Variant is the
// base product.
type Variant struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// NormalizeVariant maps an empty variant to nil.
func NormalizeVariant(v *Variant) *Variant {
	if v == nil || (v.Type == "" && v.Value == "") {
		return nil
	}
	return &Variant{Type: v.Type, Value: v.Value}
}

// SameVariant reports exact equality of two variant keys. nil only matches nil.
func SameVariant(a, b *Variant) bool {
	a, b = NormalizeVariant(a), NormalizeVariant(b)
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Type == b.Type && a.Value == b.Value
}

// ReservationKey is the scarce resource a reservation holds.
type ReservationKey struct {
	ProductID string
	Variant   *Variant
}

// String renders the key for storage, e.g. "p-1" or "p-1|size:XL".
func (k ReservationKey) String() string {
	v := NormalizeVariant(k.Variant)
	if v == nil {
		return k.ProductID
	}
	return k.ProductID + "|" + v.Type + ":" + v.Value
}

type Reservation struct {
	ProductID  string    `json:"product_id"`
	Variant    *Variant  `json:"variant,omitempty"`
	Quantity   int       `json:"quantity"`
	ReservedAt time.Time `json:"reserved_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func (r Reservation) Key() ReservationKey {
	return ReservationKey{ProductID: r.ProductID, Variant: r.Variant}
}

func (r Reservation) Matches(key ReservationKey) bool {
	return r.ProductID == key.ProductID && SameVariant(r.Variant, key.Variant)
}

// ExpiredAt reports whether the hold no longer counts at now.
func (r Reservation) ExpiredAt(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// ReleasedReservation is one entry removed by an expiry sweep.
type ReleasedReservation struct {
	CartID    string    `json:"cart_id"`
	ProductID string    `json:"product_id"`
	Variant   *Variant  `json:"variant,omitempty"`
	Quantity  int       `json:"quantity"`
	ExpiredAt time.Time `json:"expired_at"`
}
