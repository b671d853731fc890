package collateral

import "math/big"

// ValueKind discriminates the typed metadata union.
type ValueKind uint8

const (
	KindText ValueKind = iota
	KindNumber
)

// Value is a tagged union for collateral metadata entries. Warehouse receipts
// carry a mix of free-text descriptors and integer quantities; consumers go
// through the typed accessors and never inspect the raw representation.
type Value struct {
	kind   ValueKind
	text   string
	number *big.Int
}

// TextValue wraps a string metadata entry.
func TextValue(s string) Value { return Value{kind: KindText, text: s} }

// NumberValue wraps an integer metadata entry. The value is copied.
func NumberValue(n *big.Int) Value {
	v := Value{kind: KindNumber, number: big.NewInt(0)}
	if n != nil {
		v.number = new(big.Int).Set(n)
	}
	return v
}

// Kind reports which arm of the union is populated.
func (v Value) Kind() ValueKind { return v.kind }

// Text returns the string arm. The second result is false for non-text
// entries.
func (v Value) Text() (string, bool) {
	if v.kind != KindText {
		return "", false
	}
	return v.text, true
}

// Number returns a copy of the numeric arm. The second result is false for
// non-numeric entries.
func (v Value) Number() (*big.Int, bool) {
	if v.kind != KindNumber || v.number == nil {
		return nil, false
	}
	return new(big.Int).Set(v.number), true
}

// Metadata is the dynamic key-value bag attached to a collateral token.
type Metadata map[string]Value

// Text extracts a text entry by key.
func (m Metadata) Text(key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	return v.Text()
}

// Number extracts a numeric entry by key.
func (m Metadata) Number(key string) (*big.Int, bool) {
	v, ok := m[key]
	if !ok {
		return nil, false
	}
	return v.Number()
}

// Clone returns a deep copy of the bag.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		if v.kind == KindNumber {
			out[k] = NumberValue(v.number)
			continue
		}
		out[k] = v
	}
	return out
}

// Canonical metadata keys written by the warehouse-receipt issuer.
const (
	KeyValuation = "valuation"
	KeyCommodity = "commodity"
	KeyQuantity  = "quantity"
	KeyGrade     = "grade"
	KeyWarehouse = "warehouse"
)
