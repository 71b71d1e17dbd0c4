package record

import (
	"bytes"
	"math"

	"github.com/shopspring/decimal"
)

// Kind tags the dynamic type carried by a Value, mirroring the VM's
// register tags (spec §4.E) minus the VM-only agg-state/pointer tags.
type Kind int

const (
	KindNull Kind = iota
	KindInt
	KindReal
	KindText
	KindBlob
)

// Value is one column's worth of dynamically-typed storage, shared by the
// record codec and the VM's register file.
type Value struct {
	Kind Kind
	I    int64
	F    float64
	S    string
	B    []byte
}

func Null() Value            { return Value{Kind: KindNull} }
func Int(i int64) Value      { return Value{Kind: KindInt, I: i} }
func Real(f float64) Value   { return Value{Kind: KindReal, F: f} }
func Text(s string) Value    { return Value{Kind: KindText, S: s} }
func Blob(b []byte) Value    { return Value{Kind: KindBlob, B: b} }
func (v Value) IsNull() bool { return v.Kind == KindNull }

// Affinity is the column-declared type affinity (spec §4.D) that coerces
// values on insert and comparison.
type Affinity int

const (
	AffinityNone Affinity = iota
	AffinityText
	AffinityNumeric
	AffinityInteger
	AffinityReal
	AffinityBlob
)

// Apply coerces v per SQLite's affinity rules: TEXT stringifies numbers;
// NUMERIC/INTEGER/REAL attempt a lossless numeric conversion of text,
// falling back to the original value when the text is not numeric; BLOB
// and NONE never convert.
func (a Affinity) Apply(v Value) Value {
	switch a {
	case AffinityText:
		switch v.Kind {
		case KindInt, KindReal, KindText, KindNull:
			return Text(v.asText())
		}
		return v
	case AffinityNumeric, AffinityInteger, AffinityReal:
		if v.Kind != KindText {
			if a == AffinityInteger && v.Kind == KindReal {
				if i, ok := realToExactInt(v.F); ok {
					return Int(i)
				}
			}
			return v
		}
		if n, ok := parseNumericText(v.S); ok {
			if a == AffinityReal && n.Kind == KindInt {
				return Real(float64(n.I))
			}
			return n
		}
		return v
	default: // AffinityBlob, AffinityNone
		return v
	}
}

func (v Value) asText() string {
	switch v.Kind {
	case KindNull:
		return ""
	case KindInt:
		return decimal.NewFromInt(v.I).String()
	case KindReal:
		return formatReal(v.F)
	case KindText:
		return v.S
	case KindBlob:
		return string(v.B)
	}
	return ""
}

func formatReal(f float64) string {
	d := decimal.NewFromFloat(f)
	return d.String()
}

func realToExactInt(f float64) (int64, bool) {
	if f != math.Trunc(f) || f < math.MinInt64 || f > math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

// parseNumericText implements the NUMERIC-affinity text-to-number
// conversion using shopspring/decimal so a value like "10.00" is recognised
// as integral without losing precision to a float round trip first.
func parseNumericText(s string) (Value, bool) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Value{}, false
	}
	if d.IsInteger() {
		if d.GreaterThan(decimal.NewFromInt(math.MaxInt64)) || d.LessThan(decimal.NewFromInt(math.MinInt64)) {
			f, _ := d.Float64()
			return Real(f), true
		}
		return Int(d.IntPart()), true
	}
	f, _ := d.Float64()
	return Real(f), true
}

// typeRank orders NULL < number < text < blob per spec §4.D.
func (v Value) typeRank() int {
	switch v.Kind {
	case KindNull:
		return 0
	case KindInt, KindReal:
		return 1
	case KindText:
		return 2
	case KindBlob:
		return 3
	}
	return 4
}

// Compare implements the SQL value ordering used by b-tree key comparisons
// and the VM's Eq/Ne/Lt/Le/Gt/Ge opcodes (spec §4.D, invariant #4).
func Compare(a, b Value) int {
	if ra, rb := a.typeRank(), b.typeRank(); ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch a.Kind {
	case KindNull:
		return 0
	case KindInt, KindReal:
		af, bf := numericAsFloat(a), numericAsFloat(b)
		if a.Kind == KindInt && b.Kind == KindInt {
			if a.I < b.I {
				return -1
			} else if a.I > b.I {
				return 1
			}
			return 0
		}
		if af < bf {
			return -1
		} else if af > bf {
			return 1
		}
		return 0
	case KindText:
		return bytes.Compare([]byte(a.S), []byte(b.S))
	case KindBlob:
		return bytes.Compare(a.B, b.B)
	}
	return 0
}

// CompareKeys extends Compare to multi-column keys, comparing column by
// column and treating a shorter key as a prefix that sorts before any
// longer key sharing that prefix (spec §4.D "column-wise comparison" for
// index key ordering). Used by the b-tree's index search/insert/delete
// instead of a single rowid comparison.
func CompareKeys(a, b []Value) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if c := Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

func numericAsFloat(v Value) float64 {
	if v.Kind == KindInt {
		return float64(v.I)
	}
	return v.F
}
