package vm

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/zhukovaskychina/sqlitecore/record"
)

// AggFunc names the built-in aggregate functions AggStep/AggFinal drive
// (spec §4.E aggregates category).
type AggFunc int

const (
	AggCount AggFunc = iota
	AggSum
	AggAvg
	AggMin
	AggMax
	AggGroupConcat
)

// AggState accumulates one aggregate's running value across AggStep calls
// for one group, finalized once by AggFinal. Uses shopspring/decimal for
// Sum/Avg accumulation so a long run of AggStep calls does not drift the
// way repeated float64 addition would, matching the record package's own
// use of decimal for exact numeric-affinity coercion.
type AggState struct {
	Func     AggFunc
	Count    int64
	sum      decimal.Decimal
	sumIsInt bool
	min, max record.Value
	haveMM   bool
	parts    []string
	sep      string
}

// NewAggState creates the accumulator for one aggregate invocation. sep is
// only used by AggGroupConcat.
func NewAggState(f AggFunc, sep string) *AggState {
	if sep == "" {
		sep = ","
	}
	return &AggState{Func: f, sum: decimal.Zero, sumIsInt: true, sep: sep}
}

// Step folds one more row's value into the accumulator (spec §4.E
// AggStep).
func (a *AggState) Step(v record.Value) {
	a.Count++
	switch a.Func {
	case AggCount:
		return
	case AggSum, AggAvg:
		if v.IsNull() {
			return
		}
		switch v.Kind {
		case record.KindInt:
			a.sum = a.sum.Add(decimal.NewFromInt(v.I))
		case record.KindReal:
			a.sum = a.sum.Add(decimal.NewFromFloat(v.F))
			a.sumIsInt = false
		}
	case AggMin:
		if v.IsNull() {
			return
		}
		if !a.haveMM || record.Compare(v, a.min) < 0 {
			a.min = v
			a.haveMM = true
		}
	case AggMax:
		if v.IsNull() {
			return
		}
		if !a.haveMM || record.Compare(v, a.max) > 0 {
			a.max = v
			a.haveMM = true
		}
	case AggGroupConcat:
		if v.IsNull() {
			return
		}
		a.parts = append(a.parts, record.AffinityText.Apply(v).S)
	}
}

// Final produces the aggregate's result value (spec §4.E AggFinal).
func (a *AggState) Final() record.Value {
	switch a.Func {
	case AggCount:
		return record.Int(a.Count)
	case AggSum:
		if a.sumIsInt {
			return record.Int(a.sum.IntPart())
		}
		f, _ := a.sum.Float64()
		return record.Real(f)
	case AggAvg:
		if a.Count == 0 {
			return record.Null()
		}
		avg := a.sum.Div(decimal.NewFromInt(a.Count))
		f, _ := avg.Float64()
		return record.Real(f)
	case AggMin:
		if !a.haveMM {
			return record.Null()
		}
		return a.min
	case AggMax:
		if !a.haveMM {
			return record.Null()
		}
		return a.max
	case AggGroupConcat:
		if len(a.parts) == 0 {
			return record.Null()
		}
		return record.Text(strings.Join(a.parts, a.sep))
	default:
		return record.Null()
	}
}
