// Package vm implements the bytecode virtual machine (spec §4.E): a
// register file, a cursor table, program-counter-driven dispatch over the
// program package's opcodes, aggregate and sorter state, and the
// transaction/result-row contract connections drive. Grounded on the
// teacher's manager/enhanced_btree_adapter.go + innodb_store/store
// execution flow (open cursor, seek, step, row materialize), replacing
// InnoDB's plan-tree walk with a flat register-machine dispatch loop the
// way SQLite's own vdbe.c is structured.
package vm

import (
	"github.com/zhukovaskychina/sqlitecore/record"
)

// RegKind tags what a Register currently holds (spec §4.E: "null / int64
// / f64 / text / blob / agg-state / pointer-to-record").
type RegKind int

const (
	RegNull RegKind = iota
	RegInt
	RegReal
	RegText
	RegBlob
	RegAgg
	RegRecordPtr
)

// Register is one VM register's tagged value.
type Register struct {
	Kind    RegKind
	I       int64
	F       float64
	S       string
	B       []byte
	Agg     *AggState
	Record  []record.Value // RegRecordPtr: an unpacked row awaiting MakeRecord
}

func NullReg() Register              { return Register{Kind: RegNull} }
func IntReg(v int64) Register        { return Register{Kind: RegInt, I: v} }
func RealReg(v float64) Register     { return Register{Kind: RegReal, F: v} }
func TextReg(v string) Register      { return Register{Kind: RegText, S: v} }
func BlobReg(v []byte) Register      { return Register{Kind: RegBlob, B: v} }

// ToValue converts a register to the record.Value the record codec and
// comparator operate on; RegAgg/RegRecordPtr have no scalar meaning and
// convert to NULL.
func (r Register) ToValue() record.Value {
	switch r.Kind {
	case RegInt:
		return record.Int(r.I)
	case RegReal:
		return record.Real(r.F)
	case RegText:
		return record.Text(r.S)
	case RegBlob:
		return record.Blob(r.B)
	default:
		return record.Null()
	}
}

// FromValue lifts a record.Value into its matching Register kind.
func FromValue(v record.Value) Register {
	switch v.Kind {
	case record.KindInt:
		return IntReg(v.I)
	case record.KindReal:
		return RealReg(v.F)
	case record.KindText:
		return TextReg(v.S)
	case record.KindBlob:
		return BlobReg(v.B)
	default:
		return NullReg()
	}
}

// IsTruthy implements the If/IfNot opcodes' notion of truth: NULL and
// zero are false, everything else (including non-empty text/blob, per
// SQLite's numeric coercion for conditionals) is true.
func (r Register) IsTruthy() bool {
	switch r.Kind {
	case RegNull:
		return false
	case RegInt:
		return r.I != 0
	case RegReal:
		return r.F != 0
	case RegText:
		v := record.AffinityNumeric.Apply(record.Text(r.S))
		switch v.Kind {
		case record.KindInt:
			return v.I != 0
		case record.KindReal:
			return v.F != 0
		}
		return r.S != ""
	default:
		return len(r.B) > 0
	}
}
