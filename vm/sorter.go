package vm

import (
	"sort"

	"github.com/zhukovaskychina/sqlitecore/record"
)

// SortKey is one sort column: its register index within the inserted
// record and ascending/descending direction (spec §4.E sorters category).
type SortKey struct {
	Column    int
	Ascending bool
}

// Sorter buffers unsorted rows, sorts them once on demand, then hands them
// out front to back in sort order. Directly grounded on core/vdbe/sorter.rs:
// insert pushes onto an unsorted Vec, sort() does a single stable multi-key
// sort, and each Next call advances one position through the sorted slice.
type Sorter struct {
	keys    []SortKey
	records [][]record.Value
	pos     int
	sorted  bool
}

// NewSorter creates an empty sorter ordered by keys.
func NewSorter(keys []SortKey) *Sorter {
	return &Sorter{keys: keys}
}

// Insert buffers one row's column values (spec §4.E SorterInsert).
func (s *Sorter) Insert(row []record.Value) {
	s.records = append(s.records, row)
	s.sorted = false
}

// Sort performs the one-time stable sort and positions at the first
// (smallest) row (spec §4.E SorterSort).
func (s *Sorter) Sort() {
	sort.SliceStable(s.records, func(i, j int) bool {
		return s.compare(s.records[i], s.records[j]) < 0
	})
	s.pos = 0
	s.sorted = true
}

func (s *Sorter) compare(a, b []record.Value) int {
	for _, k := range s.keys {
		left, right := a[k.Column], b[k.Column]
		if !k.Ascending {
			left, right = right, left
		}
		if c := record.Compare(left, right); c != 0 {
			return c
		}
	}
	return 0
}

// HasMore reports whether another row remains (spec §4.E SorterNext
// termination check).
func (s *Sorter) HasMore() bool {
	return s.sorted && s.pos < len(s.records)
}

// Data returns the current row's values (spec §4.E SorterData).
func (s *Sorter) Data() []record.Value {
	if !s.HasMore() {
		return nil
	}
	return s.records[s.pos]
}

// Next advances to the next smallest row (spec §4.E SorterNext).
func (s *Sorter) Next() {
	s.pos++
}

// IsEmpty reports whether any row was ever inserted.
func (s *Sorter) IsEmpty() bool { return len(s.records) == 0 }
