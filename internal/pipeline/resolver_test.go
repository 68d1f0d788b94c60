package pipeline

import (
	"testing"

	"github.com/MeKo-Tech/pageorder/internal/keys"
	"github.com/stretchr/testify/assert"
)

func preferredKey(v string) keys.Key { return keys.Key{Value: v, Prefix: "0900", Preferred: true} }
func otherKey(v string) keys.Key     { return keys.Key{Value: v, Prefix: v[:4]} }

func indices(records []PageRecord) []int {
	out := make([]int, len(records))
	for i, r := range records {
		out[i] = r.Index
	}
	return out
}

func TestResolve_TiersThenKeys(t *testing.T) {
	records := []PageRecord{
		{Index: 0, Key: otherKey("0800000001")},
		{Index: 1},
		{Index: 2, Key: preferredKey("0900000002")},
		{Index: 3, Key: otherKey("0700000001")},
		{Index: 4, Key: preferredKey("0900000001")},
		{Index: 5, Fault: "timeout"},
	}

	got := Resolve(records)

	assert.Equal(t, []int{4, 2, 3, 0, 1, 5}, indices(got))
}

func TestResolve_ScanOrderBreaksTies(t *testing.T) {
	records := []PageRecord{
		{Index: 0, Key: preferredKey("0900000005")},
		{Index: 1},
		{Index: 2, Key: preferredKey("0900000005")},
		{Index: 3},
		{Index: 4, Key: preferredKey("0900000001")},
	}

	assert.Equal(t, []int{4, 0, 2, 1, 3}, indices(Resolve(records)))
}

func TestResolve_KeysCompareAsDigitStrings(t *testing.T) {
	records := []PageRecord{
		{Index: 0, Key: preferredKey("0900000010")},
		{Index: 1, Key: preferredKey("0900000009")},
	}

	assert.Equal(t, []int{1, 0}, indices(Resolve(records)))
}

func TestResolve_DoesNotModifyInput(t *testing.T) {
	records := []PageRecord{
		{Index: 0},
		{Index: 1, Key: preferredKey("0900000001")},
	}
	before := append([]PageRecord(nil), records...)

	_ = Resolve(records)

	assert.Equal(t, before, records)
}

func TestResolve_IsIdempotent(t *testing.T) {
	records := []PageRecord{
		{Index: 0, Key: otherKey("0800000003")},
		{Index: 1, Key: preferredKey("0900000002")},
		{Index: 2},
		{Index: 3, Key: preferredKey("0900000001")},
	}

	once := Resolve(records)
	assert.Equal(t, once, Resolve(once))
	assert.Equal(t, once, Resolve(Resolve(records)))
}

func TestResolve_Empty(t *testing.T) {
	assert.Empty(t, Resolve(nil))
}

func TestCompare(t *testing.T) {
	a := PageRecord{Index: 3, Key: preferredKey("0900000001")}
	b := PageRecord{Index: 1, Key: otherKey("0800000000")}
	c := PageRecord{Index: 0}

	assert.Negative(t, Compare(a, b))
	assert.Negative(t, Compare(b, c))
	assert.Positive(t, Compare(c, a))
	assert.Zero(t, Compare(a, a))
}
