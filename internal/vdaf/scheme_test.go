package vdaf

import (
	"bytes"
	"math/rand"
	"testing"
)

func testVerifyKey() [32]byte {
	var k [32]byte
	for i := range k {
		k[i] = byte(i * 7)
	}

	return k
}

func testReportID(seed byte) [16]byte {
	var id [16]byte
	for i := range id {
		id[i] = seed + byte(i)
	}

	return id
}

// runPrep drives both parties through a full preparation and requires them
// to reach the same conclusion. Returns the output shares on acceptance.
func runPrep(t *testing.T, s Scheme, reportID [16]byte, shares [][]byte) ([]uint64, []uint64, bool) {
	t.Helper()

	key := testVerifyKey()

	lState, lShare, err := s.PrepInit(key, RoleLeader, reportID, nil, shares[0])
	if err != nil {
		t.Fatalf("leader prep init: %v", err)
	}

	hState, hShare, err := s.PrepInit(key, RoleHelper, reportID, nil, shares[1])
	if err != nil {
		t.Fatalf("helper prep init: %v", err)
	}

	lRes, err := s.PrepNext(lState, hShare)
	if err != nil {
		t.Fatalf("leader prep next: %v", err)
	}

	hRes, err := s.PrepNext(hState, lShare)
	if err != nil {
		t.Fatalf("helper prep next: %v", err)
	}

	if lRes.Status != hRes.Status {
		t.Fatalf("parties disagree: leader %d, helper %d", lRes.Status, hRes.Status)
	}

	if lRes.Status == PrepRejected {
		return nil, nil, false
	}

	if lRes.Status != PrepFinished {
		t.Fatalf("unexpected status %d", lRes.Status)
	}

	return lRes.Output, hRes.Output, true
}

func TestCountAcceptsValidMeasurements(t *testing.T) {
	s := NewCount()

	for _, m := range []uint64{0, 1} {
		shares, err := s.Shard(m)
		if err != nil {
			t.Fatalf("shard %d: %v", m, err)
		}

		lOut, hOut, ok := runPrep(t, s, testReportID(byte(m)), shares)
		if !ok {
			t.Fatalf("valid measurement %d rejected", m)
		}

		agg, err := Unshard(lOut, hOut)
		if err != nil {
			t.Fatalf("unshard: %v", err)
		}
		if agg[0] != m {
			t.Errorf("aggregate %d, want %d", agg[0], m)
		}
	}
}

func TestCountRejectsOutOfRange(t *testing.T) {
	if _, err := NewCount().Shard(2); err == nil {
		t.Fatal("shard accepted measurement 2")
	}
}

func TestForgedShareRejected(t *testing.T) {
	s := NewCount()

	// A measurement vector outside {0,1} must fail the gadget check even
	// though each share on its own looks well-formed.
	base := s.(*countScheme)
	shares, err := base.shard([]uint64{2})
	if err != nil {
		t.Fatalf("shard: %v", err)
	}

	if _, _, ok := runPrep(t, s, testReportID(9), shares); ok {
		t.Fatal("forged measurement accepted")
	}
}

func TestMixedSharesRejected(t *testing.T) {
	s := NewCount()

	a, err := s.Shard(1)
	if err != nil {
		t.Fatalf("shard: %v", err)
	}
	b, err := s.Shard(1)
	if err != nil {
		t.Fatalf("shard: %v", err)
	}

	// Leader share from one report, helper share from another: the
	// recombined input is garbage and must not verify.
	if _, _, ok := runPrep(t, s, testReportID(3), [][]byte{a[0], b[1]}); ok {
		t.Fatal("mixed shares accepted")
	}
}

func TestHistogramOneHot(t *testing.T) {
	s, err := NewHistogram(10)
	if err != nil {
		t.Fatalf("new histogram: %v", err)
	}

	shares, err := s.Shard(7)
	if err != nil {
		t.Fatalf("shard: %v", err)
	}

	lOut, hOut, ok := runPrep(t, s, testReportID(1), shares)
	if !ok {
		t.Fatal("valid bucket rejected")
	}

	agg, err := Unshard(lOut, hOut)
	if err != nil {
		t.Fatalf("unshard: %v", err)
	}

	for i, v := range agg {
		want := uint64(0)
		if i == 7 {
			want = 1
		}
		if v != want {
			t.Errorf("bucket %d = %d, want %d", i, v, want)
		}
	}
}

func TestHistogramRejectsTwoHot(t *testing.T) {
	s, err := NewHistogram(4)
	if err != nil {
		t.Fatalf("new histogram: %v", err)
	}

	// Two buckets set: every element passes the 0/1 gadget but the sum
	// check must catch it.
	base := &s.(*histogramScheme).flpBase
	shares, err := base.shard([]uint64{1, 0, 1, 0})
	if err != nil {
		t.Fatalf("shard: %v", err)
	}

	if _, _, ok := runPrep(t, s, testReportID(2), shares); ok {
		t.Fatal("two-hot vector accepted")
	}
}

func TestHistogramRejectsBucketOutOfRange(t *testing.T) {
	s, err := NewHistogram(4)
	if err != nil {
		t.Fatalf("new histogram: %v", err)
	}

	if _, err := s.Shard(4); err == nil {
		t.Fatal("shard accepted out-of-range bucket")
	}
}

func TestSumAggregates(t *testing.T) {
	s, err := NewSum(16)
	if err != nil {
		t.Fatalf("new sum: %v", err)
	}

	acc := make([]uint64, s.AggregateLen())
	total := uint64(0)

	for i, m := range []uint64{3, 5, 60000, 0} {
		shares, err := s.Shard(m)
		if err != nil {
			t.Fatalf("shard %d: %v", m, err)
		}

		lOut, hOut, ok := runPrep(t, s, testReportID(byte(i)), shares)
		if !ok {
			t.Fatalf("valid measurement %d rejected", m)
		}

		sum, err := Unshard(lOut, hOut)
		if err != nil {
			t.Fatalf("unshard: %v", err)
		}

		if err := Combine(acc, sum); err != nil {
			t.Fatalf("combine: %v", err)
		}
		total += m
	}

	if acc[0] != total {
		t.Errorf("aggregate %d, want %d", acc[0], total)
	}
}

func TestSumRejectsOutOfRange(t *testing.T) {
	s, err := NewSum(8)
	if err != nil {
		t.Fatalf("new sum: %v", err)
	}

	if _, err := s.Shard(256); err == nil {
		t.Fatal("shard accepted out-of-range value")
	}
}

func TestSumRejectsNonBitShare(t *testing.T) {
	s, err := NewSum(4)
	if err != nil {
		t.Fatalf("new sum: %v", err)
	}

	// Claiming the value 16 through a single "bit" of weight 1 set to 16.
	base := &s.(*sumScheme).flpBase
	shares, err := base.shard([]uint64{16, 0, 0, 0})
	if err != nil {
		t.Fatalf("shard: %v", err)
	}

	if _, _, ok := runPrep(t, s, testReportID(8), shares); ok {
		t.Fatal("non-bit share accepted")
	}
}

func TestCombineOrderIndependent(t *testing.T) {
	s, err := NewHistogram(6)
	if err != nil {
		t.Fatalf("new histogram: %v", err)
	}

	var outputs [][]uint64
	for i := 0; i < 8; i++ {
		shares, err := s.Shard(uint64(i % 6))
		if err != nil {
			t.Fatalf("shard: %v", err)
		}

		lOut, hOut, ok := runPrep(t, s, testReportID(byte(i)), shares)
		if !ok {
			t.Fatalf("report %d rejected", i)
		}
		outputs = append(outputs, lOut, hOut)
	}

	combineAll := func(order []int) []uint64 {
		acc := make([]uint64, s.AggregateLen())
		for _, idx := range order {
			if err := Combine(acc, outputs[idx]); err != nil {
				t.Fatalf("combine: %v", err)
			}
		}
		return acc
	}

	order := make([]int, len(outputs))
	for i := range order {
		order[i] = i
	}
	want := combineAll(order)

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 10; trial++ {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		got := combineAll(order)
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("trial %d: accumulator differs at %d", trial, i)
			}
		}
	}
}

func TestPrepRejectsAggParam(t *testing.T) {
	s := NewCount()

	shares, err := s.Shard(1)
	if err != nil {
		t.Fatalf("shard: %v", err)
	}

	if _, _, err := s.PrepInit(testVerifyKey(), RoleLeader, testReportID(0), []byte{1}, shares[0]); err == nil {
		t.Fatal("prep init accepted aggregation parameter")
	}
}

func TestPrepRejectsMalformedShare(t *testing.T) {
	s := NewCount()

	shares, err := s.Shard(1)
	if err != nil {
		t.Fatalf("shard: %v", err)
	}

	if _, _, err := s.PrepInit(testVerifyKey(), RoleLeader, testReportID(0), nil, shares[0][:8]); err == nil {
		t.Fatal("prep init accepted truncated share")
	}

	// Wrong vector length for the scheme.
	other, err := NewHistogram(3)
	if err != nil {
		t.Fatalf("new histogram: %v", err)
	}
	wrong, err := other.Shard(0)
	if err != nil {
		t.Fatalf("shard: %v", err)
	}

	if _, _, err := s.PrepInit(testVerifyKey(), RoleLeader, testReportID(0), nil, wrong[0]); err == nil {
		t.Fatal("prep init accepted share for a different scheme")
	}
}

func TestPrepNextRejectsMalformedInbound(t *testing.T) {
	s := NewCount()

	shares, err := s.Shard(1)
	if err != nil {
		t.Fatalf("shard: %v", err)
	}

	state, _, err := s.PrepInit(testVerifyKey(), RoleLeader, testReportID(0), nil, shares[0])
	if err != nil {
		t.Fatalf("prep init: %v", err)
	}

	if _, err := s.PrepNext(state, []byte{1, 2, 3}); err == nil {
		t.Fatal("prep next accepted short inbound")
	}

	nonCanonical := make([]byte, verifierLen*8)
	for i := range nonCanonical {
		nonCanonical[i] = 0xff
	}
	if _, err := s.PrepNext(state, nonCanonical); err == nil {
		t.Fatal("prep next accepted non-canonical element")
	}
}

func TestQueryRandDeterministic(t *testing.T) {
	key := testVerifyKey()

	a, err := deriveQueryRand(key, testReportID(1), 4)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	b, err := deriveQueryRand(key, testReportID(1), 4)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}

	if a != b {
		t.Error("query rand not deterministic")
	}

	c, err := deriveQueryRand(key, testReportID(2), 4)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if a == c {
		t.Error("query rand does not depend on report id")
	}

	if a.point <= 4 {
		t.Errorf("query point %d collides with interpolation points", a.point)
	}
	if a.fold == 0 {
		t.Error("fold coefficient is zero")
	}
}

func TestVerifierShareRoundTrip(t *testing.T) {
	v := []uint64{1, Modulus - 1, 0, 12345}

	decoded, err := DecodeVerifierShare(EncodeVerifierShare(v))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	for i := range v {
		if decoded[i] != v[i] {
			t.Errorf("element %d = %d, want %d", i, decoded[i], v[i])
		}
	}
}

func TestShardSharesDiffer(t *testing.T) {
	s := NewCount()

	shares, err := s.Shard(1)
	if err != nil {
		t.Fatalf("shard: %v", err)
	}

	if bytes.Equal(shares[0], shares[1]) {
		t.Fatal("shares are identical")
	}

	again, err := s.Shard(1)
	if err != nil {
		t.Fatalf("shard: %v", err)
	}

	if bytes.Equal(shares[0], again[0]) {
		t.Fatal("sharding is not randomized")
	}
}

func TestFromConfig(t *testing.T) {
	cases := []struct {
		scheme uint32
		param  uint32
		ok     bool
	}{
		{SchemeCount, 0, true},
		{SchemeSum, 32, true},
		{SchemeSum, 0, false},
		{SchemeSum, 64, false},
		{SchemeHistogram, 100, true},
		{SchemeHistogram, 0, false},
		{SchemeHistogram, MaxHistogramLen + 1, false},
		{99, 0, false},
	}

	for _, c := range cases {
		_, err := FromConfig(c.scheme, c.param)
		if (err == nil) != c.ok {
			t.Errorf("FromConfig(%d, %d): err=%v, want ok=%v", c.scheme, c.param, err, c.ok)
		}
	}
}

func TestUnshardLengthMismatch(t *testing.T) {
	if _, err := Unshard([]uint64{1}, []uint64{1, 2}); err == nil {
		t.Fatal("unshard accepted mismatched lengths")
	}
}
