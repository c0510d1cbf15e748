package measure

import (
	"path/filepath"
	"testing"
)

func TestRecordCacheRoundTrip(t *testing.T) {
	cache, err := OpenRecordCacheAt(filepath.Join(t.TempDir(), "strata"))
	if err != nil {
		t.Fatalf("OpenRecordCacheAt: %v", err)
	}

	rec := &Record{
		WorkloadKey: "A[64,64];B[64,64];C[64,64]r[64]",
		Target:      "cpu",
		Steps:       "SP 2 0 64 8 1\nAN 2 0 parallel\n",
		Costs:       []float64{0.5, 0.25},
		MeanCost:    0.375,
	}
	if err := cache.Put(rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	var got Record
	found, err := cache.Get(rec.WorkloadKey, &got)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found {
		t.Fatalf("record not found after Put")
	}
	if got.Steps != rec.Steps || got.MeanCost != rec.MeanCost || got.Target != rec.Target {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, rec)
	}
	if len(got.Costs) != 2 || got.Costs[0] != 0.5 {
		t.Fatalf("costs round trip mismatch: %v", got.Costs)
	}
	if got.UnixTime == 0 {
		t.Fatalf("Put should stamp the record")
	}
}

func TestRecordCacheMissing(t *testing.T) {
	cache, err := OpenRecordCacheAt(filepath.Join(t.TempDir(), "strata"))
	if err != nil {
		t.Fatalf("OpenRecordCacheAt: %v", err)
	}
	var out Record
	found, err := cache.Get("unknown-workload", &out)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Fatalf("missing record reported found")
	}
}

func TestRecordCacheReplaces(t *testing.T) {
	cache, err := OpenRecordCacheAt(filepath.Join(t.TempDir(), "strata"))
	if err != nil {
		t.Fatalf("OpenRecordCacheAt: %v", err)
	}
	key := "wk"
	if err := cache.Put(&Record{WorkloadKey: key, MeanCost: 2}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := cache.Put(&Record{WorkloadKey: key, MeanCost: 1}); err != nil {
		t.Fatalf("second Put: %v", err)
	}
	var got Record
	if found, err := cache.Get(key, &got); err != nil || !found {
		t.Fatalf("Get: found=%v err=%v", found, err)
	}
	if got.MeanCost != 1 {
		t.Fatalf("mean cost = %v, want the replacement record", got.MeanCost)
	}
}

func TestDigestWorkloadKey(t *testing.T) {
	a := DigestWorkloadKey("x")
	b := DigestWorkloadKey("x")
	c := DigestWorkloadKey("y")
	if a != b {
		t.Fatalf("digest is not stable")
	}
	if a == c {
		t.Fatalf("distinct keys share a digest")
	}
	if len(a) != 64 {
		t.Fatalf("digest length = %d, want 64 hex chars", len(a))
	}
}
