package userstream

import (
	"strconv"
	"testing"
)

func TestProcessedSetAddIsIdempotent(t *testing.T) {
	p := NewProcessedSet()

	if !p.Add("trade-1") {
		t.Fatal("first Add should report newly added")
	}
	if p.Add("trade-1") {
		t.Fatal("second Add of the same id should report already present")
	}
	if !p.Seen("trade-1") {
		t.Fatal("Seen should report true after Add")
	}
	if p.Seen("trade-2") {
		t.Fatal("Seen should report false for an id never added")
	}
}

func TestProcessedSetEvictsOldestHalfAtCapacity(t *testing.T) {
	p := NewProcessedSet()
	for i := 0; i < processedCap; i++ {
		p.Add("id-" + strconv.Itoa(i))
	}
	if p.Len() != processedCap {
		t.Fatalf("Len()=%d, want %d", p.Len(), processedCap)
	}

	// One more Add should trigger eviction of the oldest half.
	p.Add("id-new")
	if p.Len() != processedCap/2+1 {
		t.Fatalf("Len() after eviction=%d, want %d", p.Len(), processedCap/2+1)
	}

	// The oldest ids are gone...
	if p.Seen("id-0") {
		t.Fatal("oldest id should have been evicted")
	}
	// ...but the newest half survives.
	if !p.Seen("id-" + strconv.Itoa(processedCap-1)) {
		t.Fatal("newest id before eviction should still be present")
	}
	if !p.Seen("id-new") {
		t.Fatal("just-added id should be present")
	}
}
