package tracking

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) (*FileStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent-storage.json")
	store := NewFileStore(path)
	if err := store.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return store, path
}

func TestFileStoreRoundTrip(t *testing.T) {
	store, path := newTestStore(t)

	answerID := uint64(3)
	req := &TrackedRequest{
		RequestID:        42,
		Category:         "sports",
		ValidFrom:        1700000000,
		Deadline:         1700003600,
		IPFSCID:          "bafkreigh2akiscaildcqabsyg3dfr6chu3fgpregiymsck7e7aqa4s52zy",
		Reward:           "5000",
		BondRequired:     "1000",
		Status:           StatusProposed,
		MyAnswerID:       &answerID,
		ResolvedAt:       1700001000,
		FinalizationTime: 1700001300,
	}
	if err := store.Put(req); err != nil {
		t.Fatalf("Put: %v", err)
	}

	reloaded := NewFileStore(path)
	if err := reloaded.Load(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	got, ok := reloaded.Get(42)
	if !ok {
		t.Fatal("request 42 missing after reload")
	}
	if got.Category != "sports" || got.Status != StatusProposed {
		t.Fatalf("reloaded fields wrong: %+v", got)
	}
	if got.MyAnswerID == nil || *got.MyAnswerID != 3 {
		t.Fatalf("myAnswerId = %v, want 3", got.MyAnswerID)
	}
	if got.FinalizationTime != 1700001300 {
		t.Fatalf("finalizationTime = %d", got.FinalizationTime)
	}

	// 文件外层必须是 trackedRequests 对象。
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	var doc map[string]map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("file is not valid JSON: %v", err)
	}
	if _, ok := doc["trackedRequests"]["42"]; !ok {
		t.Fatalf("trackedRequests.42 missing, file: %s", raw)
	}
}

func TestFileStoreMissingAndCorruptFile(t *testing.T) {
	dir := t.TempDir()

	missing := NewFileStore(filepath.Join(dir, "nope.json"))
	if err := missing.Load(context.Background()); err != nil {
		t.Fatalf("missing file should load empty, got %v", err)
	}
	if missing.Len() != 0 {
		t.Fatalf("expected empty store, len=%d", missing.Len())
	}

	corruptPath := filepath.Join(dir, "corrupt.json")
	if err := os.WriteFile(corruptPath, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}
	corrupt := NewFileStore(corruptPath)
	if err := corrupt.Load(context.Background()); err != nil {
		t.Fatalf("corrupt file should load empty, got %v", err)
	}
	if corrupt.Len() != 0 {
		t.Fatalf("expected empty store after corrupt load, len=%d", corrupt.Len())
	}
}

func TestFileStoreUpdateAndRemove(t *testing.T) {
	store, _ := newTestStore(t)

	if err := store.Put(&TrackedRequest{RequestID: 7, Status: StatusPending}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	ok, err := store.Update(7, func(r *TrackedRequest) {
		r.Status = StatusDisputed
		r.IsDisputed = true
	})
	if err != nil || !ok {
		t.Fatalf("Update = (%v, %v)", ok, err)
	}
	got, _ := store.Get(7)
	if got.Status != StatusDisputed || !got.IsDisputed {
		t.Fatalf("update not applied: %+v", got)
	}

	ok, err = store.Update(99, func(r *TrackedRequest) {})
	if err != nil || ok {
		t.Fatalf("update of untracked id should be (false, nil), got (%v, %v)", ok, err)
	}

	if err := store.Remove(7); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := store.Get(7); ok {
		t.Fatal("request 7 still present after Remove")
	}
	if err := store.Remove(7); err != nil {
		t.Fatalf("second Remove should be a no-op, got %v", err)
	}
}

func TestFileStoreSnapshotIsolation(t *testing.T) {
	store, _ := newTestStore(t)
	if err := store.Put(&TrackedRequest{RequestID: 1, Status: StatusPending}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	snap := store.Snapshot()
	snap[1].Status = StatusDisputed

	got, _ := store.Get(1)
	if got.Status != StatusPending {
		t.Fatalf("snapshot mutation leaked into store: %+v", got)
	}
}

func TestInflightSet(t *testing.T) {
	store, _ := newTestStore(t)

	if !store.TryAcquire(5) {
		t.Fatal("first acquire should succeed")
	}
	if store.TryAcquire(5) {
		t.Fatal("second acquire while held should fail")
	}
	if !store.TryAcquire(6) {
		t.Fatal("distinct ids must not contend")
	}
	store.Release(5)
	if !store.TryAcquire(5) {
		t.Fatal("acquire after release should succeed")
	}
	// 未持有时的归还是空操作。
	store.Release(99)
}

func TestEligibility(t *testing.T) {
	now := int64(1700000500)
	req := &TrackedRequest{Status: StatusPending, ValidFrom: 1700000000, Deadline: 1700003600}
	if !req.Eligible(now) {
		t.Fatal("pending request inside window should be eligible")
	}
	if req.Eligible(1699999999) {
		t.Fatal("request before validFrom must not be eligible")
	}
	if req.Eligible(1700003601) {
		t.Fatal("request after deadline must not be eligible")
	}

	proposed := &TrackedRequest{Status: StatusProposed, ValidFrom: 1700000000, Deadline: 1700003600}
	if proposed.Eligible(now) {
		t.Fatal("proposed request must not be eligible")
	}

	answered := req.Clone()
	id := uint64(0)
	answered.MyAnswerID = &id
	if answered.Eligible(now) {
		t.Fatal("request with recorded answer must not be eligible")
	}
}
