package remediation

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
)

const testNamespace = "taskfleet"

func newTestStore(t *testing.T, objs ...client.Object) (*Store, client.Client) {
	t.Helper()
	scheme := runtime.NewScheme()
	if err := corev1.AddToScheme(scheme); err != nil {
		t.Fatal(err)
	}
	c := fake.NewClientBuilder().
		WithScheme(scheme).
		WithObjects(objs...).
		Build()
	return NewStore(c, testNamespace, zap.NewNop().Sugar()), c
}

func TestStore_LoadAbsent(t *testing.T) {
	store, _ := newTestStore(t)

	state, err := store.Load(context.Background(), 101, 7)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if state != nil {
		t.Errorf("expected nil state, got %+v", state)
	}
}

func TestStore_InitializeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	if err := store.Initialize(ctx, 101, 7, nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := store.AppendFeedback(ctx, 101, 7, FeedbackIssue{Kind: IssueBug, Severity: SeverityHigh}); err != nil {
		t.Fatalf("append: %v", err)
	}
	// Second initialize must not reset the record.
	if err := store.Initialize(ctx, 101, 7, nil); err != nil {
		t.Fatalf("re-initialize: %v", err)
	}

	state, err := store.Load(ctx, 101, 7)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if state.Iteration != 1 || len(state.FeedbackHistory) != 1 {
		t.Errorf("record was reset: %+v", state)
	}
}

func TestStore_AppendFeedbackBumpsIteration(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	if err := store.Initialize(ctx, 200, 3, nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := store.AppendFeedback(ctx, 200, 3, FeedbackIssue{Kind: IssueBug, Severity: SeverityLow}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	state, err := store.Load(ctx, 200, 3)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if state.Iteration != 3 {
		t.Errorf("iteration = %d, want 3", state.Iteration)
	}
	if len(state.FeedbackHistory) != 3 {
		t.Errorf("history length = %d, want 3", len(state.FeedbackHistory))
	}
}

func TestStore_SizeBoundTruncatesFIFO(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	if err := store.Initialize(ctx, 300, 1, nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	big := strings.Repeat("x", 500*1024)
	first := FeedbackIssue{Kind: IssueBug, Severity: SeverityLow, Description: "first " + big}
	second := FeedbackIssue{Kind: IssueBug, Severity: SeverityLow, Description: "second " + big}

	if err := store.AppendFeedback(ctx, 300, 1, first); err != nil {
		t.Fatalf("append first: %v", err)
	}
	if err := store.AppendFeedback(ctx, 300, 1, second); err != nil {
		t.Fatalf("append second: %v", err)
	}

	state, err := store.Load(ctx, 300, 1)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	data, err := json.Marshal(state)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) > maxRecordBytes {
		t.Errorf("record is %d bytes, exceeds %d", len(data), maxRecordBytes)
	}
	if state.TruncatedCount < 1 {
		t.Errorf("truncatedCount = %d, want >= 1", state.TruncatedCount)
	}
	if len(state.FeedbackHistory) != 1 || !strings.HasPrefix(state.FeedbackHistory[0].Description, "second") {
		t.Errorf("oldest entry should have been dropped first")
	}
	if state.Iteration != 2 {
		t.Errorf("truncation must not rewind the iteration counter: %d", state.Iteration)
	}
}

func TestStore_SetExpireClamps(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	if err := store.Initialize(ctx, 400, 9, nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := store.SetExpire(ctx, 400, 9, time.Hour); err != nil {
		t.Fatalf("set expire: %v", err)
	}

	state, err := store.Load(ctx, 400, 9)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if until := time.Until(state.ExpireAt); until < MinTTL-time.Minute {
		t.Errorf("TTL below minimum: %v", until)
	}
}

func TestStore_SweepDeletesExpired(t *testing.T) {
	ctx := context.Background()
	store, c := newTestStore(t)

	if err := store.Initialize(ctx, 500, 2, nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := store.Initialize(ctx, 501, 2, nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	// Age the first record past its TTL by editing it directly.
	cm := &corev1.ConfigMap{}
	if err := c.Get(ctx, types.NamespacedName{Name: "remediation-500-2", Namespace: testNamespace}, cm); err != nil {
		t.Fatalf("get record: %v", err)
	}
	var state State
	if err := json.Unmarshal([]byte(cm.Data["state"]), &state); err != nil {
		t.Fatal(err)
	}
	state.ExpireAt = time.Now().Add(-time.Hour)
	data, _ := json.Marshal(&state)
	cm.Data["state"] = string(data)
	if err := c.Update(ctx, cm); err != nil {
		t.Fatalf("update record: %v", err)
	}

	deleted, err := store.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	if s, _ := store.Load(ctx, 500, 2); s != nil {
		t.Error("expired record should be gone")
	}
	if s, _ := store.Load(ctx, 501, 2); s == nil {
		t.Error("live record should survive the sweep")
	}
}

func TestStore_CorruptedRecordSurfacesStateCorruption(t *testing.T) {
	ctx := context.Background()
	store, c := newTestStore(t)

	if err := store.Initialize(ctx, 600, 4, nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	cm := &corev1.ConfigMap{}
	if err := c.Get(ctx, types.NamespacedName{Name: "remediation-600-4", Namespace: testNamespace}, cm); err != nil {
		t.Fatalf("get record: %v", err)
	}
	cm.Data["state"] = "{not json"
	if err := c.Update(ctx, cm); err != nil {
		t.Fatalf("update record: %v", err)
	}

	_, err := store.Load(ctx, 600, 4)
	if err == nil {
		t.Fatal("expected StateCorruptionError")
	}
	var corruption *StateCorruptionError
	if !errors.As(err, &corruption) {
		t.Errorf("want StateCorruptionError, got %v", err)
	}
}
