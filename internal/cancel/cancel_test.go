package cancel

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	batchv1 "k8s.io/api/batch/v1"
	coordinationv1 "k8s.io/api/coordination/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/okonek/taskfleet/internal/lease"
	"github.com/okonek/taskfleet/internal/render"
)

const testNamespace = "taskfleet"

func newTestClient(t *testing.T, objs ...client.Object) client.Client {
	t.Helper()
	scheme := runtime.NewScheme()
	if err := batchv1.AddToScheme(scheme); err != nil {
		t.Fatal(err)
	}
	if err := corev1.AddToScheme(scheme); err != nil {
		t.Fatal(err)
	}
	if err := coordinationv1.AddToScheme(scheme); err != nil {
		t.Fatal(err)
	}
	return fake.NewClientBuilder().WithScheme(scheme).WithObjects(objs...).Build()
}

func agentJob(name string, taskID int64, class string) *batchv1.Job {
	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: testNamespace,
			Labels: map[string]string{
				render.TaskIDLabel:     fmt.Sprintf("%d", taskID),
				render.AgentClassLabel: class,
			},
		},
	}
}

func completedJob(name string, taskID int64, class string) *batchv1.Job {
	job := agentJob(name, taskID, class)
	job.Status.Conditions = []batchv1.JobCondition{{
		Type:   batchv1.JobComplete,
		Status: corev1.ConditionTrue,
	}}
	job.Status.Succeeded = 1
	return job
}

func newCanceller(c client.Client, identity string) *Canceller {
	leases := lease.NewManager(c, testNamespace, identity, time.Minute)
	return NewCanceller(c, leases, testNamespace, zap.NewNop().Sugar())
}

func jobExists(t *testing.T, c client.Client, name string) bool {
	t.Helper()
	err := c.Get(context.Background(), types.NamespacedName{Name: name, Namespace: testNamespace}, &batchv1.Job{})
	if err != nil && !apierrors.IsNotFound(err) {
		t.Fatalf("get job %s: %v", name, err)
	}
	return err == nil
}

func TestCancelAgents_CancelsRunningJobs(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t,
		agentJob("code-taskfleet-a-11111111", 42, "implementation"),
		agentJob("quality-taskfleet-b-22222222", 42, "quality"),
		agentJob("code-taskfleet-other-33333333", 99, "implementation"),
	)
	canceller := newCanceller(c, "replica-a")

	result, err := canceller.CancelAgents(ctx, 42, 7)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if result.SkippedForLock() {
		t.Fatal("sweep should not be skipped")
	}
	if len(result.Cancelled) != 2 {
		t.Errorf("cancelled = %+v, want 2 entries", result.Cancelled)
	}

	if jobExists(t, c, "code-taskfleet-a-11111111") {
		t.Error("running job for task 42 should be deleted")
	}
	if !jobExists(t, c, "code-taskfleet-other-33333333") {
		t.Error("job of another task must be untouched")
	}
}

func TestCancelAgents_RespectsCompletion(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t,
		completedJob("code-taskfleet-done-11111111", 42, "implementation"),
		agentJob("test-taskfleet-live-22222222", 42, "test"),
	)
	canceller := newCanceller(c, "replica-a")

	result, err := canceller.CancelAgents(ctx, 42, 7)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if len(result.Cancelled) != 1 || result.Cancelled[0].Name != "test-taskfleet-live-22222222" {
		t.Errorf("cancelled = %+v", result.Cancelled)
	}
	if len(result.Skipped) != 1 || result.Skipped[0].Reason != "already completed" {
		t.Errorf("skipped = %+v", result.Skipped)
	}
	if !jobExists(t, c, "code-taskfleet-done-11111111") {
		t.Error("completed job must never be deleted")
	}
}

func TestCancelAgents_NoAgentsIsNoOp(t *testing.T) {
	c := newTestClient(t)
	canceller := newCanceller(c, "replica-a")

	result, err := canceller.CancelAgents(context.Background(), 42, 7)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(result.Cancelled) != 0 || len(result.Skipped) != 0 || result.SkippedForLock() {
		t.Errorf("result = %+v, want empty sweep", result)
	}
}

func TestCancelAgents_SkipsWhenLockHeld(t *testing.T) {
	ctx := context.Background()
	now := metav1.NewMicroTime(time.Now())
	heldLease := &coordinationv1.Lease{
		ObjectMeta: metav1.ObjectMeta{Name: "cancel-42", Namespace: testNamespace},
		Spec: coordinationv1.LeaseSpec{
			HolderIdentity:       ptr.To("replica-other"),
			LeaseDurationSeconds: ptr.To(int32(120)),
			AcquireTime:          &now,
			RenewTime:            &now,
		},
	}
	c := newTestClient(t, heldLease, agentJob("code-taskfleet-a-11111111", 42, "implementation"))
	canceller := newCanceller(c, "replica-a")

	result, err := canceller.CancelAgents(ctx, 42, 7)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !result.SkippedForLock() || result.HeldBy != "replica-other" {
		t.Fatalf("result = %+v, want skip for replica-other", result)
	}
	if len(result.Cancelled) != 0 {
		t.Error("skipped sweep must not cancel anything")
	}
	if !jobExists(t, c, "code-taskfleet-a-11111111") {
		t.Error("skipped sweep must not delete jobs")
	}
}

func TestCancelAgents_ConcurrentSweepsMutuallyExclude(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t,
		agentJob("code-taskfleet-a-11111111", 42, "implementation"),
		agentJob("quality-taskfleet-b-22222222", 42, "quality"),
	)

	a := newCanceller(c, "replica-a")
	b := newCanceller(c, "replica-b")

	var wg sync.WaitGroup
	results := make([]*Result, 2)
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		results[0], errs[0] = a.CancelAgents(ctx, 42, 7)
	}()
	go func() {
		defer wg.Done()
		results[1], errs[1] = b.CancelAgents(ctx, 42, 7)
	}()
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("sweep %d: %v", i, err)
		}
	}

	performed := 0
	skipped := 0
	for _, r := range results {
		if r.SkippedForLock() {
			skipped++
			if len(r.Cancelled) != 0 {
				t.Errorf("skipped sweep cancelled jobs: %+v", r)
			}
		} else {
			performed++
		}
	}
	// The lease admits at most one sweep; with a fast winner releasing early
	// both may perform, but never both delete the same job twice.
	if performed < 1 {
		t.Errorf("performed = %d, want at least one sweep", performed)
	}
	if performed+skipped != 2 {
		t.Errorf("performed+skipped = %d", performed+skipped)
	}
	total := 0
	for _, r := range results {
		total += len(r.Cancelled)
	}
	if total > 2 {
		t.Errorf("jobs cancelled %d times across sweeps, max 2", total)
	}
}

func TestResult_NotSkippedWithoutHolder(t *testing.T) {
	result := &Result{
		TaskID:   42,
		PRNumber: 7,
		Cancelled: []AgentRef{
			{Name: "code-x", AgentClass: "implementation", Reason: "cancelled"},
		},
		Reason: "cancellation completed",
	}
	if result.SkippedForLock() {
		t.Error("result without holder must not read as skipped")
	}
}
