package remediation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/util/retry"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

const (
	// recordDataKey is the ConfigMap data key holding the serialized record.
	recordDataKey = "state"

	// recordKeyAnnotation carries the logical remediation/<pr>/<task> key,
	// which is not a legal ConfigMap data key because of the slashes.
	recordKeyAnnotation = "taskfleet.okonek.dev/record-key"

	recordLabel = "taskfleet.okonek.dev/remediation-state"

	// maxRecordBytes caps the serialized record. Appends that would exceed
	// it drop the oldest history entries first.
	maxRecordBytes = 800 * 1024
)

// TTL bounds for remediation records.
const (
	MinTTL     = 24 * time.Hour
	MaxTTL     = 7 * 24 * time.Hour
	DefaultTTL = 72 * time.Hour
)

// StateCorruptionError marks a stored record that no longer parses. Callers
// escalate instead of self-healing.
type StateCorruptionError struct {
	Key string
	Err error
}

func (e *StateCorruptionError) Error() string {
	return fmt.Sprintf("remediation record %s corrupted: %v", e.Key, e.Err)
}

func (e *StateCorruptionError) Unwrap() error { return e.Err }

// Store persists one record per (PR, task) pair as a ConfigMap. Updates go
// through optimistic concurrency: read, modify, write on the record's
// resource version, retried with jitter on conflict.
type Store struct {
	client    client.Client
	namespace string
	logger    *zap.SugaredLogger
}

// NewStore creates a store writing into namespace.
func NewStore(c client.Client, namespace string, logger *zap.SugaredLogger) *Store {
	return &Store{client: c, namespace: namespace, logger: logger}
}

// recordName is the ConfigMap name for a (PR, task) pair.
func recordName(prNumber int, taskID int64) string {
	return fmt.Sprintf("remediation-%d-%d", prNumber, taskID)
}

// Load reads the record for (PR, task); nil when absent.
func (s *Store) Load(ctx context.Context, prNumber int, taskID int64) (*State, error) {
	cm := &corev1.ConfigMap{}
	err := s.client.Get(ctx, types.NamespacedName{
		Name:      recordName(prNumber, taskID),
		Namespace: s.namespace,
	}, cm)
	if apierrors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load remediation record %s: %w", Key(prNumber, taskID), err)
	}
	return decodeRecord(cm, prNumber, taskID)
}

// Initialize creates a fresh record if absent; an existing record is left
// untouched.
func (s *Store) Initialize(ctx context.Context, prNumber int, taskID int64, parentTaskID *int64) error {
	now := time.Now().UTC()
	state := &State{
		PRNumber:     prNumber,
		TaskID:       taskID,
		StartedAt:    now,
		ParentTaskID: parentTaskID,
		ExpireAt:     now.Add(DefaultTTL),
	}

	cm, err := encodeRecord(state, s.namespace)
	if err != nil {
		return err
	}
	if err := s.client.Create(ctx, cm); err != nil {
		if apierrors.IsAlreadyExists(err) {
			return nil
		}
		return fmt.Errorf("initialize remediation record %s: %w", Key(prNumber, taskID), err)
	}
	s.logger.Infow("initialized remediation state", "pr", prNumber, "task", taskID)
	return nil
}

// AppendFeedback pushes an issue onto the history and bumps the iteration
// counter, truncating oldest-first to stay under the record size bound.
func (s *Store) AppendFeedback(ctx context.Context, prNumber int, taskID int64, issue FeedbackIssue) error {
	return s.update(ctx, prNumber, taskID, func(state *State) {
		state.FeedbackHistory = append(state.FeedbackHistory, issue)
		state.Iteration++
	})
}

// RecordOutcome records a terminal per-iteration outcome.
func (s *Store) RecordOutcome(ctx context.Context, prNumber int, taskID int64, outcome string) error {
	return s.update(ctx, prNumber, taskID, func(state *State) {
		state.Outcomes = append(state.Outcomes, IterationOutcome{
			Iteration:  state.Iteration,
			Outcome:    outcome,
			RecordedAt: time.Now().UTC(),
		})
	})
}

// SetLastKnownState records the last observed workflow state.
func (s *Store) SetLastKnownState(ctx context.Context, prNumber int, taskID int64, workflowState string) error {
	return s.update(ctx, prNumber, taskID, func(state *State) {
		state.LastKnownState = workflowState
	})
}

// SetExpire sets the record TTL, clamped to the [24h, 168h] window.
func (s *Store) SetExpire(ctx context.Context, prNumber int, taskID int64, ttl time.Duration) error {
	if ttl < MinTTL {
		ttl = MinTTL
	}
	if ttl > MaxTTL {
		ttl = MaxTTL
	}
	expireAt := time.Now().UTC().Add(ttl)
	return s.update(ctx, prNumber, taskID, func(state *State) {
		state.ExpireAt = expireAt
	})
}

// Sweep deletes records past their TTL. Run periodically in the background.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	var list corev1.ConfigMapList
	if err := s.client.List(ctx, &list,
		client.InNamespace(s.namespace),
		client.HasLabels{recordLabel},
	); err != nil {
		return 0, fmt.Errorf("list remediation records: %w", err)
	}

	now := time.Now().UTC()
	deleted := 0
	for i := range list.Items {
		cm := &list.Items[i]
		var state State
		if err := json.Unmarshal([]byte(cm.Data[recordDataKey]), &state); err != nil {
			// Corrupted records are left in place; deleting them here
			// would self-heal past a StateCorruption escalation.
			s.logger.Warnw("skipping unparseable remediation record", "name", cm.Name, "error", err)
			continue
		}
		if state.ExpireAt.IsZero() || now.Before(state.ExpireAt) {
			continue
		}
		if err := s.client.Delete(ctx, cm); err != nil && !apierrors.IsNotFound(err) {
			s.logger.Warnw("failed to delete expired remediation record", "name", cm.Name, "error", err)
			continue
		}
		deleted++
	}
	if deleted > 0 {
		s.logger.Infow("swept expired remediation records", "deleted", deleted)
	}
	return deleted, nil
}

// update runs a read-modify-write cycle under optimistic concurrency,
// retrying on resource-version conflicts with jittered backoff.
func (s *Store) update(ctx context.Context, prNumber int, taskID int64, mutate func(*State)) error {
	key := Key(prNumber, taskID)
	return retry.RetryOnConflict(retry.DefaultBackoff, func() error {
		cm := &corev1.ConfigMap{}
		if err := s.client.Get(ctx, types.NamespacedName{
			Name:      recordName(prNumber, taskID),
			Namespace: s.namespace,
		}, cm); err != nil {
			return fmt.Errorf("read remediation record %s: %w", key, err)
		}

		state, err := decodeRecord(cm, prNumber, taskID)
		if err != nil {
			return err
		}

		mutate(state)
		truncated := enforceSizeBound(state)
		if truncated > 0 {
			s.logger.Warnw("truncated remediation history to stay under size bound",
				"pr", prNumber, "task", taskID, "dropped", truncated)
		}

		data, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("marshal remediation record %s: %w", key, err)
		}
		cm.Data[recordDataKey] = string(data)
		return s.client.Update(ctx, cm)
	})
}

// enforceSizeBound drops oldest feedback issues until the serialized record
// fits, bumping TruncatedCount per drop. Returns the number dropped.
func enforceSizeBound(state *State) int {
	dropped := 0
	for {
		data, err := json.Marshal(state)
		if err != nil || len(data) <= maxRecordBytes {
			return dropped
		}
		if len(state.FeedbackHistory) == 0 {
			return dropped
		}
		state.FeedbackHistory = state.FeedbackHistory[1:]
		state.TruncatedCount++
		dropped++
	}
}

func decodeRecord(cm *corev1.ConfigMap, prNumber int, taskID int64) (*State, error) {
	raw, ok := cm.Data[recordDataKey]
	if !ok {
		return nil, &StateCorruptionError{Key: Key(prNumber, taskID), Err: fmt.Errorf("missing %q data key", recordDataKey)}
	}
	var state State
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, &StateCorruptionError{Key: Key(prNumber, taskID), Err: err}
	}
	return &state, nil
}

func encodeRecord(state *State, namespace string) (*corev1.ConfigMap, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("marshal remediation record %s: %w", Key(state.PRNumber, state.TaskID), err)
	}
	return &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      recordName(state.PRNumber, state.TaskID),
			Namespace: namespace,
			Labels: map[string]string{
				recordLabel: "true",
			},
			Annotations: map[string]string{
				recordKeyAnnotation: Key(state.PRNumber, state.TaskID),
			},
		},
		Data: map[string]string{
			recordDataKey: string(data),
		},
	}, nil
}
