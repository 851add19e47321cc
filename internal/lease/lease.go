// Package lease implements mutual exclusion across operator replicas on top
// of coordination.k8s.io Lease objects.
//
// At any instant at most one holder exists for a name within the TTL window.
// A crashed holder releases implicitly when its TTL expires and the next
// acquirer takes the lease over.
package lease

import (
	"context"
	"fmt"
	"time"

	coordinationv1 "k8s.io/api/coordination/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// DefaultTTL bounds how long a crashed holder can block the lease.
const DefaultTTL = 2 * time.Minute

// LockHeldError is returned when the lease is held by another live holder.
type LockHeldError struct {
	Name   string
	Holder string
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("lease %q held by %q", e.Name, e.Holder)
}

// Manager acquires named leases in one namespace on behalf of one identity.
type Manager struct {
	client    client.Client
	namespace string
	identity  string
	ttl       time.Duration
}

// NewManager creates a lease manager. identity should be unique per replica,
// typically pod name.
func NewManager(c client.Client, namespace, identity string, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{client: c, namespace: namespace, identity: identity, ttl: ttl}
}

// Lease is a held lock. Release it on every exit path, normally via defer.
type Lease struct {
	manager    *Manager
	name       string
	acquiredAt time.Time
}

// Name returns the lease name.
func (l *Lease) Name() string { return l.name }

// Holder returns the holder identity.
func (l *Lease) Holder() string { return l.manager.identity }

// TryAcquire atomically creates the lease or fails with LockHeldError when a
// live holder exists. An expired lease is taken over in place; losing the
// takeover race reports the winner as the holder.
func (m *Manager) TryAcquire(ctx context.Context, name string) (*Lease, error) {
	now := metav1.NewMicroTime(time.Now())
	desired := &coordinationv1.Lease{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: m.namespace,
		},
		Spec: coordinationv1.LeaseSpec{
			HolderIdentity:       ptr.To(m.identity),
			LeaseDurationSeconds: ptr.To(int32(m.ttl.Seconds())),
			AcquireTime:          &now,
			RenewTime:            &now,
		},
	}

	err := m.client.Create(ctx, desired)
	if err == nil {
		return &Lease{manager: m, name: name, acquiredAt: now.Time}, nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return nil, fmt.Errorf("acquire lease %q: %w", name, err)
	}

	existing := &coordinationv1.Lease{}
	if err := m.client.Get(ctx, types.NamespacedName{Name: name, Namespace: m.namespace}, existing); err != nil {
		return nil, fmt.Errorf("read lease %q: %w", name, err)
	}

	holder := ""
	if existing.Spec.HolderIdentity != nil {
		holder = *existing.Spec.HolderIdentity
	}
	if !expired(existing, now.Time) && holder != m.identity {
		return nil, &LockHeldError{Name: name, Holder: holder}
	}

	// Expired or previously ours: take it over. A resource-version conflict
	// means another acquirer won the race.
	existing.Spec = desired.Spec
	if err := m.client.Update(ctx, existing); err != nil {
		if apierrors.IsConflict(err) {
			winner := &coordinationv1.Lease{}
			if getErr := m.client.Get(ctx, types.NamespacedName{Name: name, Namespace: m.namespace}, winner); getErr == nil {
				holder = ptr.Deref(winner.Spec.HolderIdentity, "")
			}
			return nil, &LockHeldError{Name: name, Holder: holder}
		}
		return nil, fmt.Errorf("take over lease %q: %w", name, err)
	}
	return &Lease{manager: m, name: name, acquiredAt: now.Time}, nil
}

// Renew refreshes the lease TTL. Callers holding a lease across long sweeps
// renew before expiry.
func (l *Lease) Renew(ctx context.Context) error {
	m := l.manager
	existing := &coordinationv1.Lease{}
	if err := m.client.Get(ctx, types.NamespacedName{Name: l.name, Namespace: m.namespace}, existing); err != nil {
		return fmt.Errorf("renew lease %q: %w", l.name, err)
	}
	if existing.Spec.HolderIdentity == nil || *existing.Spec.HolderIdentity != m.identity {
		return &LockHeldError{Name: l.name, Holder: ptr.Deref(existing.Spec.HolderIdentity, "")}
	}
	now := metav1.NewMicroTime(time.Now())
	existing.Spec.RenewTime = &now
	if err := m.client.Update(ctx, existing); err != nil {
		return fmt.Errorf("renew lease %q: %w", l.name, err)
	}
	return nil
}

// Release deletes the lease if this manager still holds it. Safe to call on
// every exit path; releasing a lease that another identity now holds is a
// no-op.
func (l *Lease) Release(ctx context.Context) {
	m := l.manager
	existing := &coordinationv1.Lease{}
	if err := m.client.Get(ctx, types.NamespacedName{Name: l.name, Namespace: m.namespace}, existing); err != nil {
		return
	}
	if existing.Spec.HolderIdentity == nil || *existing.Spec.HolderIdentity != m.identity {
		return
	}
	_ = m.client.Delete(ctx, existing, client.Preconditions{
		ResourceVersion: &existing.ResourceVersion,
	})
}

// expired reports whether the lease's TTL window has passed at now.
func expired(l *coordinationv1.Lease, now time.Time) bool {
	renew := l.Spec.RenewTime
	if renew == nil {
		renew = l.Spec.AcquireTime
	}
	if renew == nil {
		return true
	}
	ttl := DefaultTTL
	if l.Spec.LeaseDurationSeconds != nil {
		ttl = time.Duration(*l.Spec.LeaseDurationSeconds) * time.Second
	}
	return now.After(renew.Time.Add(ttl))
}
