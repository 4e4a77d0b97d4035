package presence

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/skyfleet/cloudlink/internal/dispatch"
	"github.com/skyfleet/cloudlink/internal/statestore"
)

// DefaultOnlineTTL is how long a liveness record survives without a refresh.
const DefaultOnlineTTL = 150 * time.Second

// Transport is the slice of the dispatcher the registry drives.
type Transport interface {
	SubscribeDevice(sn string) error
	UnsubscribeDevice(sn string)
	Ack(category dispatch.Category, sn string, req *dispatch.Envelope, result int, output interface{}) error
}

// Registry tracks device liveness and gateway/child linkage. Liveness is a
// TTL record in the state store; a device that stops refreshing it goes
// offline on its own.
type Registry struct {
	store     statestore.Store
	repo      DeviceRepository
	catalog   DeviceCatalog
	transport Transport
	authority AuthorityCache
	log       *logrus.Entry
	onlineTTL time.Duration

	mu    sync.Mutex
	links map[string]string // gateway -> child
}

func NewRegistry(store statestore.Store, repo DeviceRepository, catalog DeviceCatalog, transport Transport, authority AuthorityCache) *Registry {
	return &Registry{
		store:     store,
		repo:      repo,
		catalog:   catalog,
		transport: transport,
		authority: authority,
		log:       logrus.WithField("component", "presence"),
		onlineTTL: DefaultOnlineTTL,
		links:     make(map[string]string),
	}
}

// SetOnlineTTL overrides the liveness TTL.
func (r *Registry) SetOnlineTTL(ttl time.Duration) {
	r.onlineTTL = ttl
}

func (r *Registry) CheckOnline(sn string) bool {
	return r.store.Exists(statestore.OnlineKey(sn))
}

// MarkSeen refreshes the liveness record of an already-online device.
func (r *Registry) MarkSeen(sn string) {
	value, ok := r.store.Get(statestore.OnlineKey(sn))
	if !ok {
		return
	}
	r.store.Set(statestore.OnlineKey(sn), value, r.onlineTTL)
}

// RegisterGateway upserts a gateway device and runs onboarding side effects
// on the first sighting. Idempotent.
func (r *Registry) RegisterGateway(ctx context.Context, gatewaySN string, c Classification) error {
	return r.register(ctx, &Device{SN: gatewaySN, Classification: c})
}

// RegisterChild upserts an aircraft under its gateway, clearing any stale
// linkage from a previous gateway first so two gateways never own the same
// aircraft.
func (r *Registry) RegisterChild(ctx context.Context, childSN string, c Classification, parentSN string) error {
	previous, err := r.repo.Parent(ctx, childSN)
	if err != nil {
		return errors.Wrapf(err, "lookup parent of %s", childSN)
	}
	if previous != "" && previous != parentSN {
		r.log.Infof("Reparenting %s: %s -> %s", childSN, previous, parentSN)
		if err := r.repo.SetParent(ctx, childSN, ""); err != nil {
			return errors.Wrapf(err, "clear parent of %s", childSN)
		}
		r.mu.Lock()
		if r.links[previous] == childSN {
			delete(r.links, previous)
		}
		r.mu.Unlock()
	}

	if err := r.register(ctx, &Device{SN: childSN, Classification: c, ParentSN: parentSN}); err != nil {
		return err
	}
	if err := r.repo.SetParent(ctx, childSN, parentSN); err != nil {
		return errors.Wrapf(err, "link %s under %s", childSN, parentSN)
	}
	r.mu.Lock()
	r.links[parentSN] = childSN
	r.mu.Unlock()
	return nil
}

// register runs the go-online path for one device. If the device is already
// online it only refreshes liveness.
func (r *Registry) register(ctx context.Context, d *Device) error {
	if r.CheckOnline(d.SN) {
		r.MarkSeen(d.SN)
		return nil
	}

	entry, err := r.catalog.Describe(ctx, d.Classification)
	if err != nil {
		// Leave the device offline; the next topology announcement
		// retries onboarding.
		return errors.Wrapf(err, "catalog lookup for %s", d.SN)
	}
	d.Name = entry.Name
	d.Icon = entry.Icon

	if err := r.repo.Upsert(ctx, d); err != nil {
		return errors.Wrapf(err, "upsert %s", d.SN)
	}
	if err := r.transport.SubscribeDevice(d.SN); err != nil {
		return errors.Wrapf(err, "subscribe %s", d.SN)
	}

	b, _ := json.Marshal(d)
	r.store.Set(statestore.OnlineKey(d.SN), b, r.onlineTTL)
	r.log.Infof("Device online: %s", d.SN)
	return nil
}

// Reconnect is the fast path for a topology re-announcement when both ends
// are already online: refresh liveness, skip onboarding. Reports whether the
// fast path applied.
func (r *Registry) Reconnect(gatewaySN, childSN string) bool {
	if !r.CheckOnline(gatewaySN) || !r.CheckOnline(childSN) {
		return false
	}
	r.MarkSeen(gatewaySN)
	r.MarkSeen(childSN)
	return true
}

// MarkOffline expires the device immediately and removes every cache keyed
// to it. A gateway cascades to its child.
func (r *Registry) MarkOffline(sn string) {
	r.mu.Lock()
	child := r.links[sn]
	delete(r.links, sn)
	r.mu.Unlock()

	if child != "" {
		r.MarkOffline(child)
	}

	// The liveness record may already be TTL-expired (crashed device); the
	// caches and subscriptions keyed to the serial still have to go.
	wasOnline := r.store.Delete(statestore.OnlineKey(sn))
	r.store.Delete(statestore.OSDKey(sn))
	r.store.Delete(statestore.CapabilityKey(sn))
	r.authority.Forget(sn)
	r.transport.UnsubscribeDevice(sn)
	if wasOnline {
		r.log.Infof("Device offline: %s", sn)
	}
}

// Child returns the aircraft currently linked under a gateway, if any.
func (r *Registry) Child(gatewaySN string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	child, ok := r.links[gatewaySN]
	return child, ok
}
