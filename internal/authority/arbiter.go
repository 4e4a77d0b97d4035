package authority

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Holder is the actor currently allowed to command a device: the cloud
// application or the local operator radio.
type Holder string

const (
	HolderApp      Holder = "A"
	HolderOperator Holder = "B"
	HolderUnknown  Holder = "unknown"
)

// Change describes one control-source transition. PayloadIndex is empty for
// flight control.
type Change struct {
	SN           string
	PayloadIndex string
	Previous     Holder
	Current      Holder
}

// Notifier receives control-source change events; it is the boundary to the
// real-time notification collaborator.
type Notifier interface {
	ControlSourceChanged(change Change)
}

type recordKey struct {
	sn           string
	payloadIndex string
}

// Arbiter tracks which actor holds flight control per device and payload
// control per (device, payload index). Records mirror whatever the device
// last reported; "unknown" carries no information and is never stored.
type Arbiter struct {
	notifier Notifier
	log      *logrus.Entry

	mu      sync.Mutex
	holders map[recordKey]Holder
}

func NewArbiter(notifier Notifier) *Arbiter {
	return &Arbiter{
		notifier: notifier,
		log:      logrus.WithField("component", "authority"),
		holders:  make(map[recordKey]Holder),
	}
}

// Update applies a reported flight-control holder.
func (a *Arbiter) Update(sn string, h Holder) {
	a.update(recordKey{sn: sn}, h)
}

// UpdatePayload applies a reported payload-control holder.
func (a *Arbiter) UpdatePayload(sn, payloadIndex string, h Holder) {
	a.update(recordKey{sn: sn, payloadIndex: payloadIndex}, h)
}

func (a *Arbiter) update(key recordKey, h Holder) {
	if h != HolderApp && h != HolderOperator {
		return
	}

	a.mu.Lock()
	previous, known := a.holders[key]
	if known && previous == h {
		a.mu.Unlock()
		return
	}
	a.holders[key] = h
	a.mu.Unlock()

	a.log.Infof("Control source of %s%s: %s -> %s", key.sn, payloadSuffix(key), previous, h)
	a.notifier.ControlSourceChanged(Change{
		SN:           key.sn,
		PayloadIndex: key.payloadIndex,
		Previous:     previous,
		Current:      h,
	})
}

func payloadSuffix(key recordKey) string {
	if key.payloadIndex == "" {
		return ""
	}
	return "/" + key.payloadIndex
}

// Holder returns the current flight-control holder for a device.
func (a *Arbiter) Holder(sn string) (Holder, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.holders[recordKey{sn: sn}]
	return h, ok
}

// PayloadHolder returns the current payload-control holder.
func (a *Arbiter) PayloadHolder(sn, payloadIndex string) (Holder, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.holders[recordKey{sn: sn, payloadIndex: payloadIndex}]
	return h, ok
}

// Forget drops every record for a device; called when it goes offline.
func (a *Arbiter) Forget(sn string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for key := range a.holders {
		if key.sn == sn {
			delete(a.holders, key)
		}
	}
}
