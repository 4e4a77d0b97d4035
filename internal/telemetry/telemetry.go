package telemetry

import (
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/skyfleet/cloudlink/internal/authority"
	"github.com/skyfleet/cloudlink/internal/dispatch"
	"github.com/skyfleet/cloudlink/internal/statestore"
)

// DefaultOSDTTL bounds how long a telemetry snapshot is considered current.
const DefaultOSDTTL = 60 * time.Second

// Dock mode codes reported in dock OSD.
const (
	DockModeIdle    = 0
	DockModeWorking = 4
)

// Aircraft mode codes reported in aircraft OSD. ModeMission is autonomous
// wayline flight; ModeJoystick is manual control inside a mission.
const (
	AircraftModeMission  = 5
	AircraftModeJoystick = 16
)

// OSD is the slice of a telemetry snapshot the core reads; the rest of the
// payload stays opaque, per device class.
type OSD struct {
	ModeCode int `json:"mode_code"`
}

type stateUpdate struct {
	ControlSource string `json:"control_source,omitempty"`
	Payloads      []struct {
		PayloadIndex  string `json:"payload_index"`
		ControlSource string `json:"control_source"`
	} `json:"payloads,omitempty"`
	CameraCapability json.RawMessage `json:"camera_capability,omitempty"`
}

// Registry is the presence surface telemetry refreshes.
type Registry interface {
	MarkSeen(sn string)
}

type Dispatcher interface {
	Register(category dispatch.Category, method string, h dispatch.HandlerFunc)
}

// Handlers consumes the osd and state categories: refresh liveness, cache
// the latest snapshot, forward control-source reports to the arbiter.
type Handlers struct {
	store    statestore.Store
	registry Registry
	arbiter  *authority.Arbiter
	log      *logrus.Entry
	osdTTL   time.Duration
}

func New(store statestore.Store, registry Registry, arbiter *authority.Arbiter) *Handlers {
	return &Handlers{
		store:    store,
		registry: registry,
		arbiter:  arbiter,
		log:      logrus.WithField("component", "telemetry"),
		osdTTL:   DefaultOSDTTL,
	}
}

func (h *Handlers) SetOSDTTL(ttl time.Duration) {
	h.osdTTL = ttl
}

func (h *Handlers) Register(d Dispatcher) {
	d.Register(dispatch.CategoryOSD, "", h.handleOSD)
	d.Register(dispatch.CategoryState, "", h.handleState)
}

func (h *Handlers) handleOSD(sn string, env *dispatch.Envelope) {
	h.registry.MarkSeen(sn)
	if env.Gateway != "" && env.Gateway != sn {
		h.registry.MarkSeen(env.Gateway)
	}
	h.store.Set(statestore.OSDKey(sn), env.Data, h.osdTTL)
}

func (h *Handlers) handleState(sn string, env *dispatch.Envelope) {
	h.registry.MarkSeen(sn)

	var update stateUpdate
	if err := json.Unmarshal(env.Data, &update); err != nil {
		h.log.Warnf("Could not unmarshal state from %s: %v", sn, err)
		return
	}

	if update.ControlSource != "" {
		h.arbiter.Update(sn, authority.Holder(update.ControlSource))
	}
	for _, p := range update.Payloads {
		if p.ControlSource != "" {
			h.arbiter.UpdatePayload(sn, p.PayloadIndex, authority.Holder(p.ControlSource))
		}
	}
	if len(update.CameraCapability) > 0 {
		h.store.Set(statestore.CapabilityKey(sn), update.CameraCapability, 0)
	}
}

// CurrentOSD decodes the cached snapshot for a serial.
func CurrentOSD(store statestore.Store, sn string) (*OSD, bool) {
	raw, ok := store.Get(statestore.OSDKey(sn))
	if !ok {
		return nil, false
	}
	var osd OSD
	if err := json.Unmarshal(raw, &osd); err != nil {
		return nil, false
	}
	return &osd, true
}
