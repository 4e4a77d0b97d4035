package presence

import (
	"context"
	"encoding/json"

	"github.com/skyfleet/cloudlink/internal/dispatch"
)

// Protocol methods consumed on the status category.
const (
	MethodUpdateTopo = "update_topo"
	MethodOffline    = "device_offline"
)

type subDevice struct {
	SN      string `json:"sn"`
	Domain  int    `json:"domain"`
	Type    int    `json:"type"`
	SubType int    `json:"sub_type"`
}

type topoUpdate struct {
	Domain     int         `json:"domain"`
	Type       int         `json:"type"`
	SubType    int         `json:"sub_type"`
	SubDevices []subDevice `json:"sub_devices"`
}

// Dispatcher is the handler-registration side of the topic dispatcher.
type Dispatcher interface {
	Register(category dispatch.Category, method string, h dispatch.HandlerFunc)
}

// RegisterHandlers wires the topology announcements into the registry.
func (r *Registry) RegisterHandlers(ctx context.Context, d Dispatcher) {
	d.Register(dispatch.CategoryStatus, MethodUpdateTopo, r.handleUpdateTopo(ctx))
	d.Register(dispatch.CategoryStatus, MethodOffline, func(sn string, env *dispatch.Envelope) {
		r.MarkOffline(sn)
	})
}

func (r *Registry) handleUpdateTopo(ctx context.Context) dispatch.HandlerFunc {
	return func(gatewaySN string, env *dispatch.Envelope) {
		var topo topoUpdate
		if err := json.Unmarshal(env.Data, &topo); err != nil {
			r.log.Warnf("Could not unmarshal topology from %s: %v", gatewaySN, err)
			return
		}

		gatewayClass := Classification{Domain: topo.Domain, Type: topo.Type, SubType: topo.SubType}

		if len(topo.SubDevices) == 0 {
			// Gateway announcing alone: its aircraft is gone.
			if child, ok := r.Child(gatewaySN); ok {
				r.MarkOffline(child)
			}
			if err := r.RegisterGateway(ctx, gatewaySN, gatewayClass); err != nil {
				r.log.Warnf("Gateway onboarding failed: %v", err)
				return
			}
			r.ack(gatewaySN, env)
			return
		}

		for _, sub := range topo.SubDevices {
			if r.Reconnect(gatewaySN, sub.SN) {
				continue
			}
			if err := r.RegisterGateway(ctx, gatewaySN, gatewayClass); err != nil {
				r.log.Warnf("Gateway onboarding failed: %v", err)
				return
			}
			childClass := Classification{Domain: sub.Domain, Type: sub.Type, SubType: sub.SubType}
			if err := r.RegisterChild(ctx, sub.SN, childClass, gatewaySN); err != nil {
				r.log.Warnf("Child onboarding failed: %v", err)
				return
			}
		}
		r.ack(gatewaySN, env)
	}
}

func (r *Registry) ack(sn string, env *dispatch.Envelope) {
	if err := r.transport.Ack(dispatch.CategoryStatus, sn, env, dispatch.ReplyOK, nil); err != nil {
		r.log.Warnf("Could not ack status from %s: %v", sn, err)
	}
}
