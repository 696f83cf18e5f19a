package coordinator

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"

	"homescript/internal/topology"
	"homescript/internal/value"
)

// ServiceName is the store key of a service: its label plus four hex digits
// of the FNV-1a hash of its unique ID, so same-named services stay apart.
func ServiceName(svc topology.Service) string {
	label := svc.Name
	if label == "" {
		label = svc.Type
	}
	if label == "" {
		label = "Service"
	}
	h := fnv.New32a()
	h.Write([]byte(svc.ID))
	return fmt.Sprintf("%s %04x", label, h.Sum32()&0xffff)
}

// StreamUpdate is one (service, characteristic, value) tuple keyed by store names.
type StreamUpdate struct {
	Service        string
	Characteristic string
	Value          value.Value
}

type charRef struct {
	service        string
	characteristic string
}

// Stream is the characteristic value sequence of one accessory: a synthetic
// current value for every characteristic first, then platform notifications
// in arrival order. C is closed when the accessory goes away or ctx ends.
type Stream struct {
	accessory topology.Accessory
	services  map[string]topology.Service
	refs      map[string]charRef
	ch        chan StreamUpdate
}

// OpenStream enables notifications, reads current values and starts
// forwarding changes of acc.
func OpenStream(ctx context.Context, facade topology.Facade, acc topology.Accessory, logger *slog.Logger) (*Stream, error) {
	raw, err := facade.WatchAccessory(ctx, acc)
	if err != nil {
		return nil, fmt.Errorf("watch accessory %q: %w", acc.Name, err)
	}

	s := &Stream{
		accessory: acc,
		services:  make(map[string]topology.Service),
		refs:      make(map[string]charRef),
	}

	var initial []StreamUpdate
	for _, svc := range acc.Services {
		name := ServiceName(svc)
		s.services[name] = svc
		for _, c := range svc.Characteristics {
			s.refs[svc.ID+"/"+c.ID] = charRef{service: name, characteristic: c.Name}

			if c.Notifies {
				if err := facade.EnableNotification(ctx, acc, svc, c); err != nil {
					logger.Warn("enable notification failed", "service", name, "characteristic", c.Name, "err", err)
				}
			}
			v := value.Null()
			if c.Readable {
				v, err = facade.ReadCharacteristic(ctx, acc, svc, c)
				if err != nil {
					logger.Warn("read failed", "service", name, "characteristic", c.Name, "err", err)
					v = value.Null()
				}
			}
			initial = append(initial, StreamUpdate{Service: name, Characteristic: c.Name, Value: v})
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, abortCause(ctx)
	}

	s.ch = make(chan StreamUpdate, len(initial))
	for _, u := range initial {
		s.ch <- u
	}
	go s.forward(ctx, raw, logger)
	return s, nil
}

func (s *Stream) forward(ctx context.Context, raw <-chan topology.CharacteristicUpdate, logger *slog.Logger) {
	defer close(s.ch)
	for {
		select {
		case u, ok := <-raw:
			if !ok {
				return
			}
			ref, known := s.refs[u.ServiceID+"/"+u.CharacteristicID]
			if !known {
				logger.Debug("update for unknown characteristic", "service_id", u.ServiceID, "characteristic_id", u.CharacteristicID)
				continue
			}
			select {
			case s.ch <- StreamUpdate{Service: ref.service, Characteristic: ref.characteristic, Value: u.Value}:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// C returns the update channel.
func (s *Stream) C() <-chan StreamUpdate { return s.ch }

// Accessory returns the accessory this stream observes.
func (s *Stream) Accessory() topology.Accessory { return s.accessory }

// Service returns the platform service stored under name.
func (s *Stream) Service(name string) (topology.Service, bool) {
	svc, ok := s.services[name]
	return svc, ok
}

// Awaiting returns, per service name, how many characteristics still owe a
// first value. Services without characteristics are left out.
func (s *Stream) Awaiting() map[string]int {
	out := make(map[string]int)
	for name, svc := range s.services {
		distinct := make(map[string]struct{}, len(svc.Characteristics))
		for _, c := range svc.Characteristics {
			distinct[c.Name] = struct{}{}
		}
		if len(distinct) > 0 {
			out[name] = len(distinct)
		}
	}
	return out
}
