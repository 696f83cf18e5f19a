package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"homescript/internal/store"
	"homescript/internal/topology"
	"homescript/internal/value"
)

// WriteError records a write the platform rejected.
type WriteError struct {
	Identity       store.Identity
	Service        string
	Characteristic string
	Value          value.Value
	Err            error
	At             time.Time
}

func (e WriteError) Error() string {
	return fmt.Sprintf("set %s %s/%s = %s: %v", e.Identity, e.Service, e.Characteristic, e.Value, e.Err)
}

func (e WriteError) Unwrap() error { return e.Err }

func (e WriteError) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Identity       store.Identity `json:"identity"`
		Service        string         `json:"service"`
		Characteristic string         `json:"characteristic"`
		Value          value.Value    `json:"value"`
		Error          string         `json:"error"`
		At             time.Time      `json:"at"`
	}{e.Identity, e.Service, e.Characteristic, e.Value, e.Err.Error(), e.At})
}

// SetCharacteristic asks the platform to change a characteristic of a tracked
// accessory. A nil return means the write was accepted, not that it
// succeeded: on success the store is updated, on failure a WriteError is
// recorded and the store is left alone.
func (c *Coordinator) SetCharacteristic(ctx context.Context, id store.Identity, service, characteristic string, v value.Value) error {
	c.mu.Lock()
	t, ok := c.tracked[id]
	if !ok || c.stopped {
		c.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrNotTracked)
	}
	svc, ok := t.stream.Service(service)
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%s %q: %w", id, service, ErrServiceNotFound)
	}
	var ch topology.Characteristic
	found := false
	for _, x := range svc.Characteristics {
		if x.Name == characteristic {
			ch, found = x, true
			break
		}
	}
	if !found {
		c.mu.Unlock()
		return fmt.Errorf("%s %q/%q: %w", id, service, characteristic, ErrCharacteristicNotFound)
	}
	acc := t.stream.Accessory()
	c.writes.Add(1)
	c.mu.Unlock()

	logger := c.logger.With("identity", id.String(), "service", service, "characteristic", characteristic)
	go func() {
		defer c.writes.Done()
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.writeTimeout)
		defer cancel()

		if err := c.facade.WriteCharacteristic(wctx, acc, svc, ch, v); err != nil {
			we := WriteError{
				Identity:       id,
				Service:        service,
				Characteristic: characteristic,
				Value:          v,
				Err:            fmt.Errorf("%w: %w", ErrWriteFailed, err),
				At:             c.now(),
			}
			c.errMu.Lock()
			c.writeErrs = append(c.writeErrs, we)
			c.errMu.Unlock()
			logger.Warn("write failed", "value", v, "err", err)
			c.events.Emit(Event{Type: EventWriteFailed, Data: we})
			return
		}
		rec := c.store.Update(id, service, characteristic, v)
		logger.Info("write confirmed", "value", v)
		c.events.Emit(Event{Type: EventWriteConfirmed, Data: store.Delta{
			Identity:       id,
			Service:        service,
			Characteristic: characteristic,
			Record:         rec,
		}})
	}()
	return nil
}

// WriteErrors returns the recorded write failures, oldest first.
func (c *Coordinator) WriteErrors() []WriteError {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return append([]WriteError(nil), c.writeErrs...)
}

// ClearWriteErrors empties the write failure log.
func (c *Coordinator) ClearWriteErrors() {
	c.errMu.Lock()
	c.writeErrs = nil
	c.errMu.Unlock()
}

// Wait blocks until every accepted write has finished.
func (c *Coordinator) Wait() {
	c.writes.Wait()
}
