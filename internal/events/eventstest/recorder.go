// Package eventstest records emitted events for handler tests.
package eventstest

import (
	"context"
	"encoding/json"
	"sync"
)

type Record struct {
	Type    string
	OrderID string
	Payload json.RawMessage
}

// Recorder satisfies the Emit method used by every handler. Err, when set,
// is returned from Emit without recording.
type Recorder struct {
	mu   sync.Mutex
	recs []Record
	Err  error
}

func (r *Recorder) Emit(_ context.Context, eventType, orderID string, payload any) error {
	if r.Err != nil {
		return r.Err
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, Record{Type: eventType, OrderID: orderID, Payload: b})
	return nil
}

func (r *Recorder) All() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Record(nil), r.recs...)
}

// Types lists the emitted event types in order.
func (r *Recorder) Types() []string {
	var out []string
	for _, rec := range r.All() {
		out = append(out, rec.Type)
	}
	return out
}

// Last decodes the payload of the most recent event of eventType into dst
// and reports whether one was found.
func (r *Recorder) Last(eventType string, dst any) bool {
	recs := r.All()
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].Type == eventType {
			return json.Unmarshal(recs[i].Payload, dst) == nil
		}
	}
	return false
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.recs = nil
	r.mu.Unlock()
}
