package surface

import (
	"sort"
	"sync"
	"time"
)

// Health is the last known condition of one surface.
type Health struct {
	Healthy    bool
	Error      string
	CheckedAt  time.Time
	Reconnects int
}

// HealthRegistry tracks surface health by handle. Concurrent writers for the
// same handle are last-write-wins.
type HealthRegistry struct {
	mu   sync.Mutex
	byID map[string]Health
	now  func() time.Time
}

func NewHealthRegistry() *HealthRegistry {
	return &HealthRegistry{byID: make(map[string]Health), now: time.Now}
}

// Record stores the outcome of a health check.
func (r *HealthRegistry) Record(handle string, err error) Health {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.byID[handle]
	h.Healthy = err == nil
	h.Error = ""
	if err != nil {
		h.Error = err.Error()
	}
	h.CheckedAt = r.now()
	r.byID[handle] = h
	return h
}

// Reconnected counts a reconnect attempt for handle.
func (r *HealthRegistry) Reconnected(handle string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.byID[handle]
	h.Reconnects++
	r.byID[handle] = h
}

func (r *HealthRegistry) Get(handle string) (Health, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.byID[handle]
	return h, ok
}

func (r *HealthRegistry) Forget(handle string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, handle)
}

// Unhealthy lists handles whose last health check failed.
func (r *HealthRegistry) Unhealthy() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for id, h := range r.byID {
		if !h.Healthy {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
