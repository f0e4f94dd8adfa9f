package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Component names reported by the worker
const (
	ComponentStorage = "storage"
	ComponentWorker  = "worker"
	ComponentBackend = "backend"
)

// Overall states
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusReady     = "ready"
	StatusNotReady  = "not_ready"
)

// CriticalComponents must be registered and healthy for readiness. The
// backend is not one of them: working without it is the point.
var CriticalComponents = []string{ComponentStorage, ComponentWorker}

// Report is the body of /health and /ready
type Report struct {
	Status     string            `json:"status"`
	Offline    bool              `json:"offline"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

type component struct {
	healthy bool
	message string
	updated time.Time
}

// Registry tracks the last reported state of every component
type Registry struct {
	mu         sync.RWMutex
	components map[string]component
	critical   []string
	started    time.Time
	version    string
}

// NewRegistry creates an empty registry requiring critical for readiness
func NewRegistry(critical ...string) *Registry {
	return &Registry{
		components: make(map[string]component),
		critical:   critical,
		started:    time.Now(),
	}
}

var registry = NewRegistry(CriticalComponents...)

// SetVersion sets the version string for health responses
func SetVersion(version string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.version = version
}

// RegisterComponent records the initial state of a component
func RegisterComponent(name string, healthy bool, message string) {
	registry.Set(name, healthy, message)
}

// UpdateComponent records a state change of a component
func UpdateComponent(name string, healthy bool, message string) {
	registry.Set(name, healthy, message)
}

// Set stores the state of name
func (r *Registry) Set(name string, healthy bool, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.components[name] = component{healthy: healthy, message: message, updated: time.Now()}
}

func (r *Registry) isCritical(name string) bool {
	for _, c := range r.critical {
		if c == name {
			return true
		}
	}
	return false
}

// Health folds every component into one state. A failed critical component
// is unhealthy; any other failure, such as an unreachable backend, is degraded.
func (r *Registry) Health() Report {
	r.mu.RLock()
	defer r.mu.RUnlock()

	report := r.report(StatusHealthy)
	for name, c := range r.components {
		if c.healthy {
			report.Components[name] = StatusHealthy
			continue
		}
		report.Components[name] = StatusUnhealthy + ": " + c.message
		switch {
		case r.isCritical(name):
			report.Status = StatusUnhealthy
		case report.Status == StatusHealthy:
			report.Status = StatusDegraded
		}
	}
	return report
}

// Readiness reports whether every critical component is up
func (r *Registry) Readiness() Report {
	r.mu.RLock()
	defer r.mu.RUnlock()

	report := r.report(StatusReady)
	names := append([]string(nil), r.critical...)
	sort.Strings(names)
	for _, name := range names {
		c, ok := r.components[name]
		switch {
		case !ok:
			report.Status = StatusNotReady
			report.Message = "waiting for " + name + " initialization"
			report.Components[name] = "not registered"
		case !c.healthy:
			report.Status = StatusNotReady
			report.Message = "waiting for " + name
			report.Components[name] = "not ready: " + c.message
		default:
			report.Components[name] = StatusReady
		}
	}
	return report
}

// report must be called with r.mu held
func (r *Registry) report(status string) Report {
	backend, ok := r.components[ComponentBackend]
	return Report{
		Status:     status,
		Offline:    ok && !backend.healthy,
		Timestamp:  time.Now(),
		Components: make(map[string]string),
		Version:    r.version,
		Uptime:     time.Since(r.started).Round(time.Second).String(),
	}
}

// HealthHandler serves /health. Degraded answers 200.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		report := registry.Health()
		status := http.StatusOK
		if report.Status == StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		writeReport(w, status, report)
	}
}

// ReadyHandler serves /ready
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		report := registry.Readiness()
		status := http.StatusOK
		if report.Status != StatusReady {
			status = http.StatusServiceUnavailable
		}
		writeReport(w, status, report)
	}
}

// LivenessHandler answers 200 while the process runs
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeReport(w, http.StatusOK, map[string]string{
			"status": "alive",
			"uptime": time.Since(registry.started).Round(time.Second).String(),
		})
	}
}

func writeReport(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
