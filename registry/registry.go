// Package registry maps device ids to their live tunnel sessions. It is the
// only cross-session mutable structure on the proxy; all mutation goes
// through Register/Deregister under one lock.
package registry

import (
	"log/slog"
	"sync"

	"github.com/camlink/camlink/tunnel"
)

// CameraInfo is one (device, camera) pair in the flat camera enumeration.
type CameraInfo struct {
	DeviceID string `json:"device_id"`
	CameraID string `json:"camera_id"`
}

// Registry holds at most one live session per device id.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*tunnel.Session
}

func New() *Registry {
	return &Registry{devices: make(map[string]*tunnel.Session)}
}

// Register installs the session under its device id. An existing session for
// the same id is displaced and closed with reason superseded, failing its
// pending requests.
func (r *Registry) Register(s *tunnel.Session) {
	id := s.DeviceID()

	r.mu.Lock()
	old := r.devices[id]
	r.devices[id] = s
	r.mu.Unlock()

	if old != nil && old != s {
		old.Close(tunnel.ReasonSuperseded)
		slog.Info("device session superseded", "device_id", id)
	}
	slog.Info("device registered", "device_id", id, "cameras", len(s.Cameras()))
}

// Deregister removes the session only if it is still the current entry for
// its device id, so a late deregistration never evicts a newer session.
func (r *Registry) Deregister(s *tunnel.Session) {
	id := s.DeviceID()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.devices[id] == s {
		delete(r.devices, id)
		slog.Info("device deregistered", "device_id", id)
	}
}

// Get returns the live session for a device id.
func (r *Registry) Get(deviceID string) (*tunnel.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.devices[deviceID]
	return s, ok
}

// ResolveCamera returns the session of the device that registered cameraID.
func (r *Registry) ResolveCamera(cameraID string) (*tunnel.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.devices {
		for _, c := range s.Cameras() {
			if c == cameraID {
				return s, true
			}
		}
	}
	return nil, false
}

// Cameras enumerates every camera across all live sessions.
func (r *Registry) Cameras() []CameraInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []CameraInfo
	for id, s := range r.devices {
		for _, c := range s.Cameras() {
			out = append(out, CameraInfo{DeviceID: id, CameraID: c})
		}
	}
	return out
}

// Len returns the number of connected devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Shutdown closes every live session with reason shutdown. Called during
// graceful proxy termination.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	stale := r.devices
	r.devices = make(map[string]*tunnel.Session)
	r.mu.Unlock()

	for _, s := range stale {
		s.Close(tunnel.ReasonShutdown)
	}
}
