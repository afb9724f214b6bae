// Package registry implements the Pilot State Registry (§4.C): a
// thread-safe in-memory map of pilot identity to last-seen/declared
// state/IP/active-run, plus the identity bridge between backend pilot rows
// and transport identities.
//
// A sync.RWMutex guards a map of per-identity records; reads return a
// deep-enough copy so callers never hold a reference into the live map.
package registry

import (
	"fmt"
	"sync"
	"time"
)

// ActiveRun is the orchestrator's local record of what a pilot is currently
// executing, mirrored from the Run Controller.
type ActiveRun struct {
	ID         int64     `json:"id"`
	SessionID  int64     `json:"session_id"`
	SubjectKey string    `json:"subject_key"`
	StartedAt  time.Time `json:"started_at"`
	Status     string    `json:"status"`
}

// Pilot is the in-memory per-identity record described in §3.
type Pilot struct {
	IP        string
	State     string
	LastSeen  time.Time
	ActiveRun *ActiveRun
	Prefs     map[string]any
	Tasks     []any
}

// clone returns a deep-enough copy for safe return across the lock boundary.
func (p Pilot) clone() Pilot {
	cp := p
	if p.ActiveRun != nil {
		run := *p.ActiveRun
		cp.ActiveRun = &run
	}
	if p.Prefs != nil {
		cp.Prefs = make(map[string]any, len(p.Prefs))
		for k, v := range p.Prefs {
			cp.Prefs[k] = v
		}
	}
	if p.Tasks != nil {
		cp.Tasks = append([]any(nil), p.Tasks...)
	}
	return cp
}

// Snapshot is one pilot's entry in a full Snapshot() call, per §4.C.
type Snapshot struct {
	Connected   bool       `json:"connected"`
	LastSeenSec float64    `json:"last_seen_sec"`
	State       string     `json:"state"`
	IP          string     `json:"ip"`
	ActiveRun   *ActiveRun `json:"active_run"`
}

// ErrNotFound is returned by ResolvePilotKey and GetPilot when no matching
// pilot identity exists.
var ErrNotFound = fmt.Errorf("registry: pilot not found")

// Registry is the thread-safe pilot state map.
type Registry struct {
	mu     sync.RWMutex
	pilots map[string]*Pilot
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{pilots: make(map[string]*Pilot)}
}

// UpdateHandshake merges payload fields into the pilot's record, creating it
// on first handshake. It explicitly preserves ActiveRun across the merge —
// invariant #3 in §8 — by capturing it before applying ip/prefs/tasks
// and restoring it after.
func (r *Registry) UpdateHandshake(pilot, ip string, prefs map[string]any, tasks []any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pilots[pilot]
	if !ok {
		p = &Pilot{}
		r.pilots[pilot] = p
	}

	preserved := p.ActiveRun

	if ip != "" {
		p.IP = ip
	}
	if prefs != nil {
		p.Prefs = prefs
	}
	if tasks != nil {
		p.Tasks = tasks
	}
	p.LastSeen = time.Now()
	p.ActiveRun = preserved
}

// UpdatePing refreshes last-seen for pilot, creating the record if absent.
func (r *Registry) UpdatePing(pilot string) {
	r.touch(pilot, "")
}

// SetState refreshes last-seen and sets the declared state string.
func (r *Registry) SetState(pilot, state string) {
	r.touch(pilot, state)
}

func (r *Registry) touch(pilot, state string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pilots[pilot]
	if !ok {
		p = &Pilot{}
		r.pilots[pilot] = p
	}
	p.LastSeen = time.Now()
	if state != "" {
		p.State = state
	}
}

// SetActiveRun atomically writes the active_run slot. run == nil clears it.
func (r *Registry) SetActiveRun(pilot string, run *ActiveRun) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pilots[pilot]
	if !ok {
		p = &Pilot{}
		r.pilots[pilot] = p
	}
	p.ActiveRun = run
}

// GetPilot returns a deep copy of pilot's record, or ErrNotFound.
func (r *Registry) GetPilot(pilot string) (Pilot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.pilots[pilot]
	if !ok {
		return Pilot{}, ErrNotFound
	}
	return p.clone(), nil
}

// IsConnected reports whether pilot has ever handshaken. Staleness is
// advisory only here — per §4.C the transport's confirm/TTL loop is
// the real failure signal, not a last-seen timeout.
func (r *Registry) IsConnected(pilot string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.pilots[pilot]
	return ok
}

// SnapshotAll returns every known pilot's {connected, last_seen_sec, state,
// ip, active_run}, connected computed against timeout.
func (r *Registry) SnapshotAll(timeout time.Duration) map[string]Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	out := make(map[string]Snapshot, len(r.pilots))
	for key, p := range r.pilots {
		age := now.Sub(p.LastSeen)
		var run *ActiveRun
		if p.ActiveRun != nil {
			cp := *p.ActiveRun
			run = &cp
		}
		out[key] = Snapshot{
			Connected:   age < timeout,
			LastSeenSec: age.Seconds(),
			State:       p.State,
			IP:          p.IP,
			ActiveRun:   run,
		}
	}
	return out
}

// Identities returns every currently known pilot identity, used by the ping
// loop to broadcast PING without needing a full snapshot.
func (r *Registry) Identities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.pilots))
	for key := range r.pilots {
		out = append(out, key)
	}
	return out
}

// ResolvePilotKey bridges a backend pilot row to its transport identity,
// trying in order: exact match on dbName, the prefixed form
// "pilot_{dbName}", then a lookup by ip. Returns ErrNotFound if none match,
// per §4.C and scenario 6.
func (r *Registry) ResolvePilotKey(dbName, ip string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if dbName != "" {
		if _, ok := r.pilots[dbName]; ok {
			return dbName, nil
		}
		prefixed := "pilot_" + dbName
		if _, ok := r.pilots[prefixed]; ok {
			return prefixed, nil
		}
	}

	if ip != "" {
		for key, p := range r.pilots {
			if p.IP == ip {
				return key, nil
			}
		}
	}

	return "", ErrNotFound
}
