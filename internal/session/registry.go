package session

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// State is the lifecycle state of a device within this process.
type State string

const (
	StateDisconnected       State = "DISCONNECTED"
	StateConnecting         State = "CONNECTING"
	StatePairing            State = "PAIRING"
	StateConnected          State = "CONNECTED"
	StateReconnectScheduled State = "RECONNECT_SCHEDULED"
	StateAbandoned          State = "ABANDONED"
)

const registryShards = 32

// pendingRetry is one armed reconnection timer. Identity matters: an attempt
// only runs if its pendingRetry is still the one stored for the device.
type pendingRetry struct {
	attempt int
	delay   time.Duration
	dueAt   time.Time
	timer   clock.Timer
}

func (p *pendingRetry) stop() {
	if p != nil && p.timer != nil {
		p.timer.Stop()
	}
}

type registryShard struct {
	mu      sync.RWMutex
	clients map[string]Client
	retries map[string]int
	pending map[string]*pendingRetry
	states  map[string]State
}

// Registry maps device ids to live clients and retry bookkeeping. It is split
// into shards so unrelated devices never contend on the same lock, and no lock
// is held while calling into a client.
type Registry struct {
	shards [registryShards]*registryShard
}

// SessionInfo is a point-in-time view of one registry entry.
type SessionInfo struct {
	DeviceID    string     `json:"deviceId"`
	State       State      `json:"state"`
	Live        bool       `json:"live"`
	RetryCount  int        `json:"retryCount"`
	NextAttempt *time.Time `json:"nextAttempt,omitempty"`
}

func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &registryShard{
			clients: make(map[string]Client),
			retries: make(map[string]int),
			pending: make(map[string]*pendingRetry),
			states:  make(map[string]State),
		}
	}
	return r
}

func (r *Registry) shard(deviceID string) *registryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(deviceID))
	return r.shards[h.Sum32()%registryShards]
}

// Register stores client for deviceID, replacing any previous entry, and
// returns the replaced client (nil if none).
func (r *Registry) Register(deviceID string, client Client) Client {
	s := r.shard(deviceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.clients[deviceID]
	s.clients[deviceID] = client
	return prev
}

func (r *Registry) Lookup(deviceID string) (Client, bool) {
	s := r.shard(deviceID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[deviceID]
	return c, ok
}

// Remove drops the live client for deviceID and returns it. No-op if absent.
func (r *Registry) Remove(deviceID string) Client {
	s := r.shard(deviceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.clients[deviceID]
	delete(s.clients, deviceID)
	return c
}

// RemoveIf drops the live client only if it is still client.
func (r *Registry) RemoveIf(deviceID string, client Client) bool {
	s := r.shard(deviceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[deviceID]; !ok || c != client {
		return false
	}
	delete(s.clients, deviceID)
	return true
}

func (r *Registry) ResetRetryCount(deviceID string) {
	s := r.shard(deviceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries[deviceID] = 0
}

func (r *Registry) IncrementRetryCount(deviceID string) int {
	s := r.shard(deviceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries[deviceID]++
	return s.retries[deviceID]
}

func (r *Registry) RetryCount(deviceID string) int {
	s := r.shard(deviceID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.retries[deviceID]
}

func (r *Registry) DeleteRetryCount(deviceID string) {
	s := r.shard(deviceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.retries, deviceID)
}

func (r *Registry) SetState(deviceID string, state State) {
	s := r.shard(deviceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[deviceID] = state
}

// State returns the lifecycle state, DISCONNECTED when unknown.
func (r *Registry) State(deviceID string) State {
	s := r.shard(deviceID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.states[deviceID]; ok {
		return st
	}
	return StateDisconnected
}

// setPending stores p as the armed timer for deviceID and returns the one it replaced.
func (r *Registry) setPending(deviceID string, p *pendingRetry) *pendingRetry {
	s := r.shard(deviceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.pending[deviceID]
	s.pending[deviceID] = p
	return prev
}

// takePending clears the armed timer if it is still p.
func (r *Registry) takePending(deviceID string, p *pendingRetry) bool {
	s := r.shard(deviceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.pending[deviceID]; !ok || cur != p {
		return false
	}
	delete(s.pending, deviceID)
	return true
}

// cancelPending clears and returns whatever timer is armed for deviceID.
func (r *Registry) cancelPending(deviceID string) *pendingRetry {
	s := r.shard(deviceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pending[deviceID]
	delete(s.pending, deviceID)
	return p
}

func (r *Registry) HasPending(deviceID string) bool {
	s := r.shard(deviceID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.pending[deviceID]
	return ok
}

// Forget drops every trace of deviceID and returns the live client and armed
// timer it held, if any.
func (r *Registry) Forget(deviceID string) (Client, *pendingRetry) {
	s := r.shard(deviceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.clients[deviceID]
	p := s.pending[deviceID]
	delete(s.clients, deviceID)
	delete(s.retries, deviceID)
	delete(s.pending, deviceID)
	delete(s.states, deviceID)
	return c, p
}

// Info returns the view of one device; false if the registry knows nothing about it.
func (r *Registry) Info(deviceID string) (SessionInfo, bool) {
	s := r.shard(deviceID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.infoLocked(deviceID)
}

func (s *registryShard) infoLocked(deviceID string) (SessionInfo, bool) {
	_, live := s.clients[deviceID]
	retries, hasRetries := s.retries[deviceID]
	p, hasPending := s.pending[deviceID]
	state, hasState := s.states[deviceID]
	if !live && !hasRetries && !hasPending && !hasState {
		return SessionInfo{}, false
	}
	if !hasState {
		state = StateDisconnected
	}
	info := SessionInfo{DeviceID: deviceID, State: state, Live: live, RetryCount: retries}
	if hasPending && !p.dueAt.IsZero() {
		due := p.dueAt
		info.NextAttempt = &due
	}
	return info, true
}

// Snapshot lists every known device sorted by id.
func (r *Registry) Snapshot() []SessionInfo {
	var out []SessionInfo
	for _, s := range r.shards {
		s.mu.RLock()
		keys := make(map[string]struct{}, len(s.states))
		for k := range s.clients {
			keys[k] = struct{}{}
		}
		for k := range s.retries {
			keys[k] = struct{}{}
		}
		for k := range s.pending {
			keys[k] = struct{}{}
		}
		for k := range s.states {
			keys[k] = struct{}{}
		}
		for k := range keys {
			if info, ok := s.infoLocked(k); ok {
				out = append(out, info)
			}
		}
		s.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// LiveCount returns the number of registered clients.
func (r *Registry) LiveCount() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.clients)
		s.mu.RUnlock()
	}
	return n
}
