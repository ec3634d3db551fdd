package dialogue

import (
	"log/slog"
	"sync"
	"time"
)

// RegistryConfig tunes session lifecycle management.
type RegistryConfig struct {
	FSM             Config
	SweepInterval   time.Duration
	SessionLifetime time.Duration
}

// DefaultRegistryConfig returns the standard lifecycle configuration:
// sweep every five minutes, expire after one hour of inactivity.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		FSM:             DefaultConfig(),
		SweepInterval:   5 * time.Minute,
		SessionLifetime: 60 * time.Minute,
	}
}

// Registry owns all live session FSMs. Sessions are created lazily on
// first use and swept in the background once inactive for too long.
type Registry struct {
	cfg RegistryConfig

	mu       sync.RWMutex
	sessions map[string]*FSM

	// onExpire is invoked outside the registry lock for every swept
	// session, letting the metrics layer count removals.
	onExpire func(sessionID string)

	done chan struct{}
	wg   sync.WaitGroup
}

// NewRegistry creates a registry and starts its background sweeper.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if cfg.SessionLifetime <= 0 {
		cfg.SessionLifetime = 60 * time.Minute
	}
	r := &Registry{
		cfg:      cfg,
		sessions: make(map[string]*FSM),
		done:     make(chan struct{}),
	}
	r.wg.Add(1)
	go r.sweepLoop()
	return r
}

// OnExpire registers a callback fired once per expired session. Must be
// called before the registry is shared.
func (r *Registry) OnExpire(fn func(sessionID string)) {
	r.onExpire = fn
}

// GetOrCreate returns the FSM for the session, creating it on first use.
func (r *Registry) GetOrCreate(sessionID string) *FSM {
	r.mu.RLock()
	f, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if ok {
		return f
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.sessions[sessionID]; ok {
		return f
	}
	f = NewFSM(sessionID, r.cfg.FSM)
	r.sessions[sessionID] = f
	slog.Debug("session created", "session_id", sessionID)
	return f
}

// Get returns the FSM for the session if it exists.
func (r *Registry) Get(sessionID string) (*FSM, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.sessions[sessionID]
	return f, ok
}

// Remove destroys one session immediately.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	f, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()
	if ok {
		f.Destroy()
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) sweepLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.Sweep()
		case <-r.done:
			return
		}
	}
}

// Sweep removes sessions inactive longer than the configured lifetime.
// It returns the number of sessions removed; exported so tests can drive
// expiry without waiting on the ticker.
func (r *Registry) Sweep() int {
	cutoff := time.Now().Add(-r.cfg.SessionLifetime)

	r.mu.Lock()
	var expired []*FSM
	for id, f := range r.sessions {
		if f.LastActivity().Before(cutoff) {
			expired = append(expired, f)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, f := range expired {
		f.Destroy()
		slog.Info("session_expired",
			"session_id", f.SessionID(),
			"last_activity", f.LastActivity(),
		)
		if r.onExpire != nil {
			r.onExpire(f.SessionID())
		}
	}
	return len(expired)
}

// Close stops the sweeper and destroys every live session.
func (r *Registry) Close() {
	close(r.done)
	r.wg.Wait()

	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*FSM)
	r.mu.Unlock()

	for _, f := range sessions {
		f.Destroy()
	}
}
