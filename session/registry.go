// Package session maintains at most one OPC UA session per server URL and
// keeps those sessions healthy through liveness probing.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"gitlab.com/project-nan/uabridge/common"
	"gitlab.com/project-nan/uabridge/uaclient"
)

// ErrEndpointDiscovery indicates endpoint discovery produced no usable candidate
var ErrEndpointDiscovery = errors.New("endpoint discovery failed")

// ErrSessionUnavailable indicates no session could be established against a server
var ErrSessionUnavailable = errors.New("session unavailable")

// Registry maintains the session-per-server mapping
type Registry interface {
	// GetOrCreateSession returns the live session for a server URL,
	// establishing one if none exists yet
	GetOrCreateSession(ctxt context.Context, serverURL string) (uaclient.Session, error)
	// ProbeAndRecover verifies a server's session is healthy, replacing it
	// once if the probe fails. Returns true when a healthy session exists
	// on return.
	ProbeAndRecover(ctxt context.Context, serverURL string) bool
	// KnownServers lists the server URLs with registered sessions
	KnownServers() []string
	// StartProbeLoop starts the background probe sweep over all known servers
	StartProbeLoop(interval time.Duration, wg *sync.WaitGroup) error
	// StopProbeLoop stops the background probe sweep
	StopProbeLoop() error
	// CloseAll tears down every registered session
	CloseAll(ctxt context.Context)
}

// registryImpl implements Registry
type registryImpl struct {
	common.Component
	client       uaclient.Client
	probeTimeout time.Duration
	lock         *sync.Mutex
	sessions     map[string]uaclient.Session
	probeTimer   common.IntervalTimer
}

// DefineRegistry create a session registry operating through a protocol client
func DefineRegistry(
	client uaclient.Client, probeTimeout time.Duration, ctxt context.Context, wg *sync.WaitGroup,
) (Registry, error) {
	logTags := log.Fields{"module": "session", "component": "registry"}
	timer, err := common.GetIntervalTimerInstance("session-probe", ctxt, wg)
	if err != nil {
		return nil, err
	}
	return &registryImpl{
		Component:    common.Component{LogTags: logTags},
		client:       client,
		probeTimeout: probeTimeout,
		lock:         &sync.Mutex{},
		sessions:     make(map[string]uaclient.Session),
		probeTimer:   timer,
	}, nil
}

// GetOrCreateSession returns the live session for a server URL
func (r *registryImpl) GetOrCreateSession(
	ctxt context.Context, serverURL string,
) (uaclient.Session, error) {
	r.lock.Lock()
	existing, ok := r.sessions[serverURL]
	r.lock.Unlock()
	if ok {
		return existing, nil
	}

	// Discovery and session establishment run without the registry lock,
	// so concurrent callers may both reach this point for one server.
	candidates, err := r.client.DiscoverEndpoints(ctxt, serverURL)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Endpoint discovery against %s failed", serverURL,
		)
		return nil, fmt.Errorf("%w: %s: %s", ErrEndpointDiscovery, serverURL, err)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %s offered no endpoints", ErrEndpointDiscovery, serverURL)
	}
	// TODO: endpoint selection always takes the first discovered candidate;
	// revisit ranking by security level against real deployments.
	selected := candidates[0]
	log.WithFields(r.LogTags).Debugf(
		"Opening session against %s via %s [%s / %s]",
		serverURL, selected.URL, selected.SecurityMode, selected.SecurityPolicy,
	)
	created, err := r.client.OpenSession(ctxt, selected)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Session establishment against %s failed", serverURL,
		)
		return nil, fmt.Errorf("%w: %s: %s", ErrSessionUnavailable, serverURL, err)
	}

	// Double-checked insert. The loser of a concurrent establishment race
	// discards its session and adopts whichever is registered.
	r.lock.Lock()
	existing, ok = r.sessions[serverURL]
	if ok {
		r.lock.Unlock()
		log.WithFields(r.LogTags).Infof(
			"Lost session establishment race for %s, discarding duplicate", serverURL,
		)
		if err := created.Close(ctxt); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Unable to discard duplicate session for %s", serverURL,
			)
		}
		return existing, nil
	}
	r.sessions[serverURL] = created
	r.lock.Unlock()
	log.WithFields(r.LogTags).Infof("Registered session for %s", serverURL)
	return created, nil
}

// probeSession reads the well known server status node through a session
func (r *registryImpl) probeSession(ctxt context.Context, session uaclient.Session) error {
	probed, err := session.ReadValue(ctxt, uaclient.NodeServerStatusState)
	if err != nil {
		return err
	}
	if !probed.Good {
		return fmt.Errorf("server status read returned %s", probed.Status)
	}
	running := false
	switch state := probed.Value.(type) {
	case int32:
		running = int64(state) == uaclient.ServerStateRunning
	case int64:
		running = state == uaclient.ServerStateRunning
	case uint32:
		running = int64(state) == uaclient.ServerStateRunning
	}
	if !running {
		return fmt.Errorf("server state %v is not running", probed.Value)
	}
	return nil
}

// ProbeAndRecover verifies a server's session is healthy
func (r *registryImpl) ProbeAndRecover(ctxt context.Context, serverURL string) bool {
	r.lock.Lock()
	existing, ok := r.sessions[serverURL]
	r.lock.Unlock()
	if !ok {
		// No session yet, attempt a fresh establishment
		_, err := r.GetOrCreateSession(ctxt, serverURL)
		return err == nil
	}
	probeErr := r.probeSession(ctxt, existing)
	if probeErr == nil {
		return true
	}
	log.WithError(probeErr).WithFields(r.LogTags).Warnf(
		"Session for %s failed liveness probe, recreating", serverURL,
	)

	// Evict the failed session, but only if it is still the registered one
	r.lock.Lock()
	if current, ok := r.sessions[serverURL]; ok && current == existing {
		delete(r.sessions, serverURL)
	}
	r.lock.Unlock()
	if err := existing.Close(ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Unable to close failed session for %s", serverURL,
		)
	}

	// One recovery attempt per probe
	if _, err := r.GetOrCreateSession(ctxt, serverURL); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Session recovery for %s failed", serverURL,
		)
		return false
	}
	return true
}

// KnownServers lists the server URLs with registered sessions
func (r *registryImpl) KnownServers() []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	servers := make([]string, 0, len(r.sessions))
	for serverURL := range r.sessions {
		servers = append(servers, serverURL)
	}
	return servers
}

// StartProbeLoop starts the background probe sweep over all known servers
func (r *registryImpl) StartProbeLoop(interval time.Duration, wg *sync.WaitGroup) error {
	log.WithFields(r.LogTags).Infof("Starting probe sweep every %s", interval)
	return r.probeTimer.Start(interval, func() error {
		for _, serverURL := range r.KnownServers() {
			probeCtxt, cancel := context.WithTimeout(context.Background(), r.probeTimeout)
			if !r.ProbeAndRecover(probeCtxt, serverURL) {
				log.WithFields(r.LogTags).Errorf("Probe sweep left %s unavailable", serverURL)
			}
			cancel()
		}
		return nil
	}, false)
}

// StopProbeLoop stops the background probe sweep
func (r *registryImpl) StopProbeLoop() error {
	return r.probeTimer.Stop()
}

// CloseAll tears down every registered session
func (r *registryImpl) CloseAll(ctxt context.Context) {
	r.lock.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]uaclient.Session)
	r.lock.Unlock()
	for serverURL, session := range sessions {
		if err := session.Close(ctxt); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Unable to close session for %s", serverURL,
			)
		}
	}
}
