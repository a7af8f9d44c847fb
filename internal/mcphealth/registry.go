// Package mcphealth implements the MCP health registry (spec §4.10): a
// generic tool-server directory with stdio/url health probing and
// periodic monitoring.
//
// Grounded on the teacher repo's SetupMonitoringChannel/EmitMonitorEvent
// pair in engine.go, which models external tool health as just another
// NATS-carried MonitorEvent; generalized here into the typed probe
// interface spec §9 calls for ("model as a capability interface
// probe(name) -> health implemented by stdio or URL variants"), with
// robfig/cron/v3 driving the periodic sweep and patrickmn/go-cache
// holding the last-known status so repeated reads within a probe
// interval never re-probe.
package mcphealth

import (
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/dataparency-dev/delegation-control-plane/internal/cerrors"
	"github.com/dataparency-dev/delegation-control-plane/internal/metrics"
)

// Transport is how a server is reached.
type Transport string

const (
	TransportStdio Transport = "stdio"
	TransportHTTP  Transport = "http"
	TransportURL   Transport = "url"
)

// Tier is the trust boundary a server belongs to.
type Tier string

const (
	TierPublic  Tier = "public"
	TierPrivate Tier = "private"
	TierProject Tier = "project"
)

// Status is a server's last-observed health.
type Status string

const (
	StatusAvailable   Status = "available"
	StatusUnavailable Status = "unavailable"
	StatusDisabled    Status = "disabled"
	StatusError       Status = "error"
)

// Server is one registered tool server (spec §4.10).
type Server struct {
	Name        string    `yaml:"name"`
	Transport   Transport `yaml:"transport"`
	Command     string    `yaml:"command,omitempty"`
	Args        []string  `yaml:"args,omitempty"`
	URL         string    `yaml:"url,omitempty"`
	Tier        Tier      `yaml:"tier"`
	Tags        []string  `yaml:"tags,omitempty"`
	Enabled     bool      `yaml:"enabled"`
	Status      Status    `yaml:"-"`
	LastChecked time.Time `yaml:"-"`
	Error       string    `yaml:"-"`
}

// Prober checks one server's health.
type Prober interface {
	Probe(ctx context.Context, s Server) (Status, string)
}

// stdioProber checks that the server's command resolves on PATH.
type stdioProber struct{}

func (stdioProber) Probe(_ context.Context, s Server) (Status, string) {
	if s.Command == "" {
		return StatusError, "no command configured"
	}
	if _, err := exec.LookPath(s.Command); err != nil {
		return StatusUnavailable, err.Error()
	}
	return StatusAvailable, ""
}

// urlProber issues an idempotent HEAD probe with a bounded deadline.
type urlProber struct {
	client *http.Client
}

func (p urlProber) Probe(ctx context.Context, s Server) (Status, string) {
	if s.URL == "" {
		return StatusError, "no url configured"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.URL, nil)
	if err != nil {
		return StatusError, err.Error()
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return StatusUnavailable, err.Error()
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return StatusError, fmt.Sprintf("probe returned %d", resp.StatusCode)
	}
	return StatusAvailable, ""
}

// Registry is the generic tool-server directory.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]Server

	stdio Prober
	url   Prober
	statusCache *cache.Cache

	probeTimeout time.Duration
	cronRunner   *cron.Cron
	entryID      cron.EntryID
}

// Options tunes probe and cache behavior.
type Options struct {
	ProbeTimeout  time.Duration
	StatusTTL     time.Duration
}

func defaultOptions(o Options) Options {
	if o.ProbeTimeout == 0 {
		o.ProbeTimeout = 5 * time.Second
	}
	if o.StatusTTL == 0 {
		o.StatusTTL = 30 * time.Second
	}
	return o
}

func New(opts Options) *Registry {
	opts = defaultOptions(opts)
	return &Registry{
		servers:      make(map[string]Server),
		stdio:        stdioProber{},
		url:          urlProber{client: &http.Client{Timeout: opts.ProbeTimeout}},
		statusCache:  cache.New(opts.StatusTTL, 2*opts.StatusTTL),
		probeTimeout: opts.ProbeTimeout,
	}
}

// discoveryDocument is the top-level shape a config file may take (spec
// §6): either {mcpServers: {...}}, {servers: {...}}, or the map itself.
type discoveryDocument struct {
	MCPServers map[string]Server `yaml:"mcpServers"`
	Servers    map[string]Server `yaml:"servers"`
}

// Initialize loads the first existing path in discoveryPaths (first-wins)
// and registers every server it describes.
func (r *Registry) Initialize(discoveryPaths []string, readFile func(path string) ([]byte, error)) error {
	for _, path := range discoveryPaths {
		data, err := readFile(path)
		if err != nil {
			continue
		}
		return r.loadDocument(data)
	}
	return nil
}

func (r *Registry) loadDocument(data []byte) error {
	var doc discoveryDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return cerrors.NewInvalidRequest("invalid mcp discovery document: " + err.Error())
	}

	merged := doc.MCPServers
	if merged == nil {
		merged = doc.Servers
	}
	if merged == nil {
		var flat map[string]Server
		if err := yaml.Unmarshal(data, &flat); err == nil {
			merged = flat
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for name, s := range merged {
		if s.Name == "" {
			s.Name = name
		}
		s.Status = StatusUnavailable
		if !s.Enabled {
			s.Status = StatusDisabled
		}
		r.servers[name] = s
	}
	return nil
}

// CheckServerHealth probes one server and updates its stored status.
func (r *Registry) CheckServerHealth(ctx context.Context, name string) (Server, error) {
	r.mu.RLock()
	s, ok := r.servers[name]
	r.mu.RUnlock()
	if !ok {
		return Server{}, cerrors.NewNotFound("mcp server " + name + " not registered")
	}
	if !s.Enabled {
		return s, nil
	}

	if cached, found := r.statusCache.Get(name); found {
		s.Status = cached.(Status)
		return s, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()

	start := time.Now()
	var status Status
	var errMsg string
	switch s.Transport {
	case TransportStdio:
		status, errMsg = r.stdio.Probe(ctx, s)
	default:
		status, errMsg = r.url.Probe(ctx, s)
	}
	metrics.MCPHealthCheckDuration.WithLabelValues(string(s.Transport)).Observe(time.Since(start).Seconds())

	s.Status = status
	s.Error = errMsg
	s.LastChecked = time.Now()

	r.mu.Lock()
	r.servers[name] = s
	r.mu.Unlock()
	r.statusCache.SetDefault(name, status)

	return s, nil
}

// CheckAllHealth probes every registered server.
func (r *Registry) CheckAllHealth(ctx context.Context) map[string]Server {
	r.mu.RLock()
	names := make([]string, 0, len(r.servers))
	for name := range r.servers {
		names = append(names, name)
	}
	r.mu.RUnlock()

	out := make(map[string]Server, len(names))
	for _, name := range names {
		s, err := r.CheckServerHealth(ctx, name)
		if err == nil {
			out[name] = s
		}
	}
	return out
}

// StartHealthMonitoring runs CheckAllHealth on a cron schedule. Calling it
// a second time while already running is a no-op (spec §4.10: idempotent).
func (r *Registry) StartHealthMonitoring(intervalSeconds int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cronRunner != nil {
		return
	}
	if intervalSeconds <= 0 {
		intervalSeconds = 60
	}
	r.cronRunner = cron.New()
	id, err := r.cronRunner.AddFunc(fmt.Sprintf("@every %ds", intervalSeconds), func() {
		r.CheckAllHealth(context.Background())
	})
	if err != nil {
		r.cronRunner = nil
		return
	}
	r.entryID = id
	r.cronRunner.Start()
}

// StopHealthMonitoring cancels the periodic probe; safe to call when not
// running.
func (r *Registry) StopHealthMonitoring() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cronRunner == nil {
		return
	}
	r.cronRunner.Remove(r.entryID)
	r.cronRunner.Stop()
	r.cronRunner = nil
}

// Statistics summarizes the registry by tier, transport, and status.
type Statistics struct {
	ByTier      map[Tier]int
	ByTransport map[Transport]int
	ByStatus    map[Status]int
}

func (r *Registry) Stats() Statistics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := Statistics{
		ByTier:      make(map[Tier]int),
		ByTransport: make(map[Transport]int),
		ByStatus:    make(map[Status]int),
	}
	for _, s := range r.servers {
		stats.ByTier[s.Tier]++
		stats.ByTransport[s.Transport]++
		stats.ByStatus[s.Status]++
	}
	return stats
}

// Get returns one server's current record.
func (r *Registry) Get(name string) (Server, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.servers[name]
	if !ok {
		return Server{}, cerrors.NewNotFound("mcp server " + name + " not registered")
	}
	return s, nil
}

// All returns every registered server.
func (r *Registry) All() []Server {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Server, 0, len(r.servers))
	for _, s := range r.servers {
		out = append(out, s)
	}
	return out
}
