package hydradash

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

type Config struct {
	// Nodes are registered, in order, when the dashboard starts.
	Nodes []NodeConfig
	// BootstrapURL is the URL of the node registered when Nodes is empty.
	BootstrapURL string
	// NoBootstrap disables registering a node when Nodes is empty.
	NoBootstrap bool

	// PollInterval is the interval at which connected nodes have their state refreshed.
	PollInterval time.Duration
	// RequestTimeout is the timeout given to nodes registered without one.
	RequestTimeout time.Duration
	// NodeClient is the HTTP client used to talk to Hydra nodes.
	NodeClient *http.Client

	// ActivityEndpoint is where batches of request activity are submitted. Nil keeps activity local.
	ActivityEndpoint *url.URL
	// ActivityClient is the HTTP client to use when submitting activity.
	ActivityClient *http.Client
	// ActivityInterval is the interval at which we submit activity to ActivityEndpoint.
	ActivityInterval time.Duration
	// ActivityHistory is how many activity records are kept in memory.
	ActivityHistory int

	// Clock drives polling. Tests swap in a mock.
	Clock clock.Clock
}

const DefaultPollInterval = 5 * time.Second
const DefaultRequestTimeout = 5 * time.Second
const DefaultNodeURL = "http://localhost:4001"

const DefaultActivityInterval = 5 * time.Second
const DefaultActivityHistory = 500

type Dashboard struct {
	config   *Config
	clock    clock.Clock
	reg      *registry
	poller   *poller
	activity *activityLog

	closeOnce sync.Once
}

// NewDashboard registers the configured nodes and starts polling them. The
// returned Dashboard must be closed to stop polling.
func NewDashboard(config *Config) (*Dashboard, error) {
	if config.PollInterval == 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = DefaultRequestTimeout
	}
	if config.BootstrapURL == "" {
		config.BootstrapURL = DefaultNodeURL
	}
	if config.NodeClient == nil {
		config.NodeClient = &http.Client{}
	}
	if config.ActivityClient == nil {
		config.ActivityClient = &http.Client{Timeout: 30 * time.Second}
	}
	if config.ActivityInterval == 0 {
		config.ActivityInterval = DefaultActivityInterval
	}
	if config.ActivityHistory == 0 {
		config.ActivityHistory = DefaultActivityHistory
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.PollInterval < 0 {
		return nil, fmt.Errorf("poll interval must be positive, got %s", config.PollInterval)
	}

	d := &Dashboard{
		config:   config,
		clock:    config.Clock,
		activity: newActivityLog(config),
	}
	d.reg = newRegistry(config.NodeClient, d.activity)

	for _, nc := range config.Nodes {
		if _, _, err := d.AddNode(nc); err != nil {
			d.activity.Close()
			return nil, err
		}
	}
	if len(config.Nodes) == 0 && !config.NoBootstrap {
		id := fmt.Sprintf("node-%d", d.clock.Now().UnixMilli())
		if _, _, err := d.AddNode(NodeConfig{ID: id, URL: config.BootstrapURL}); err != nil {
			d.activity.Close()
			return nil, err
		}
	}

	d.poller = newPoller(d.reg, d.clock, config.PollInterval)
	goLogger.Infow("dashboard started", "nodes", d.reg.len(), "pollInterval", config.PollInterval)
	return d, nil
}

// Close stops polling and shuts down every open stream along with the
// activity log. Requests still running against nodes are cancelled. Calling
// Close more than once is a no-op.
func (d *Dashboard) Close() {
	d.closeOnce.Do(func() {
		for _, n := range d.reg.list() {
			n.cancel()
		}
		d.poller.Close()
		for _, n := range d.reg.list() {
			if s := n.swapStream(nil); s != nil {
				s.Close()
			}
		}
		d.activity.Close()
	})
}

// AddNode registers a node. An empty ID is replaced by a generated one. If
// a node with the same ID is already registered nothing changes and the
// returned bool is false.
func (d *Dashboard) AddNode(cfg NodeConfig) (NodeConfig, bool, error) {
	if cfg.ID == "" {
		cfg.ID = "node-" + uuid.NewString()
	}
	if cfg.URL == "" {
		return NodeConfig{}, false, fmt.Errorf("node %s: url is required", cfg.ID)
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return NodeConfig{}, false, fmt.Errorf("node %s: invalid url: %w", cfg.ID, err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = d.config.RequestTimeout
	}
	cfg = cfg.withDefaults()

	if !d.reg.add(cfg) {
		goLogger.Debugw("node already registered", "node", cfg.ID)
		if n, ok := d.reg.get(cfg.ID); ok {
			return n.entry().Config, false, nil
		}
		return cfg, false, nil
	}
	goLogger.Infow("node registered", "node", cfg.ID, "url", cfg.URL)
	return cfg, true, nil
}

// RemoveNode forgets a node, closing its stream if one is open.
func (d *Dashboard) RemoveNode(id string) error {
	n, err := d.reg.remove(id)
	if err != nil {
		return err
	}
	if s := n.swapStream(nil); s != nil {
		s.Close()
	}
	goLogger.Infow("node removed", "node", id)
	return nil
}

// UpdateNodeConfig applies u to the node's configuration. Requests already
// in flight finish against the configuration they started with.
func (d *Dashboard) UpdateNodeConfig(id string, u NodeConfigUpdate) (NodeConfig, error) {
	if u.URL != nil {
		if *u.URL == "" {
			return NodeConfig{}, fmt.Errorf("node %s: url is required", id)
		}
		if _, err := url.Parse(*u.URL); err != nil {
			return NodeConfig{}, fmt.Errorf("node %s: invalid url: %w", id, err)
		}
	}
	cfg, err := d.reg.updateConfig(id, u)
	if err != nil {
		return NodeConfig{}, err
	}
	goLogger.Debugw("node config updated", "node", id, "url", cfg.URL, "timeout", cfg.Timeout)
	return cfg, nil
}

func (d *Dashboard) UpdateNodeURL(id, url string) (NodeConfig, error) {
	return d.UpdateNodeConfig(id, NodeConfigUpdate{URL: &url})
}

func (d *Dashboard) UpdateNodeLabel(id, label string) (NodeConfig, error) {
	return d.UpdateNodeConfig(id, NodeConfigUpdate{Label: &label})
}

// Node returns a snapshot of the node's entry.
func (d *Dashboard) Node(id string) (NodeEntry, bool) {
	n, ok := d.reg.get(id)
	if !ok {
		return NodeEntry{}, false
	}
	return n.entry(), true
}

// Nodes returns a snapshot of every entry in registration order.
func (d *Dashboard) Nodes() []NodeEntry {
	nodes := d.reg.list()
	out := make([]NodeEntry, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.entry())
	}
	return out
}

// SetError overwrites the node's last error. An empty msg clears it.
func (d *Dashboard) SetError(id, msg string) error {
	n, ok := d.reg.get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	n.setError(msg)
	return nil
}

// Activity returns the most recent requests made to nodes, oldest first.
func (d *Dashboard) Activity() []Activity {
	return d.activity.Recent()
}

// Client returns the transport client bound to the node.
func (d *Dashboard) Client(id string) (*Client, error) {
	n, ok := d.reg.get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	return n.client, nil
}

// ConnectStream opens a websocket stream for the node, replacing any stream
// it already has. The stream stays attached when dialing fails so its error
// status can be shown.
func (d *Dashboard) ConnectStream(ctx context.Context, id, wsURL string) (StreamInfo, error) {
	n, ok := d.reg.get(id)
	if !ok {
		return StreamInfo{}, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	s := newStream(id, wsURL)
	if old := n.swapStream(s); old != nil {
		old.Close()
	}
	ctx, done := n.bind(ctx)
	defer done()
	err := s.connect(ctx)
	return s.Info(), err
}

func (d *Dashboard) DisconnectStream(id string) error {
	n, ok := d.reg.get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if s := n.swapStream(nil); s != nil {
		s.Close()
	}
	return nil
}

// SendStreamCommand writes cmd to the node's open stream.
func (d *Dashboard) SendStreamCommand(ctx context.Context, id string, cmd ClientInput) error {
	n, ok := d.reg.get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	s := n.currentStream()
	if s == nil {
		return fmt.Errorf("%w: node %s", ErrStreamNotConnected, id)
	}
	err := s.Send(ctx, cmd)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	commandsTotalMetric.WithLabelValues(string(cmd.Tag), "stream-"+outcome).Add(1)
	return err
}
