package hydradash

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// NodeConfig identifies a node and how to reach it.
type NodeConfig struct {
	// ID is assigned at registration and never changes.
	ID      string
	URL     string
	Timeout time.Duration

	DisplayName string
	Label       string
}

func (c NodeConfig) withDefaults() NodeConfig {
	if c.Timeout <= 0 {
		c.Timeout = DefaultRequestTimeout
	}
	return c
}

// NodeConfigUpdate is a partial NodeConfig; nil fields are left unchanged.
type NodeConfigUpdate struct {
	URL         *string
	Timeout     *time.Duration
	DisplayName *string
	Label       *string
}

func (c NodeConfig) apply(u NodeConfigUpdate) NodeConfig {
	if u.URL != nil {
		c.URL = *u.URL
	}
	if u.Timeout != nil {
		c.Timeout = *u.Timeout
	}
	if u.DisplayName != nil {
		c.DisplayName = *u.DisplayName
	}
	if u.Label != nil {
		c.Label = *u.Label
	}
	return c.withDefaults()
}

// NodeEntry is a point-in-time copy of everything known about a node.
type NodeEntry struct {
	Config    NodeConfig
	State     NodeState
	Connected bool
	Busy      bool
	LastError string

	LastRefresh  time.Time
	AvgLatencyMs float64
	// Anomaly describes contradictory lifecycle flags in State, if any.
	Anomaly string
	Stream  *StreamInfo
}

// Status is the one-word summary shown next to a node.
func (e NodeEntry) Status() string {
	if !e.Connected {
		return "Disconnected"
	}
	phase, err := e.State.Phase()
	if err != nil {
		return "Anomalous"
	}
	switch phase {
	case PhaseIdle:
		return "Not Initialized"
	case PhaseOpen:
		return "Open"
	case PhaseClosed:
		return "Closed"
	default:
		return "Initialized"
	}
}

type node struct {
	id     string
	client *Client

	// ctx is cancelled when the node is removed; requests and stream dials
	// made on its behalf are bound to it.
	ctx    context.Context
	cancel context.CancelFunc

	// inflight counts outstanding requests; the node is busy while it is non-zero.
	inflight atomic.Int32

	lk          sync.Mutex
	config      NodeConfig // guarded by lk
	state       NodeState  // guarded by lk
	connected   bool       // guarded by lk
	lastError   string     // guarded by lk
	lastRefresh time.Time  // guarded by lk
	anomaly     string     // guarded by lk
	stream      *Stream    // guarded by lk
}

func newNode(cfg NodeConfig, hc *http.Client, activity *activityLog) *node {
	cfg = cfg.withDefaults()
	client := NewClient(cfg, hc)
	client.activity = activity
	ctx, cancel := context.WithCancel(context.Background())
	return &node{
		id:     cfg.ID,
		client: client,
		ctx:    ctx,
		cancel: cancel,
		config: cfg,
		state:  UninitializedState(),
	}
}

func (n *node) entry() NodeEntry {
	n.lk.Lock()
	defer n.lk.Unlock()
	e := NodeEntry{
		Config:       n.config,
		State:        n.state,
		Connected:    n.connected,
		Busy:         n.busy(),
		LastError:    n.lastError,
		LastRefresh:  n.lastRefresh,
		AvgLatencyMs: n.client.AvgLatencyMs(),
		Anomaly:      n.anomaly,
	}
	if n.stream != nil {
		info := n.stream.Info()
		e.Stream = &info
	}
	return e
}

// bind returns a context that ends with ctx or when the node is removed,
// whichever comes first.
func (n *node) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	bctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(n.ctx, cancel)
	return bctx, func() {
		stop()
		cancel()
	}
}

func (n *node) removed() bool {
	return n.ctx.Err() != nil
}

func (n *node) busy() bool {
	return n.inflight.Load() > 0
}

// begin marks a request as outstanding. The returned func ends it.
func (n *node) begin() func() {
	n.inflight.Inc()
	return func() { n.inflight.Dec() }
}

// tryBegin is begin for callers that would rather not overlap with an
// outstanding request; it reports false when the node is busy.
func (n *node) tryBegin() (func(), bool) {
	if !n.inflight.CompareAndSwap(0, 1) {
		return nil, false
	}
	return func() { n.inflight.Dec() }, true
}

func (n *node) isConnected() bool {
	n.lk.Lock()
	defer n.lk.Unlock()
	return n.connected
}

func (n *node) setError(msg string) {
	n.lk.Lock()
	n.lastError = msg
	n.lk.Unlock()
}

func (n *node) setConnected(ok bool, msg string) {
	n.lk.Lock()
	n.connected = ok
	n.lastError = msg
	n.lk.Unlock()
}

// setState replaces the state wholesale; concurrent refreshes are last-write-wins.
func (n *node) setState(st NodeState, at time.Time) {
	anomaly := ""
	if _, err := st.Phase(); err != nil {
		anomaly = err.Error()
		stateAnomaliesTotalMetric.Add(1)
		goLogger.Warnw("node reported contradictory head state", "node", n.id, "err", err,
			"initialized", st.IsInitialized, "open", st.IsOpen, "closed", st.IsClosed)
	}

	n.lk.Lock()
	n.state = st
	n.anomaly = anomaly
	n.lastRefresh = at
	n.lastError = ""
	n.lk.Unlock()
}

func (n *node) swapStream(s *Stream) *Stream {
	n.lk.Lock()
	defer n.lk.Unlock()
	old := n.stream
	n.stream = s
	return old
}

func (n *node) currentStream() *Stream {
	n.lk.Lock()
	defer n.lk.Unlock()
	return n.stream
}
