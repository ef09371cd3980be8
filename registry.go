package hydradash

import (
	"fmt"
	"net/http"
	"sync"
)

// registry owns every tracked node, keyed by id and kept in registration order.
type registry struct {
	httpClient *http.Client
	activity   *activityLog

	lk    sync.RWMutex
	order []string         // guarded by lk
	nodes map[string]*node // guarded by lk
}

func newRegistry(hc *http.Client, activity *activityLog) *registry {
	return &registry{
		httpClient: hc,
		activity:   activity,
		nodes:      make(map[string]*node),
	}
}

// add registers cfg and reports whether it was new. Registering an id that
// is already present changes nothing.
func (r *registry) add(cfg NodeConfig) bool {
	r.lk.Lock()
	defer r.lk.Unlock()

	if _, ok := r.nodes[cfg.ID]; ok {
		return false
	}
	r.nodes[cfg.ID] = newNode(cfg, r.httpClient, r.activity)
	r.order = append(r.order, cfg.ID)
	registrySizeMetric.Set(float64(len(r.order)))
	return true
}

// remove forgets the node, cancels every request still running on its
// behalf and hands it back so the caller can release its stream.
func (r *registry) remove(id string) (*node, error) {
	r.lk.Lock()
	defer r.lk.Unlock()

	n, ok := r.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	delete(r.nodes, id)
	n.cancel()
	for i, o := range r.order {
		if o == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	registrySizeMetric.Set(float64(len(r.order)))
	r.updateConnectedMetricLocked()
	return n, nil
}

// updateConfig merges u into the node's config. The node keeps its client;
// the client is reconfigured so later calls use the new URL and timeout.
func (r *registry) updateConfig(id string, u NodeConfigUpdate) (NodeConfig, error) {
	n, ok := r.get(id)
	if !ok {
		return NodeConfig{}, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}

	n.lk.Lock()
	cfg := n.config.apply(u)
	cfg.ID = n.id
	n.config = cfg
	n.lk.Unlock()

	n.client.UpdateConfig(cfg)
	return cfg, nil
}

func (r *registry) get(id string) (*node, bool) {
	r.lk.RLock()
	defer r.lk.RUnlock()
	n, ok := r.nodes[id]
	return n, ok
}

func (r *registry) list() []*node {
	r.lk.RLock()
	defer r.lk.RUnlock()
	out := make([]*node, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.nodes[id])
	}
	return out
}

func (r *registry) len() int {
	r.lk.RLock()
	defer r.lk.RUnlock()
	return len(r.order)
}

func (r *registry) updateConnectedMetric() {
	r.lk.RLock()
	defer r.lk.RUnlock()
	r.updateConnectedMetricLocked()
}

func (r *registry) updateConnectedMetricLocked() {
	connected := 0
	for _, n := range r.nodes {
		if n.isConnected() {
			connected++
		}
	}
	registryConnectedMetric.Set(float64(connected))
}
