package hydradash

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// NodesFile is the on-disk list of nodes to register at startup.
//
//	[[node]]
//	id = "alice"
//	url = "http://localhost:4001"
//	timeout_ms = 5000
type NodesFile struct {
	PollIntervalMs int64           `toml:"poll_interval_ms,omitempty"`
	Nodes          []NodesFileNode `toml:"node"`
}

type NodesFileNode struct {
	ID          string `toml:"id"`
	URL         string `toml:"url"`
	TimeoutMs   int64  `toml:"timeout_ms,omitempty"`
	DisplayName string `toml:"display_name,omitempty"`
	Label       string `toml:"label,omitempty"`
}

// LoadNodesFile reads a nodes file. Unknown keys are rejected so that
// typos do not silently drop settings.
func LoadNodesFile(path string) (*NodesFile, error) {
	nf := &NodesFile{}
	md, err := toml.DecodeFile(path, nf)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("parsing %s: unknown key %q", path, undecoded[0].String())
	}

	seen := make(map[string]bool, len(nf.Nodes))
	for i, n := range nf.Nodes {
		if n.URL == "" {
			return nil, fmt.Errorf("parsing %s: node %d has no url", path, i)
		}
		if n.ID != "" {
			if seen[n.ID] {
				return nil, fmt.Errorf("parsing %s: duplicate node id %q", path, n.ID)
			}
			seen[n.ID] = true
		}
	}
	return nf, nil
}

// Save writes the file to path, creating its directory if necessary.
func (nf *NodesFile) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(nf); err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	return nil
}

// NodeConfigs converts the file entries into registrable configs.
func (nf *NodesFile) NodeConfigs() []NodeConfig {
	out := make([]NodeConfig, 0, len(nf.Nodes))
	for _, n := range nf.Nodes {
		out = append(out, NodeConfig{
			ID:          n.ID,
			URL:         n.URL,
			Timeout:     time.Duration(n.TimeoutMs) * time.Millisecond,
			DisplayName: n.DisplayName,
			Label:       n.Label,
		})
	}
	return out
}

// NodesFileFrom captures the dashboard's current nodes.
func NodesFileFrom(d *Dashboard) *NodesFile {
	nf := &NodesFile{PollIntervalMs: d.config.PollInterval.Milliseconds()}
	for _, e := range d.Nodes() {
		nf.Nodes = append(nf.Nodes, NodesFileNode{
			ID:          e.Config.ID,
			URL:         e.Config.URL,
			TimeoutMs:   e.Config.Timeout.Milliseconds(),
			DisplayName: e.Config.DisplayName,
			Label:       e.Config.Label,
		})
	}
	return nf
}
