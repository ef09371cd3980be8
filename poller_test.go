package hydradash

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/hydra-dash/hydradash/internal/util"
)

func TestPollerTickSkipsBusyAndDisconnected(t *testing.T) {
	idle := util.NewMockNode()
	defer idle.Close()
	busy := util.NewMockNode()
	defer busy.Close()
	offline := util.NewMockNode()
	defer offline.Close()

	d, _ := newTestDashboard(t,
		NodeConfig{ID: "idle", URL: idle.URL()},
		NodeConfig{ID: "busy", URL: busy.URL()},
		NodeConfig{ID: "offline", URL: offline.URL()},
	)
	ctx := context.Background()
	require.NoError(t, d.TestConnection(ctx, "idle"))
	require.NoError(t, d.TestConnection(ctx, "busy"))

	n, _ := d.reg.get("busy")
	end := n.begin()
	defer end()

	skipped := testutil.ToFloat64(pollSkippedBusyTotalMetric)
	d.poller.tick(ctx)
	d.poller.wait()

	require.Equal(t, 1, idle.Count("/state"))
	require.Zero(t, busy.Count("/state"))
	require.Zero(t, offline.Count("/state"))
	require.Equal(t, skipped+1, testutil.ToFloat64(pollSkippedBusyTotalMetric))

	e, _ := d.Node("idle")
	require.False(t, e.Busy)
	require.False(t, e.LastRefresh.IsZero())

	end()
	d.poller.tick(ctx)
	d.poller.wait()
	require.Equal(t, 2, idle.Count("/state"))
	require.Equal(t, 1, busy.Count("/state"))
}

func TestPollerFailureDisconnects(t *testing.T) {
	m := util.NewMockNode()
	defer m.Close()
	d, _ := newTestDashboard(t, NodeConfig{ID: "n1", URL: m.URL()})
	ctx := context.Background()
	require.NoError(t, d.TestConnection(ctx, "n1"))

	m.Fail(http.StatusBadGateway)
	errs := testutil.ToFloat64(pollRefreshErrorMetric)
	d.poller.tick(ctx)
	d.poller.wait()

	e, _ := d.Node("n1")
	require.False(t, e.Connected)
	require.Equal(t, "HTTP 502: Bad Gateway", e.LastError)
	require.Equal(t, errs+1, testutil.ToFloat64(pollRefreshErrorMetric))

	d.poller.tick(ctx)
	d.poller.wait()
	require.Equal(t, 1, m.Count("/state"))
}

func TestPollerSlowNodeDoesNotDelayOthers(t *testing.T) {
	slow := util.NewMockNode()
	defer slow.Close()
	fast := util.NewMockNode()
	defer fast.Close()

	d, clk := newTestDashboard(t,
		NodeConfig{ID: "slow", URL: slow.URL(), Timeout: 30 * time.Second},
		NodeConfig{ID: "fast", URL: fast.URL()},
	)
	ctx := context.Background()
	require.NoError(t, d.TestConnection(ctx, "slow"))
	require.NoError(t, d.TestConnection(ctx, "fast"))

	release := slow.Hold("/state")
	defer release()

	for i := 1; i <= 6; i++ {
		clk.Add(DefaultPollInterval)
		require.Eventually(t, func() bool { return fast.Count("/state") == i }, 2*time.Second, 5*time.Millisecond)
	}
	require.Equal(t, 1, slow.Count("/state"))
	e, _ := d.Node("slow")
	require.True(t, e.Busy)

	release()
	require.Eventually(t, func() bool {
		e, _ := d.Node("slow")
		return !e.Busy
	}, 2*time.Second, 5*time.Millisecond)
	clk.Add(DefaultPollInterval)
	require.Eventually(t, func() bool { return slow.Count("/state") == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestPollerFollowsClock(t *testing.T) {
	m := util.NewMockNode()
	defer m.Close()
	m.SetState(util.HeadState{IsInitialized: true, IsOpen: true})

	clk := clock.NewMock()
	d, err := NewDashboard(&Config{
		Nodes:            []NodeConfig{{ID: "n1", URL: m.URL()}},
		NoBootstrap:      true,
		Clock:            clk,
		PollInterval:     time.Second,
		ActivityInterval: time.Hour,
	})
	require.NoError(t, err)
	require.NoError(t, d.TestConnection(context.Background(), "n1"))

	clk.Add(500 * time.Millisecond)
	require.Zero(t, m.Count("/state"))

	clk.Add(500 * time.Millisecond)
	require.Eventually(t, func() bool {
		e, _ := d.Node("n1")
		return e.Status() == "Open"
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, m.Count("/state"))

	clk.Add(time.Second)
	require.Eventually(t, func() bool { return m.Count("/state") == 2 }, 2*time.Second, 10*time.Millisecond)

	d.Close()
	clk.Add(5 * time.Second)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 2, m.Count("/state"))
}
