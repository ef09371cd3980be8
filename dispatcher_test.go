package hydradash

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/hydra-dash/hydradash/internal/util"
)

func newTestDashboard(t *testing.T, nodes ...NodeConfig) (*Dashboard, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	d, err := NewDashboard(&Config{
		Nodes:            nodes,
		NoBootstrap:      true,
		Clock:            clk,
		ActivityInterval: time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(d.Close)
	return d, clk
}

func totalRequests(m *util.MockNode) int {
	return m.Count("/health") + m.Count("/state") + m.Count("/command")
}

func TestSendCommandMissingNode(t *testing.T) {
	m := util.NewMockNode()
	defer m.Close()
	d, _ := newTestDashboard(t, NodeConfig{ID: "n1", URL: m.URL()})

	err := d.SendCommand(context.Background(), "missing-id", Abort())
	require.ErrorIs(t, err, ErrNotConnected)
	require.Zero(t, totalRequests(m))

	e, _ := d.Node("n1")
	require.Empty(t, e.LastError)
}

func TestSendCommandDisconnectedNode(t *testing.T) {
	m := util.NewMockNode()
	defer m.Close()
	d, _ := newTestDashboard(t, NodeConfig{ID: "n1", URL: m.URL()})

	err := d.SendCommand(context.Background(), "n1", Init())
	require.ErrorIs(t, err, ErrNotConnected)
	require.Zero(t, totalRequests(m))

	e, _ := d.Node("n1")
	require.Equal(t, "not connected to Hydra node", e.LastError)
	require.False(t, e.Busy)
}

func TestSendCommandInitScenario(t *testing.T) {
	m := util.NewMockNode()
	defer m.Close()
	d, _ := newTestDashboard(t, NodeConfig{ID: "n1", URL: m.URL()})
	ctx := context.Background()

	require.NoError(t, d.TestConnection(ctx, "n1"))
	e, _ := d.Node("n1")
	require.True(t, e.Connected)

	require.NoError(t, d.SendCommand(ctx, "n1", Init()))
	require.Equal(t, 1, m.Count("/command"))
	require.Equal(t, 1, m.Count("/state"))

	e, _ = d.Node("n1")
	require.True(t, e.State.IsInitialized)
	require.Equal(t, "head-1", e.State.HeadID)
	require.Equal(t, "Initialized", e.Status())
	require.False(t, e.Busy)
	require.Empty(t, e.LastError)
	require.False(t, e.LastRefresh.IsZero())
}

func TestSendCommandRefreshesOnceBeforeIdle(t *testing.T) {
	m := util.NewMockNode()
	defer m.Close()
	d, _ := newTestDashboard(t, NodeConfig{ID: "n1", URL: m.URL()})
	ctx := context.Background()
	require.NoError(t, d.TestConnection(ctx, "n1"))

	release := m.Hold("/state")
	defer release()

	done := make(chan error, 1)
	go func() { done <- d.SendCommand(ctx, "n1", Init()) }()

	require.Eventually(t, func() bool { return m.Count("/state") == 1 }, 2*time.Second, 10*time.Millisecond)
	e, _ := d.Node("n1")
	require.True(t, e.Busy)
	require.Equal(t, 1, m.Count("/command"))

	release()
	require.NoError(t, <-done)
	e, _ = d.Node("n1")
	require.False(t, e.Busy)
	require.Equal(t, 1, m.Count("/state"))
	require.True(t, e.State.IsInitialized)
}

func TestSendCommandRejected(t *testing.T) {
	m := util.NewMockNode()
	defer m.Close()
	d, _ := newTestDashboard(t, NodeConfig{ID: "n1", URL: m.URL()})
	ctx := context.Background()
	require.NoError(t, d.TestConnection(ctx, "n1"))

	m.Fail(http.StatusBadRequest)
	err := d.SendCommand(ctx, "n1", Close())
	require.Error(t, err)

	e, _ := d.Node("n1")
	require.Equal(t, "HTTP 400: Bad Request", e.LastError)
	require.True(t, e.Connected)
	require.False(t, e.Busy)
	require.Zero(t, m.Count("/state"))
}

func TestSendCommandTimeoutDisconnects(t *testing.T) {
	m := util.NewMockNode()
	defer m.Close()
	d, _ := newTestDashboard(t, NodeConfig{ID: "n1", URL: m.URL(), Timeout: 100 * time.Millisecond})
	ctx := context.Background()
	require.NoError(t, d.TestConnection(ctx, "n1"))

	m.SetDelay(3 * time.Second)
	start := time.Now()
	err := d.SendCommand(ctx, "n1", Contest())
	require.ErrorIs(t, err, ErrTimeout)
	require.Less(t, time.Since(start), 2*time.Second)

	e, _ := d.Node("n1")
	require.False(t, e.Connected)
	require.False(t, e.Busy)
	require.Contains(t, e.LastError, "timed out")
}

func TestSendCommandRefreshFailureStillSucceeds(t *testing.T) {
	m := util.NewMockNode()
	defer m.Close()
	d, _ := newTestDashboard(t, NodeConfig{ID: "n1", URL: m.URL()})
	ctx := context.Background()
	require.NoError(t, d.TestConnection(ctx, "n1"))

	m.SetRawState("not json")
	require.NoError(t, d.SendCommand(ctx, "n1", Fanout()))

	e, _ := d.Node("n1")
	require.Contains(t, e.LastError, "malformed response")
	require.Equal(t, UninitializedState(), e.State)
	require.False(t, e.Busy)
}

func TestSendCommandInvalid(t *testing.T) {
	m := util.NewMockNode()
	defer m.Close()
	d, _ := newTestDashboard(t, NodeConfig{ID: "n1", URL: m.URL()})
	require.NoError(t, d.TestConnection(context.Background(), "n1"))
	require.NoError(t, d.SetError("n1", "kept"))

	err := d.SendCommand(context.Background(), "n1", ClientInput{Tag: TagNewTx})
	require.ErrorIs(t, err, ErrInvalidCommand)
	require.Zero(t, m.Count("/command"))
	e, _ := d.Node("n1")
	require.Equal(t, "kept", e.LastError)
}

func TestTestConnectionFailure(t *testing.T) {
	m := util.NewMockNode()
	defer m.Close()
	d, _ := newTestDashboard(t, NodeConfig{ID: "n1", URL: m.URL()})
	ctx := context.Background()

	require.NoError(t, d.TestConnection(ctx, "n1"))
	m.Fail(http.StatusInternalServerError)
	require.Error(t, d.TestConnection(ctx, "n1"))

	e, _ := d.Node("n1")
	require.False(t, e.Connected)
	require.Equal(t, "HTTP 500: Internal Server Error", e.LastError)

	m.Recover()
	require.NoError(t, d.TestConnection(ctx, "n1"))
	e, _ = d.Node("n1")
	require.True(t, e.Connected)
	require.Empty(t, e.LastError)

	require.ErrorIs(t, d.TestConnection(ctx, "nope"), ErrNodeNotFound)
}

func TestFetchState(t *testing.T) {
	m := util.NewMockNode()
	defer m.Close()
	m.SetState(util.HeadState{HeadID: "h1", Parties: []string{"alice"}, IsInitialized: true, IsOpen: true, SnapshotNumber: 2})
	d, _ := newTestDashboard(t, NodeConfig{ID: "n1", URL: m.URL()})
	ctx := context.Background()

	_, err := d.FetchState(ctx, "n1")
	require.ErrorIs(t, err, ErrNotConnected)
	require.Zero(t, m.Count("/state"))

	require.NoError(t, d.TestConnection(ctx, "n1"))
	st, err := d.FetchState(ctx, "n1")
	require.NoError(t, err)
	require.Equal(t, "h1", st.HeadID)
	require.Equal(t, []string{"alice"}, st.Parties)
	require.Equal(t, []Transaction{}, st.UTxO)

	first, _ := d.Node("n1")
	_, err = d.FetchState(ctx, "n1")
	require.NoError(t, err)
	second, _ := d.Node("n1")
	require.Equal(t, first.State, second.State)

	m.Fail(http.StatusServiceUnavailable)
	_, err = d.FetchState(ctx, "n1")
	require.Error(t, err)
	e, _ := d.Node("n1")
	require.False(t, e.Connected)
	require.Equal(t, first.State, e.State)
	require.Equal(t, "HTTP 503: Service Unavailable", e.LastError)
}

func TestNodeFailuresAreIsolated(t *testing.T) {
	good := util.NewMockNode()
	defer good.Close()
	bad := util.NewMockNode()
	defer bad.Close()
	d, _ := newTestDashboard(t,
		NodeConfig{ID: "good", URL: good.URL()},
		NodeConfig{ID: "bad", URL: bad.URL()},
	)
	ctx := context.Background()
	require.NoError(t, d.TestConnection(ctx, "good"))
	require.NoError(t, d.TestConnection(ctx, "bad"))

	bad.Fail(http.StatusInternalServerError)
	require.Error(t, d.SendCommand(ctx, "bad", Init()))
	require.NoError(t, d.SendCommand(ctx, "good", Init()))

	g, _ := d.Node("good")
	require.Empty(t, g.LastError)
	require.True(t, g.State.IsInitialized)
	b, _ := d.Node("bad")
	require.NotEmpty(t, b.LastError)
	require.False(t, b.State.IsInitialized)
}
