package hydradash

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hydra-dash/hydradash/internal/util"
)

func newTestClient(t *testing.T, m *util.MockNode, timeout time.Duration) *Client {
	t.Helper()
	return NewClient(NodeConfig{ID: "n1", URL: m.URL(), Timeout: timeout}, nil)
}

func TestClientFetchState(t *testing.T) {
	m := util.NewMockNode()
	defer m.Close()
	period := int64(60)
	m.SetRawState(`{"headId":"h1","contestationPeriod":60,"parties":["alice"],"utxo":[{"id":"tx1","inputs":[],"outputs":[{"address":"addr","value":10}],"fee":1}],"snapshotNumber":7,"isInitialized":true,"isOpen":true,"isClosed":false}`)

	c := newTestClient(t, m, time.Second)
	st, err := c.FetchState(context.Background())
	require.NoError(t, err)
	require.Equal(t, NodeState{
		HeadID:             "h1",
		ContestationPeriod: &period,
		Parties:            []string{"alice"},
		UTxO: []Transaction{{
			ID:      "tx1",
			Inputs:  []TxInput{},
			Outputs: []TxOutput{{Address: "addr", Value: 10}},
			Fee:     1,
		}},
		SnapshotNumber: 7,
		IsInitialized:  true,
		IsOpen:         true,
	}, st)

	again, err := c.FetchState(context.Background())
	require.NoError(t, err)
	require.Equal(t, st, again)
	require.Equal(t, 2, m.Count("/state"))
}

func TestClientTimeout(t *testing.T) {
	m := util.NewMockNode()
	defer m.Close()
	m.SetDelay(5 * time.Second)

	c := newTestClient(t, m, 100*time.Millisecond)
	start := time.Now()
	err := c.TestConnection(context.Background())
	require.ErrorIs(t, err, ErrTimeout)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestClientHTTPStatus(t *testing.T) {
	m := util.NewMockNode()
	defer m.Close()
	m.Fail(http.StatusServiceUnavailable)

	c := newTestClient(t, m, time.Second)
	err := c.SendCommand(context.Background(), Init())
	var httpErr *ErrHTTPStatus
	require.True(t, errors.As(err, &httpErr))
	require.Equal(t, http.StatusServiceUnavailable, httpErr.Code)
	require.Equal(t, "HTTP 503: Service Unavailable", err.Error())
	require.False(t, isConnectionFailure(err))
}

func TestClientMalformedResponse(t *testing.T) {
	m := util.NewMockNode()
	defer m.Close()
	m.SetRawState(`{"headId": 12`)

	c := newTestClient(t, m, time.Second)
	_, err := c.FetchState(context.Background())
	var malformed *ErrMalformedResponse
	require.True(t, errors.As(err, &malformed))
	require.Equal(t, "n1", malformed.Node)
}

func TestClientUnreachable(t *testing.T) {
	m := util.NewMockNode()
	url := m.URL()
	m.Close()

	c := NewClient(NodeConfig{ID: "n1", URL: url}, nil)
	err := c.TestConnection(context.Background())
	require.ErrorIs(t, err, ErrUnreachable)
	require.True(t, isConnectionFailure(err))
}

func TestClientCancelledContext(t *testing.T) {
	m := util.NewMockNode()
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := newTestClient(t, m, time.Second)
	require.ErrorIs(t, c.TestConnection(ctx), context.Canceled)
	require.Zero(t, m.Count("/health"))
}

func TestClientUpdateConfigWhileInFlight(t *testing.T) {
	oldNode := util.NewMockNode()
	defer oldNode.Close()
	newNode := util.NewMockNode()
	defer newNode.Close()

	release := oldNode.Hold("/state")
	defer release()

	c := newTestClient(t, oldNode, 5*time.Second)
	done := make(chan error, 1)
	go func() {
		_, err := c.FetchState(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool { return oldNode.Count("/state") == 1 }, 2*time.Second, 10*time.Millisecond)

	cfg := c.Config()
	cfg.URL = newNode.URL()
	c.UpdateConfig(cfg)

	require.NoError(t, c.TestConnection(context.Background()))
	require.Equal(t, 1, newNode.Count("/health"))
	require.Zero(t, oldNode.Count("/health"))

	release()
	require.NoError(t, <-done)
	require.Zero(t, newNode.Count("/state"))
}

func TestClientSendCommandBody(t *testing.T) {
	m := util.NewMockNode()
	defer m.Close()

	c := newTestClient(t, m, time.Second)
	require.NoError(t, c.SendCommand(context.Background(), NewTx([]byte(`{"id":"tx9","inputs":[],"outputs":[],"fee":0}`))))

	cmds := m.Commands()
	require.Len(t, cmds, 1)
	require.JSONEq(t, `{"tag":"NewTx","transaction":{"id":"tx9","inputs":[],"outputs":[],"fee":0}}`, string(cmds[0]))
}

func TestClientAuxiliaryQueries(t *testing.T) {
	m := util.NewMockNode()
	defer m.Close()
	m.SetState(util.HeadState{
		HeadID:         "h2",
		Parties:        []string{"alice", "bob"},
		UTxO:           []json.RawMessage{json.RawMessage(`{"id":"tx1"}`)},
		SnapshotNumber: 3,
		IsInitialized:  true,
		IsOpen:         true,
	})

	ctx := context.Background()
	c := newTestClient(t, m, time.Second)

	head, err := c.HeadID(ctx)
	require.NoError(t, err)
	require.Equal(t, "h2", head)

	parties, err := c.Parties(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"alice", "bob"}, parties)

	utxo, err := c.UTxO(ctx)
	require.NoError(t, err)
	require.Len(t, utxo, 1)

	snap, err := c.Snapshot(ctx)
	require.NoError(t, err)
	require.JSONEq(t, `{"number":3,"utxo":[{"id":"tx1"}]}`, string(snap))
}

func TestClientRecordsActivity(t *testing.T) {
	m := util.NewMockNode()
	defer m.Close()

	l := newActivityLog(&Config{ActivityInterval: time.Hour, ActivityHistory: 10})
	defer l.Close()

	c := newTestClient(t, m, time.Second)
	c.activity = l
	require.Zero(t, c.AvgLatencyMs())

	require.NoError(t, c.TestConnection(context.Background()))
	require.NoError(t, c.SendCommand(context.Background(), Abort()))
	m.Fail(http.StatusBadGateway)
	require.Error(t, c.TestConnection(context.Background()))

	recent := l.Recent()
	require.Len(t, recent, 3)
	require.Equal(t, opTestConnection, recent[0].Operation)
	require.Equal(t, http.StatusOK, recent[0].HTTPStatusCode)
	require.NotEmpty(t, recent[0].RequestID)
	require.Equal(t, opSendCommand, recent[1].Operation)
	require.Equal(t, "Abort", recent[1].Command)
	require.Equal(t, http.StatusBadGateway, recent[2].HTTPStatusCode)
	require.Equal(t, "HTTP 502: Bad Gateway", recent[2].Error)
	require.GreaterOrEqual(t, c.AvgLatencyMs(), float64(0))
}
