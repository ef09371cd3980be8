package hydradash

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/asecurityteam/rolling"
	"github.com/google/uuid"
	servertiming "github.com/mitchellh/go-server-timing"
	"github.com/tcnksm/go-httpstat"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	pathHealth   = "/health"
	pathState    = "/state"
	pathCommand  = "/command"
	pathUTxO     = "/utxos"
	pathParties  = "/parties"
	pathHeadID   = "/head-id"
	pathSnapshot = "/snapshot"

	opTestConnection = "test-connection"
	opFetchState     = "fetch-state"
	opSendCommand    = "send-command"
	opUTxO           = "utxo"
	opParties        = "parties"
	opHeadID         = "head-id"
	opSnapshot       = "snapshot"

	requestIDHeader = "X-Request-Id"

	// number of recent requests the average latency is computed over
	latencyWindowSize = 50
)

// Client talks to a single Hydra node's HTTP API. Every call is bounded by
// the node's timeout and reports failures as errors, never panics.
type Client struct {
	lk  sync.RWMutex
	cfg NodeConfig // guarded by lk

	http     *http.Client
	activity *activityLog

	latencyLk sync.Mutex
	latency   *rolling.PointPolicy // guarded by latencyLk
}

// NewClient returns a client for the node described by cfg. A nil hc uses
// http.DefaultClient; the per-request timeout comes from cfg either way.
func NewClient(cfg NodeConfig, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{
		cfg:     cfg.withDefaults(),
		http:    hc,
		latency: rolling.NewPointPolicy(rolling.NewWindow(latencyWindowSize)),
	}
}

// Config returns the configuration the next call will use.
func (c *Client) Config() NodeConfig {
	c.lk.RLock()
	defer c.lk.RUnlock()
	return c.cfg
}

// UpdateConfig swaps the URL and timeout used by subsequent calls. Calls
// already in flight keep the configuration they started with.
func (c *Client) UpdateConfig(cfg NodeConfig) {
	c.lk.Lock()
	defer c.lk.Unlock()
	c.cfg = cfg.withDefaults()
}

// AvgLatencyMs is the mean duration of the recent successful requests.
func (c *Client) AvgLatencyMs() float64 {
	c.latencyLk.Lock()
	defer c.latencyLk.Unlock()
	return c.latency.Reduce(func(w rolling.Window) float64 {
		var sum, n float64
		for _, bucket := range w {
			for _, p := range bucket {
				sum += p
				n++
			}
		}
		if n == 0 {
			return 0
		}
		return sum / n
	})
}

// TestConnection checks the node's liveness endpoint.
func (c *Client) TestConnection(ctx context.Context) error {
	_, err := c.do(ctx, opTestConnection, http.MethodGet, pathHealth, nil, nil)
	return err
}

// FetchState retrieves the node's current head state.
func (c *Client) FetchState(ctx context.Context) (NodeState, error) {
	var st NodeState
	if _, err := c.do(ctx, opFetchState, http.MethodGet, pathState, nil, &st); err != nil {
		return NodeState{}, err
	}
	return st.normalize(), nil
}

// SendCommand submits a command. Success only means the node accepted it;
// the effect has to be observed through FetchState.
func (c *Client) SendCommand(ctx context.Context, cmd ClientInput) error {
	_, err := c.do(ctx, opSendCommand, http.MethodPost, pathCommand, cmd, nil)
	return err
}

func (c *Client) UTxO(ctx context.Context) ([]json.RawMessage, error) {
	var out []json.RawMessage
	_, err := c.do(ctx, opUTxO, http.MethodGet, pathUTxO, nil, &out)
	return out, err
}

func (c *Client) Parties(ctx context.Context) ([]string, error) {
	var out []string
	_, err := c.do(ctx, opParties, http.MethodGet, pathParties, nil, &out)
	return out, err
}

func (c *Client) HeadID(ctx context.Context) (string, error) {
	var out string
	_, err := c.do(ctx, opHeadID, http.MethodGet, pathHeadID, nil, &out)
	return out, err
}

func (c *Client) Snapshot(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	_, err := c.do(ctx, opSnapshot, http.MethodGet, pathSnapshot, nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, op, method, path string, body any, out any) (rm requestMetrics, err error) {
	cfg := c.Config()
	reqURL := strings.TrimRight(cfg.URL, "/") + path

	// if the context is already cancelled, there's nothing we can do here.
	if ce := ctx.Err(); ce != nil {
		nodeRequestContextErrorTotalMetric.WithLabelValues(op, fmt.Sprintf("%t", errors.Is(ce, context.Canceled))).Add(1)
		return rm, ce
	}

	ctx, span := spanTrace(ctx, "Client."+op, trace.WithAttributes(attribute.String("node", cfg.ID), attribute.String("url", reqURL)))
	defer span.End()

	requestID := uuid.NewString()
	goLogger.Debugw("doing request", "node", cfg.ID, "op", op, "url", reqURL, "requestId", requestID)

	timing := servertiming.FromContext(ctx)
	if timing != nil {
		m := timing.NewMetric(op).Start()
		defer m.Stop()
	}

	start := time.Now()
	var result httpstat.Result
	defer func() {
		rm.durationMs = float64(time.Since(start).Milliseconds())
		outcome := rm.outcome()
		goLogger.Debugw("request result", "node", cfg.ID, "op", op, "status", rm.responseCode, "size", rm.bytesReceived,
			"duration", rm.durationMs, "outcome", outcome, "error", err)
		nodeRequestsTotalMetric.WithLabelValues(op, outcome).Add(1)
		nodeRequestDurationMetric.WithLabelValues(op, outcome).Observe(rm.durationMs)
		if rm.responseCode != 0 {
			nodeResponseCodeMetric.WithLabelValues(op, fmt.Sprintf("%d", rm.responseCode)).Add(1)
		}
		if rm.success {
			c.latencyLk.Lock()
			c.latency.Append(rm.durationMs)
			c.latencyLk.Unlock()

			nodeRequestTimeTraceMetric.WithLabelValues(op, "connect").Observe(float64(result.Connect.Milliseconds()))
			nodeRequestTimeTraceMetric.WithLabelValues(op, "server_processing").Observe(float64(result.ServerProcessing.Milliseconds()))
			nodeRequestTimeTraceMetric.WithLabelValues(op, "start_transfer").Observe(float64(result.StartTransfer.Milliseconds()))
		}
		if c.activity != nil {
			a := Activity{
				NodeID:         cfg.ID,
				Operation:      op,
				URL:            reqURL,
				StartTime:      start,
				DurationMs:     rm.durationMs,
				TTFBMs:         rm.ttfbMs,
				RequestID:      requestID,
				HTTPStatusCode: rm.responseCode,
			}
			if cmd, ok := body.(ClientInput); ok {
				a.Command = string(cmd.Tag)
			}
			if err != nil {
				a.Error = err.Error()
			}
			c.activity.record(a)
		}
	}()

	var reqBody io.Reader
	if body != nil {
		b, merr := json.Marshal(body)
		if merr != nil {
			return rm, fmt.Errorf("encoding request body: %w", merr)
		}
		reqBody = bytes.NewReader(b)
	}

	reqCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, method, reqURL, reqBody)
	if err != nil {
		rm.connFailure = true
		return rm, fmt.Errorf("%w: %s", ErrUnreachable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(requestIDHeader, requestID)

	//trace
	req = req.WithContext(httpstat.WithHTTPStat(req.Context(), &result))
	otel.GetTextMapPropagator().Inject(req.Context(), propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return rm, c.classify(ctx, reqCtx, op, cfg, &rm, err)
	}
	defer resp.Body.Close()

	rm.responseCode = resp.StatusCode
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// drain body so the connection can be re-used.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))
		return rm, &ErrHTTPStatus{Node: cfg.ID, Code: resp.StatusCode, Status: http.StatusText(resp.StatusCode)}
	}

	tr := newTrackingReader(resp.Body, maxResponseSize)
	raw, err := io.ReadAll(tr)
	rm.bytesReceived = tr.Len()
	if !tr.FirstByte().IsZero() {
		rm.ttfbMs = float64(tr.FirstByte().Sub(start).Milliseconds())
	}
	if err != nil && !errors.Is(err, errResponseTooLarge) {
		return rm, c.classify(ctx, reqCtx, op, cfg, &rm, err)
	}
	if err != nil {
		rm.malformed = true
		return rm, &ErrMalformedResponse{Node: cfg.ID, Message: err.Error()}
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			rm.malformed = true
			return rm, &ErrMalformedResponse{Node: cfg.ID, Message: err.Error()}
		}
	}
	result.End(time.Now())

	rm.success = true
	return rm, nil
}

// classify maps a transport failure onto the error taxonomy.
func (c *Client) classify(ctx, reqCtx context.Context, op string, cfg NodeConfig, rm *requestMetrics, err error) error {
	if ce := ctx.Err(); ce != nil {
		nodeRequestContextErrorTotalMetric.WithLabelValues(op, fmt.Sprintf("%t", errors.Is(ce, context.Canceled))).Add(1)
		rm.connFailure = true
		return ce
	}
	if errors.Is(reqCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		rm.timeout = true
		return fmt.Errorf("%w after %s", ErrTimeout, cfg.Timeout)
	}
	rm.connFailure = true
	return fmt.Errorf("%w: %s", ErrUnreachable, err)
}
