package hydradash

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

type StreamStatus string

const (
	StreamDisconnected StreamStatus = "disconnected"
	StreamConnecting   StreamStatus = "connecting"
	StreamConnected    StreamStatus = "connected"
	StreamError        StreamStatus = "error"
)

// StreamCounters are the figures a node pushes over its stream.
type StreamCounters struct {
	Balance          string    `json:"balance"`
	TransactionCount int       `json:"transactionCount"`
	UTxOCount        int       `json:"utxoCount"`
	LastTag          string    `json:"lastTag,omitempty"`
	LastMessageAt    time.Time `json:"lastMessageAt,omitempty"`
	Malformed        int       `json:"malformed"`
}

type StreamInfo struct {
	URL      string         `json:"url"`
	Status   StreamStatus   `json:"status"`
	Err      string         `json:"error,omitempty"`
	Counters StreamCounters `json:"counters"`
}

// Stream follows a node's websocket feed and can push commands over it.
type Stream struct {
	nodeID string
	url    string

	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}

	lk       sync.Mutex
	closed   bool           // guarded by lk
	status   StreamStatus   // guarded by lk
	err      string         // guarded by lk
	counters StreamCounters // guarded by lk
}

func newStream(nodeID, url string) *Stream {
	return &Stream{
		nodeID:   nodeID,
		url:      url,
		done:     make(chan struct{}),
		status:   StreamDisconnected,
		counters: StreamCounters{Balance: "0"},
	}
}

// DialStream connects to url and starts following it. ctx bounds the
// handshake only; the stream runs until Close or until the peer goes away.
func DialStream(ctx context.Context, nodeID, url string) (*Stream, error) {
	s := newStream(nodeID, url)
	if err := s.connect(ctx); err != nil {
		return s, err
	}
	return s, nil
}

func (s *Stream) connect(ctx context.Context) error {
	s.lk.Lock()
	closed := s.closed
	s.lk.Unlock()
	if closed {
		close(s.done)
		return fmt.Errorf("%w: stream closed", ErrStreamNotConnected)
	}
	if s.url == "" {
		s.setStatus(StreamError, "no websocket url")
		close(s.done)
		return fmt.Errorf("%w: no websocket url", ErrStreamNotConnected)
	}
	s.setStatus(StreamConnecting, "")

	conn, _, err := websocket.Dial(ctx, s.url, nil)
	if err != nil {
		goLogger.Warnw("failed to open node stream", "node", s.nodeID, "url", s.url, "err", err)
		s.setStatus(StreamError, err.Error())
		close(s.done)
		return fmt.Errorf("%w: %s", ErrUnreachable, err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	s.lk.Lock()
	if s.closed {
		// closed while dialing
		s.status = StreamDisconnected
		s.lk.Unlock()
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		close(s.done)
		return fmt.Errorf("%w: stream closed", ErrStreamNotConnected)
	}
	s.conn = conn
	s.cancel = cancel
	s.status = StreamConnected
	s.lk.Unlock()

	streamConnectionsMetric.Inc()
	goLogger.Infow("node stream connected", "node", s.nodeID, "url", s.url)
	go s.readLoop(readCtx)
	return nil
}

func (s *Stream) readLoop(ctx context.Context) {
	defer close(s.done)
	defer streamConnectionsMetric.Dec()

	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			var ce websocket.CloseError
			switch {
			case errors.As(err, &ce), ctx.Err() != nil:
				s.setStatus(StreamDisconnected, "")
			default:
				goLogger.Infow("node stream failed", "node", s.nodeID, "err", err)
				s.setStatus(StreamError, err.Error())
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		s.apply(data)
	}
}

// apply folds one inbound frame into the counters. Frames that are not
// JSON objects are logged and skipped.
func (s *Stream) apply(data []byte) {
	var msg map[string]json.RawMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg == nil {
		streamMessagesTotalMetric.WithLabelValues("malformed").Add(1)
		goLogger.Debugw("ignoring malformed stream message", "node", s.nodeID, "raw", string(data))
		s.lk.Lock()
		s.counters.Malformed++
		s.lk.Unlock()
		return
	}
	streamMessagesTotalMetric.WithLabelValues("received").Add(1)

	s.lk.Lock()
	defer s.lk.Unlock()
	c := &s.counters
	if raw, ok := msg["balance"]; ok {
		c.Balance = jsonText(raw)
	}
	if n, ok := jsonNumber(msg["transactionCount"]); ok {
		c.TransactionCount = n
	}
	if n, ok := jsonNumber(msg["txCount"]); ok {
		c.TransactionCount = n
	}
	if n, ok := jsonNumber(msg["utxoCount"]); ok {
		c.UTxOCount = n
	}
	if raw, ok := msg["utxos"]; ok {
		var utxos []json.RawMessage
		if bytes.HasPrefix(bytes.TrimSpace(raw), []byte("[")) && json.Unmarshal(raw, &utxos) == nil {
			c.UTxOCount = len(utxos)
		}
	}
	var tag string
	if raw, ok := msg["tag"]; ok {
		_ = json.Unmarshal(raw, &tag)
	}
	c.LastTag = tag
	c.LastMessageAt = time.Now()
}

// Send writes cmd as a single text frame.
func (s *Stream) Send(ctx context.Context, cmd ClientInput) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	s.lk.Lock()
	conn, status := s.conn, s.status
	s.lk.Unlock()
	if conn == nil || status != StreamConnected {
		return fmt.Errorf("%w: node %s", ErrStreamNotConnected, s.nodeID)
	}

	b, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		return fmt.Errorf("%w: %s", ErrUnreachable, err)
	}
	streamMessagesTotalMetric.WithLabelValues("sent").Add(1)

	if cmd.Tag == TagNewTx {
		s.lk.Lock()
		s.counters.TransactionCount++
		s.lk.Unlock()
	}
	return nil
}

// Close ends the stream and waits for its read loop to exit. A stream
// closed while it is still dialing is torn down as soon as the dial returns.
func (s *Stream) Close() {
	s.lk.Lock()
	s.closed = true
	conn, cancel := s.conn, s.cancel
	s.lk.Unlock()
	if conn == nil {
		return
	}

	select {
	case <-s.done:
	default:
		if err := conn.Close(websocket.StatusNormalClosure, ""); err != nil {
			goLogger.Debugw("closing node stream", "node", s.nodeID, "err", err)
		}
	}
	cancel()
	<-s.done
	s.setStatus(StreamDisconnected, "")
}

func (s *Stream) Info() StreamInfo {
	s.lk.Lock()
	defer s.lk.Unlock()
	return StreamInfo{
		URL:      s.url,
		Status:   s.status,
		Err:      s.err,
		Counters: s.counters,
	}
}

func (s *Stream) setStatus(st StreamStatus, msg string) {
	s.lk.Lock()
	s.status = st
	s.err = msg
	s.lk.Unlock()
}

// jsonText renders a JSON value the way it would be shown to a user:
// strings without quotes, everything else as written.
func jsonText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	var str string
	if bytes.HasPrefix(raw, []byte(`"`)) && json.Unmarshal(raw, &str) == nil {
		return str
	}
	return string(raw)
}

func jsonNumber(raw json.RawMessage) (int, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || !(raw[0] == '-' || (raw[0] >= '0' && raw[0] <= '9')) {
		return 0, false
	}
	var num json.Number
	if err := json.Unmarshal(raw, &num); err != nil {
		return 0, false
	}
	if i, err := num.Int64(); err == nil && i >= math.MinInt && i <= math.MaxInt {
		return int(i), true
	}
	f, err := num.Float64()
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		return 0, false
	}
	// counters are clamped rather than wrapped
	switch {
	case f >= math.MaxInt:
		return math.MaxInt, true
	case f <= math.MinInt:
		return math.MinInt, true
	}
	return int(f), true
}
