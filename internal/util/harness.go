package util

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// HeadState mirrors the JSON a Hydra node serves from /state.
type HeadState struct {
	HeadID               string            `json:"headId,omitempty"`
	ContestationDeadline *int64            `json:"contestationDeadline,omitempty"`
	ContestationPeriod   *int64            `json:"contestationPeriod,omitempty"`
	Parties              []string          `json:"parties"`
	UTxO                 []json.RawMessage `json:"utxo"`
	SnapshotNumber       uint64            `json:"snapshotNumber"`
	IsInitialized        bool              `json:"isInitialized"`
	IsOpen               bool              `json:"isOpen"`
	IsClosed             bool              `json:"isClosed"`
}

// MockNode is an httptest server speaking a Hydra node's HTTP and websocket API.
type MockNode struct {
	Server *httptest.Server

	lk       sync.Mutex
	valid    bool
	httpCode int
	rawState []byte
	delay    time.Duration
	state    HeadState
	counts   map[string]int
	commands []json.RawMessage
	holds    map[string]chan struct{}
	conns    []*websocket.Conn
	frames   [][]byte
}

func NewMockNode() *MockNode {
	m := &MockNode{
		valid:  true,
		counts: make(map[string]int),
		holds:  make(map[string]chan struct{}),
		state:  HeadState{Parties: []string{}, UTxO: []json.RawMessage{}},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", m.wrap(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	mux.HandleFunc("/state", m.wrap(m.serveState))
	mux.HandleFunc("/command", m.wrap(m.serveCommand))
	mux.HandleFunc("/utxos", m.wrap(func(w http.ResponseWriter, r *http.Request) {
		m.lk.Lock()
		defer m.lk.Unlock()
		_ = json.NewEncoder(w).Encode(m.state.UTxO)
	}))
	mux.HandleFunc("/parties", m.wrap(func(w http.ResponseWriter, r *http.Request) {
		m.lk.Lock()
		defer m.lk.Unlock()
		_ = json.NewEncoder(w).Encode(m.state.Parties)
	}))
	mux.HandleFunc("/head-id", m.wrap(func(w http.ResponseWriter, r *http.Request) {
		m.lk.Lock()
		defer m.lk.Unlock()
		_ = json.NewEncoder(w).Encode(m.state.HeadID)
	}))
	mux.HandleFunc("/snapshot", m.wrap(func(w http.ResponseWriter, r *http.Request) {
		m.lk.Lock()
		defer m.lk.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"number": m.state.SnapshotNumber, "utxo": m.state.UTxO})
	}))
	mux.HandleFunc("/ws", m.serveStream)
	m.Server = httptest.NewServer(mux)
	return m
}

func (m *MockNode) URL() string {
	return m.Server.URL
}

// StreamURL is the websocket address of the node's event stream.
func (m *MockNode) StreamURL() string {
	return "ws" + strings.TrimPrefix(m.Server.URL, "http") + "/ws"
}

func (m *MockNode) Close() {
	m.lk.Lock()
	for _, ch := range m.holds {
		close(ch)
	}
	m.holds = make(map[string]chan struct{})
	conns := m.conns
	m.conns = nil
	m.lk.Unlock()
	for _, c := range conns {
		_ = c.Close(websocket.StatusGoingAway, "")
	}
	m.Server.Close()
}

func (m *MockNode) wrap(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.lk.Lock()
		m.counts[r.URL.Path]++
		hold := m.holds[r.URL.Path]
		delay := m.delay
		valid, code := m.valid, m.httpCode
		m.lk.Unlock()

		if hold != nil {
			select {
			case <-hold:
			case <-r.Context().Done():
				return
			}
		}
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		if !valid {
			if code == 0 {
				code = http.StatusInternalServerError
			}
			w.WriteHeader(code)
			_, _ = w.Write([]byte("error"))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		h(w, r)
	}
}

func (m *MockNode) serveState(w http.ResponseWriter, r *http.Request) {
	m.lk.Lock()
	defer m.lk.Unlock()
	if m.rawState != nil {
		_, _ = w.Write(m.rawState)
		return
	}
	_ = json.NewEncoder(w).Encode(m.state)
}

func (m *MockNode) serveCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var cmd struct {
		Tag         string          `json:"tag"`
		Transaction json.RawMessage `json:"transaction"`
	}
	raw := json.RawMessage{}
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := json.Unmarshal(raw, &cmd); err != nil || cmd.Tag == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	m.lk.Lock()
	defer m.lk.Unlock()
	m.commands = append(m.commands, raw)
	switch cmd.Tag {
	case "Init":
		m.state.IsInitialized = true
		m.state.HeadID = "head-1"
	case "Abort", "Fanout":
		m.state = HeadState{Parties: []string{}, UTxO: []json.RawMessage{}}
	case "Close":
		m.state.IsOpen = false
		m.state.IsClosed = true
	case "NewTx":
		if strings.HasPrefix(strings.TrimSpace(string(cmd.Transaction)), "{") {
			m.state.UTxO = append(m.state.UTxO, cmd.Transaction)
		}
		m.state.SnapshotNumber++
	}
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte(`{}`))
}

func (m *MockNode) serveStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	m.lk.Lock()
	m.counts[r.URL.Path]++
	m.conns = append(m.conns, conn)
	m.lk.Unlock()
	defer m.dropConn(conn)

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		m.lk.Lock()
		m.frames = append(m.frames, data)
		m.lk.Unlock()
	}
}

func (m *MockNode) dropConn(conn *websocket.Conn) {
	m.lk.Lock()
	defer m.lk.Unlock()
	for i, c := range m.conns {
		if c == conn {
			m.conns = append(m.conns[:i], m.conns[i+1:]...)
			return
		}
	}
}

// Push sends msg as a text frame to every open stream.
func (m *MockNode) Push(ctx context.Context, msg string) error {
	m.lk.Lock()
	conns := append([]*websocket.Conn(nil), m.conns...)
	m.lk.Unlock()
	for _, c := range conns {
		if err := c.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
			return err
		}
	}
	return nil
}

// Streams is the number of open stream connections.
func (m *MockNode) Streams() int {
	m.lk.Lock()
	defer m.lk.Unlock()
	return len(m.conns)
}

// Frames returns the frames received over streams, in arrival order.
func (m *MockNode) Frames() [][]byte {
	m.lk.Lock()
	defer m.lk.Unlock()
	return append([][]byte(nil), m.frames...)
}

// Count is the number of requests received for path.
func (m *MockNode) Count(path string) int {
	m.lk.Lock()
	defer m.lk.Unlock()
	return m.counts[path]
}

func (m *MockNode) Commands() []json.RawMessage {
	m.lk.Lock()
	defer m.lk.Unlock()
	return append([]json.RawMessage(nil), m.commands...)
}

func (m *MockNode) State() HeadState {
	m.lk.Lock()
	defer m.lk.Unlock()
	return m.state
}

func (m *MockNode) SetState(st HeadState) {
	m.lk.Lock()
	defer m.lk.Unlock()
	if st.Parties == nil {
		st.Parties = []string{}
	}
	if st.UTxO == nil {
		st.UTxO = []json.RawMessage{}
	}
	m.state = st
	m.rawState = nil
}

// SetRawState makes /state answer with body verbatim.
func (m *MockNode) SetRawState(body string) {
	m.lk.Lock()
	defer m.lk.Unlock()
	m.rawState = []byte(body)
}

// Fail makes every request answer with code until Recover is called.
func (m *MockNode) Fail(code int) {
	m.lk.Lock()
	defer m.lk.Unlock()
	m.valid = false
	m.httpCode = code
}

func (m *MockNode) Recover() {
	m.lk.Lock()
	defer m.lk.Unlock()
	m.valid = true
}

func (m *MockNode) SetDelay(d time.Duration) {
	m.lk.Lock()
	defer m.lk.Unlock()
	m.delay = d
}

// Hold blocks requests for path until the returned func is called.
func (m *MockNode) Hold(path string) (release func()) {
	ch := make(chan struct{})
	m.lk.Lock()
	m.holds[path] = ch
	m.lk.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.lk.Lock()
			if m.holds[path] == ch {
				delete(m.holds, path)
				close(ch)
			}
			m.lk.Unlock()
		})
	}
}
