package hydradash

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	golog "github.com/ipfs/go-log/v2"
	"github.com/zyedidia/generic/queue"
)

var goLogger = golog.Logger("hydradash")

// Activity is one request made to a node on behalf of the dashboard.
type Activity struct {
	NodeID         string    `json:"nodeId"`
	Operation      string    `json:"operation"`
	Command        string    `json:"command,omitempty"`
	URL            string    `json:"url"`
	StartTime      time.Time `json:"startTime"`
	DurationMs     float64   `json:"durationMs"`
	TTFBMs         float64   `json:"ttfbMs"`
	RequestID      string    `json:"requestId"`
	HTTPStatusCode int       `json:"httpStatusCode"`
	Error          string    `json:"error,omitempty"`
}

// activityLog keeps the most recent activity in memory and, when an
// endpoint is configured, submits batches of it every freq.
type activityLog struct {
	queue    chan Activity
	freq     time.Duration
	client   *http.Client
	endpoint *url.URL
	done     chan struct{}
	wg       sync.WaitGroup
	closed   sync.Once

	lk     sync.Mutex
	recent *queue.Queue[Activity] // guarded by lk
	n      int                    // guarded by lk
	max    int
}

func newActivityLog(c *Config) *activityLog {
	l := activityLog{
		queue:    make(chan Activity, 64),
		freq:     c.ActivityInterval,
		client:   c.ActivityClient,
		endpoint: c.ActivityEndpoint,
		done:     make(chan struct{}),
		recent:   queue.New[Activity](),
		max:      c.ActivityHistory,
	}
	l.wg.Add(1)
	go l.background()
	return &l
}

func (l *activityLog) record(a Activity) {
	l.lk.Lock()
	l.recent.Enqueue(a)
	l.n++
	for l.n > l.max {
		l.recent.Dequeue()
		l.n--
	}
	l.lk.Unlock()

	if l.endpoint == nil {
		return
	}
	select {
	case l.queue <- a:
	case <-l.done:
	default:
		goLogger.Debugw("activity queue full, dropping record", "node", a.NodeID, "op", a.Operation)
	}
}

// Recent returns the retained activity, oldest first.
func (l *activityLog) Recent() []Activity {
	l.lk.Lock()
	defer l.lk.Unlock()
	out := make([]Activity, 0, l.n)
	l.recent.Each(func(a Activity) {
		out = append(out, a)
	})
	return out
}

func (l *activityLog) background() {
	defer l.wg.Done()
	t := time.NewTimer(l.freq)
	defer t.Stop()
	pending := make([]Activity, 0, 100)
	for {
		select {
		case a := <-l.queue:
			pending = append(pending, a)
		case <-t.C:
			if len(pending) > 0 {
				//submit.
				toSubmit := make([]Activity, len(pending))
				copy(toSubmit, pending)
				pending = pending[:0]
				go l.submit(toSubmit)
			}
			t.Reset(l.freq)
		case <-l.done:
			return
		}
	}
}

func (l *activityLog) submit(batch []Activity) {
	finalLogs := bytes.NewBuffer(nil)
	enc := json.NewEncoder(finalLogs)
	if err := enc.Encode(activityBatch{batch}); err != nil {
		goLogger.Warnw("failed to encode activity batch", "err", err)
		return
	}
	resp, err := l.client.Post(l.endpoint.String(), "application/json", finalLogs)
	if err != nil {
		activitySubmitErrorsMetric.Add(1)
		goLogger.Warnw("failed to submit activity batch", "err", err, "endpoint", l.endpoint.String())
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		activitySubmitErrorsMetric.Add(1)
		goLogger.Warnw("activity endpoint rejected batch", "status", resp.StatusCode, "endpoint", l.endpoint.String())
	}
}

func (l *activityLog) Close() {
	l.closed.Do(func() { close(l.done) })
	l.wg.Wait()
}

type activityBatch struct {
	Activity []Activity `json:"activity"`
}
