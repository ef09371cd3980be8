package hydradash

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestActivityLogKeepsRecent(t *testing.T) {
	l := newActivityLog(&Config{ActivityInterval: time.Hour, ActivityHistory: 2})
	defer l.Close()

	for _, op := range []string{"a", "b", "c"} {
		l.record(Activity{NodeID: "n1", Operation: op})
	}
	recent := l.Recent()
	require.Len(t, recent, 2)
	require.Equal(t, "b", recent[0].Operation)
	require.Equal(t, "c", recent[1].Operation)
}

func TestActivityLogSubmitsBatches(t *testing.T) {
	var lk sync.Mutex
	var got []Activity
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var batch activityBatch
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		lk.Lock()
		got = append(got, batch.Activity...)
		lk.Unlock()
	}))
	defer srv.Close()

	ep, _ := url.Parse(srv.URL)
	l := newActivityLog(&Config{
		ActivityEndpoint: ep,
		ActivityClient:   http.DefaultClient,
		ActivityInterval: 10 * time.Millisecond,
		ActivityHistory:  10,
	})
	defer l.Close()

	l.record(Activity{NodeID: "n1", Operation: opFetchState, HTTPStatusCode: 200})
	l.record(Activity{NodeID: "n2", Operation: opSendCommand, Command: "Init", Error: "HTTP 500: Internal Server Error"})

	require.Eventually(t, func() bool {
		lk.Lock()
		defer lk.Unlock()
		return len(got) == 2
	}, 2*time.Second, 10*time.Millisecond)

	lk.Lock()
	defer lk.Unlock()
	require.Equal(t, "n1", got[0].NodeID)
	require.Equal(t, "Init", got[1].Command)
}

func TestActivityLogCountsRejectedBatches(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	before := testutil.ToFloat64(activitySubmitErrorsMetric)
	ep, _ := url.Parse(srv.URL)
	l := newActivityLog(&Config{
		ActivityEndpoint: ep,
		ActivityClient:   http.DefaultClient,
		ActivityInterval: 10 * time.Millisecond,
		ActivityHistory:  10,
	})
	defer l.Close()

	l.record(Activity{NodeID: "n1", Operation: opTestConnection})
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(activitySubmitErrorsMetric) == before+1
	}, 2*time.Second, 10*time.Millisecond)
}
