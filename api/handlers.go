package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hydra-dash/hydradash"
)

// NodeView is the JSON form of a node entry.
type NodeView struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	TimeoutMs   int64  `json:"timeoutMs"`
	DisplayName string `json:"displayName,omitempty"`
	Label       string `json:"label,omitempty"`

	Status       string                `json:"status"`
	Connected    bool                  `json:"connected"`
	Busy         bool                  `json:"busy"`
	LastError    string                `json:"lastError,omitempty"`
	LastRefresh  *time.Time            `json:"lastRefresh,omitempty"`
	AvgLatencyMs float64               `json:"avgLatencyMs"`
	Anomaly      string                `json:"anomaly,omitempty"`
	State        hydradash.NodeState   `json:"state"`
	Stream       *hydradash.StreamInfo `json:"stream,omitempty"`
}

func viewOf(e hydradash.NodeEntry) NodeView {
	v := NodeView{
		ID:           e.Config.ID,
		URL:          e.Config.URL,
		TimeoutMs:    e.Config.Timeout.Milliseconds(),
		DisplayName:  e.Config.DisplayName,
		Label:        e.Config.Label,
		Status:       e.Status(),
		Connected:    e.Connected,
		Busy:         e.Busy,
		LastError:    e.LastError,
		AvgLatencyMs: e.AvgLatencyMs,
		Anomaly:      e.Anomaly,
		State:        e.State,
		Stream:       e.Stream,
	}
	if !e.LastRefresh.IsZero() {
		t := e.LastRefresh
		v.LastRefresh = &t
	}
	return v
}

type addNodeRequest struct {
	ID          string `json:"id"`
	URL         string `json:"url" binding:"required"`
	TimeoutMs   int64  `json:"timeoutMs" binding:"gte=0"`
	DisplayName string `json:"displayName"`
	Label       string `json:"label"`
}

type updateNodeRequest struct {
	URL         *string `json:"url"`
	TimeoutMs   *int64  `json:"timeoutMs" binding:"omitempty,gte=0"`
	DisplayName *string `json:"displayName"`
	Label       *string `json:"label"`
}

type setErrorRequest struct {
	Error string `json:"error"`
}

type streamRequest struct {
	URL string `json:"url" binding:"required"`
}

func (s *Server) listNodes(c *gin.Context) {
	entries := s.d.Nodes()
	views := make([]NodeView, 0, len(entries))
	for _, e := range entries {
		views = append(views, viewOf(e))
	}
	ok(c, http.StatusOK, views)
}

func (s *Server) addNode(c *gin.Context) {
	var req addNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failWith(c, http.StatusBadRequest, err.Error())
		return
	}
	cfg, created, err := s.d.AddNode(hydradash.NodeConfig{
		ID:          req.ID,
		URL:         req.URL,
		Timeout:     time.Duration(req.TimeoutMs) * time.Millisecond,
		DisplayName: req.DisplayName,
		Label:       req.Label,
	})
	if err != nil {
		failWith(c, http.StatusBadRequest, err.Error())
		return
	}
	e, _ := s.d.Node(cfg.ID)
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	ok(c, code, viewOf(e))
}

func (s *Server) getNode(c *gin.Context) {
	e, found := s.d.Node(c.Param("id"))
	if !found {
		failWith(c, http.StatusNotFound, hydradash.ErrNodeNotFound.Error())
		return
	}
	ok(c, http.StatusOK, viewOf(e))
}

func (s *Server) updateNode(c *gin.Context) {
	var req updateNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failWith(c, http.StatusBadRequest, err.Error())
		return
	}
	u := hydradash.NodeConfigUpdate{URL: req.URL, DisplayName: req.DisplayName, Label: req.Label}
	if req.TimeoutMs != nil {
		d := time.Duration(*req.TimeoutMs) * time.Millisecond
		u.Timeout = &d
	}
	if _, err := s.d.UpdateNodeConfig(c.Param("id"), u); err != nil {
		fail(c, err)
		return
	}
	s.respondNode(c, http.StatusOK)
}

func (s *Server) removeNode(c *gin.Context) {
	if err := s.d.RemoveNode(c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, nil)
}

func (s *Server) testConnection(c *gin.Context) {
	if err := s.d.TestConnection(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	s.respondNode(c, http.StatusOK)
}

func (s *Server) refreshNode(c *gin.Context) {
	if _, err := s.d.FetchState(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	s.respondNode(c, http.StatusOK)
}

func (s *Server) sendCommand(c *gin.Context) {
	var cmd hydradash.ClientInput
	if err := c.ShouldBindJSON(&cmd); err != nil {
		failWith(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.d.SendCommand(c.Request.Context(), c.Param("id"), cmd); err != nil {
		fail(c, err)
		return
	}
	s.respondNode(c, http.StatusAccepted)
}

func (s *Server) setError(c *gin.Context) {
	var req setErrorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failWith(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.d.SetError(c.Param("id"), req.Error); err != nil {
		fail(c, err)
		return
	}
	s.respondNode(c, http.StatusOK)
}

func (s *Server) connectStream(c *gin.Context) {
	var req streamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failWith(c, http.StatusBadRequest, err.Error())
		return
	}
	info, err := s.d.ConnectStream(c.Request.Context(), c.Param("id"), req.URL)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, info)
}

func (s *Server) disconnectStream(c *gin.Context) {
	if err := s.d.DisconnectStream(c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, nil)
}

func (s *Server) sendStreamCommand(c *gin.Context) {
	var cmd hydradash.ClientInput
	if err := c.ShouldBindJSON(&cmd); err != nil {
		failWith(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.d.SendStreamCommand(c.Request.Context(), c.Param("id"), cmd); err != nil {
		fail(c, err)
		return
	}
	s.respondNode(c, http.StatusAccepted)
}

func (s *Server) activity(c *gin.Context) {
	all := s.d.Activity()
	node := c.Query("node")
	if node == "" {
		ok(c, http.StatusOK, all)
		return
	}
	out := make([]hydradash.Activity, 0, len(all))
	for _, a := range all {
		if a.NodeID == node {
			out = append(out, a)
		}
	}
	ok(c, http.StatusOK, out)
}

func (s *Server) respondNode(c *gin.Context, code int) {
	e, found := s.d.Node(c.Param("id"))
	if !found {
		failWith(c, http.StatusNotFound, hydradash.ErrNodeNotFound.Error())
		return
	}
	ok(c, code, viewOf(e))
}
