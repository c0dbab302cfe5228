package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/btt-go/btt-sync/internal/coord"
	"github.com/btt-go/btt-sync/internal/fleet"
	"github.com/btt-go/btt-sync/internal/publish"
)

// Publisher 由 *publish.Gateway 实现。
type Publisher interface {
	Publish(ctx context.Context, req publish.Request) (string, error)
	ReadRaw(ctx context.Context, node, subpath string) (string, error)
}

// MemberLister 由 *fleet.Fleet 实现。
type MemberLister interface {
	Members(ctx context.Context) ([]fleet.Member, error)
}

type publishBody struct {
	ResourceName string `json:"resourceName"`
	Node         string `json:"node"`
}

type publishResponse struct {
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

type contentBody struct {
	Node string `json:"node"`
	Path string `json:"path"`
}

type contentResponse struct {
	Path string `json:"path"`
	Data string `json:"data"`
}

type manager struct {
	pub     Publisher
	members MemberLister
}

// NewManagerHandler 返回 manager 角色的路由。
func NewManagerHandler(pub Publisher, members MemberLister, g prometheus.Gatherer) http.Handler {
	m := &manager{pub: pub, members: members}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /config/content", m.handleContent)
	mux.HandleFunc("GET /config/nodes", m.handleNodes)
	mux.HandleFunc("POST /config/{action}", m.handlePublish)
	mux.Handle("GET /metrics", metricsHandler(g))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

func (m *manager) handlePublish(w http.ResponseWriter, r *http.Request) {
	action, err := publish.ParseAction(r.PathValue("action"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, publishResponse{Message: "publish rejected", Error: err.Error()})
		return
	}

	body := publishBody{
		ResourceName: r.URL.Query().Get("name"),
		Node:         r.URL.Query().Get("node"),
	}
	if r.ContentLength != 0 && isJSON(r) {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, publishResponse{Message: "publish rejected", Error: err.Error()})
			return
		}
	}

	msg, err := m.pub.Publish(r.Context(), publish.Request{
		Action:       action,
		ResourceName: body.ResourceName,
		Node:         body.Node,
	})
	if err != nil {
		writeJSON(w, publishStatus(err), publishResponse{Message: msg, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, publishResponse{Message: msg})
}

func isJSON(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "application/json"
}

func publishStatus(err error) int {
	switch {
	case errors.Is(err, publish.ErrInvalidRequest), errors.Is(err, publish.ErrUnknownAction):
		return http.StatusBadRequest
	case errors.Is(err, publish.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, coord.ErrLockTimeout):
		return http.StatusConflict
	case errors.Is(err, coord.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (m *manager) handleNodes(w http.ResponseWriter, r *http.Request) {
	members, err := m.members.Members(r.Context())
	if err != nil {
		writeError(w, storeStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, members)
}

func (m *manager) handleContent(w http.ResponseWriter, r *http.Request) {
	var body contentBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if body.Node == "" {
		writeError(w, http.StatusBadRequest, errors.New("node is required"))
		return
	}
	if strings.Contains(body.Node, "..") || strings.Contains(body.Path, "..") {
		writeError(w, http.StatusBadRequest, errors.New("path must not contain '..'"))
		return
	}

	data, err := m.pub.ReadRaw(r.Context(), body.Node, body.Path)
	if err != nil {
		writeError(w, storeStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, contentResponse{Path: coord.Join(body.Node, body.Path), Data: data})
}

func storeStatus(err error) int {
	switch {
	case errors.Is(err, coord.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, coord.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
