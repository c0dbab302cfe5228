package server

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/btt-go/btt-sync/internal/resource"
)

// ResourceReader 由 *resource.Cache 实现。
type ResourceReader interface {
	Get(key string) (string, error)
	Map(prefix string) map[string]string
	Prefixes() []string
}

type keyResponse struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type node struct {
	res   ResourceReader
	ready <-chan struct{}
}

// NewNodeHandler 返回 node 角色的路由。ready 关闭前 /healthz 返回 503。
func NewNodeHandler(res ResourceReader, ready <-chan struct{}, g prometheus.Gatherer) http.Handler {
	n := &node{res: res, ready: ready}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /resources", n.handleResources)
	mux.HandleFunc("GET /resources/{key}", n.handleKey)
	mux.Handle("GET /metrics", metricsHandler(g))
	mux.HandleFunc("GET /healthz", n.handleHealthz)
	return mux
}

func (n *node) handleResources(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]map[string]string)
	for _, prefix := range n.res.Prefixes() {
		out[prefix] = n.res.Map(prefix)
	}
	writeJSON(w, http.StatusOK, out)
}

func (n *node) handleKey(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	v, err := n.res.Get(key)
	if errors.Is(err, resource.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, keyResponse{Key: key, Value: v})
}

func (n *node) handleHealthz(w http.ResponseWriter, r *http.Request) {
	select {
	case <-n.ready:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	default:
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
	}
}
