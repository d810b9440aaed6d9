// Package proxy forwards tenant traffic to workload VMs. HTTP requests are
// routed by the X-DeCloud-Subdomain header set by the upstream TLS
// terminator; terminal and SFTP sessions are WebSocket splices. Both paths
// share one rule: dial the relay tunnel IP when the host node is behind
// CGNAT, the public IP otherwise.
package proxy

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/decloud/orchestrator/pkg/errdefs"
	"github.com/decloud/orchestrator/pkg/log"
	"github.com/decloud/orchestrator/pkg/metrics"
	"github.com/decloud/orchestrator/pkg/storage"
	"github.com/decloud/orchestrator/pkg/types"
)

// SubdomainHeader carries the resolved tenant subdomain from the upstream
// ingress.
const SubdomainHeader = "X-DeCloud-Subdomain"

// spliceBufferSize is the per-direction WebSocket relay buffer.
const spliceBufferSize = 64 * 1024

// hopByHop headers are never forwarded.
var hopByHop = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// Authorizer decides whether the request may touch the VM. Nil allows all,
// for embedding behind an authenticating mux.
type Authorizer func(r *http.Request, vm *types.VirtualMachine) error

// Proxy serves both routing paths.
type Proxy struct {
	store     storage.Store
	client    *http.Client
	dialer    *websocket.Dialer
	upgrader  websocket.Upgrader
	authorize Authorizer
	logger    zerolog.Logger
}

func New(store storage.Store, upstreamDialTimeout time.Duration, authorize Authorizer) *Proxy {
	if upstreamDialTimeout <= 0 {
		upstreamDialTimeout = 30 * time.Second
	}
	return &Proxy{
		store: store,
		client: &http.Client{
			Timeout: upstreamDialTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		dialer: &websocket.Dialer{
			HandshakeTimeout: upstreamDialTimeout,
			ReadBufferSize:   spliceBufferSize,
			WriteBufferSize:  spliceBufferSize,
		},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  spliceBufferSize,
			WriteBufferSize: spliceBufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		authorize: authorize,
		logger:    log.WithComponent("proxy"),
	}
}

// ServeHTTP handles subdomain-routed tenant traffic.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	subdomain := r.Header.Get(SubdomainHeader)
	if subdomain == "" {
		http.Error(w, "missing subdomain header", http.StatusBadRequest)
		metrics.ProxyRequestsTotal.WithLabelValues("http", "400").Inc()
		return
	}

	route, err := p.store.GetRoute(subdomain)
	if err != nil {
		http.Error(w, "no such deployment", http.StatusNotFound)
		metrics.ProxyRequestsTotal.WithLabelValues("http", "404").Inc()
		return
	}
	if route.Status != types.RouteStatusActive {
		http.Error(w, "deployment is not serving", http.StatusServiceUnavailable)
		metrics.ProxyRequestsTotal.WithLabelValues("http", "503").Inc()
		return
	}

	target := fmt.Sprintf("http://%s:%d/internal/proxy/%s%s", route.NodeHost(), route.AgentPort, route.VMID, r.URL.RequestURI())
	upstream, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		metrics.ProxyRequestsTotal.WithLabelValues("http", "400").Inc()
		return
	}

	copyProxyHeaders(upstream.Header, r)

	resp, err := p.client.Do(upstream)
	if err != nil {
		p.logger.Warn().Err(err).Str("subdomain", subdomain).Str("target", target).Msg("upstream dial failed")
		http.Error(w, fmt.Sprintf("upstream node unreachable: %v", err), http.StatusBadGateway)
		metrics.ProxyRequestsTotal.WithLabelValues("http", "502").Inc()
		return
	}
	defer resp.Body.Close()

	header := w.Header()
	for k, vs := range resp.Header {
		if isHopByHop(k) {
			continue
		}
		for _, v := range vs {
			header.Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
	metrics.ProxyRequestsTotal.WithLabelValues("http", fmt.Sprintf("%d", resp.StatusCode)).Inc()
}

// copyProxyHeaders forwards the client's headers minus hop-by-hop and any
// client-supplied X-DeCloud-* headers, then stamps the forwarding set.
func copyProxyHeaders(dst http.Header, r *http.Request) {
	for k, vs := range r.Header {
		if isHopByHop(k) || strings.HasPrefix(strings.ToLower(k), "x-decloud-") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	clientIP := r.RemoteAddr
	if i := strings.LastIndex(clientIP, ":"); i > 0 {
		clientIP = clientIP[:i]
	}
	if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
		clientIP = prior + ", " + clientIP
	}
	dst.Set("X-Forwarded-For", clientIP)
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	dst.Set("X-Forwarded-Proto", proto)
	dst.Set("X-Forwarded-Host", r.Host)
}

func isHopByHop(header string) bool {
	for _, h := range hopByHop {
		if strings.EqualFold(h, header) {
			return true
		}
	}
	return false
}

// HandleTerminal splices a browser terminal session to the agent.
func (p *Proxy) HandleTerminal(w http.ResponseWriter, r *http.Request, vmID string) {
	p.splice(w, r, vmID, "terminal")
}

// HandleSFTP splices a browser SFTP session to the agent.
func (p *Proxy) HandleSFTP(w http.ResponseWriter, r *http.Request, vmID string) {
	p.splice(w, r, vmID, "sftp")
}

func (p *Proxy) splice(w http.ResponseWriter, r *http.Request, vmID, kind string) {
	vm, err := p.store.GetVM(vmID)
	if err != nil {
		http.Error(w, "no such vm", http.StatusNotFound)
		metrics.ProxyRequestsTotal.WithLabelValues(kind, "404").Inc()
		return
	}
	if p.authorize != nil {
		if err := p.authorize(r, vm); err != nil {
			http.Error(w, err.Error(), errdefs.HTTPStatus(err))
			metrics.ProxyRequestsTotal.WithLabelValues(kind, "403").Inc()
			return
		}
	}
	if vm.Status != types.VMStatusRunning {
		http.Error(w, "vm is not running", http.StatusServiceUnavailable)
		metrics.ProxyRequestsTotal.WithLabelValues(kind, "503").Inc()
		return
	}

	route, err := p.store.GetRouteByVM(vmID)
	if err != nil {
		http.Error(w, "vm has no route", http.StatusNotFound)
		metrics.ProxyRequestsTotal.WithLabelValues(kind, "404").Inc()
		return
	}

	target := fmt.Sprintf("ws://%s:%d/api/vms/%s/%s", route.NodeHost(), route.AgentPort, vmID, kind)
	if route.VMPrivateIP != "" {
		// the agent routes the session to the guest by its private address
		target += "?ip=" + url.QueryEscape(route.VMPrivateIP)
	}
	agentConn, resp, err := p.dialer.Dial(target, nil)
	if err != nil {
		p.logger.Warn().Err(err).Str("vm_id", vmID).Str("target", target).Msg("agent websocket dial failed")
		http.Error(w, fmt.Sprintf("upstream node unreachable: %v", err), http.StatusBadGateway)
		metrics.ProxyRequestsTotal.WithLabelValues(kind, "502").Inc()
		return
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer agentConn.Close()

	clientConn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer clientConn.Close()

	metrics.ProxyRequestsTotal.WithLabelValues(kind, "101").Inc()
	p.logger.Debug().Str("vm_id", vmID).Str("kind", kind).Msg("websocket session opened")

	errCh := make(chan error, 2)
	go pump(clientConn, agentConn, errCh)
	go pump(agentConn, clientConn, errCh)
	<-errCh

	p.logger.Debug().Str("vm_id", vmID).Str("kind", kind).Msg("websocket session closed")
}

// pump relays messages one way until either side closes.
func pump(src, dst *websocket.Conn, errCh chan<- error) {
	for {
		msgType, payload, err := src.ReadMessage()
		if err != nil {
			dst.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			errCh <- err
			return
		}
		if err := dst.WriteMessage(msgType, payload); err != nil {
			errCh <- err
			return
		}
	}
}
