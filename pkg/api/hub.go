package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/decloud/orchestrator/pkg/auth"
	"github.com/decloud/orchestrator/pkg/errdefs"
	"github.com/decloud/orchestrator/pkg/types"
)

var (
	authErrMissing = errdefs.New(errdefs.KindUnauthorized, "missing authentication")
	authErrForeign = errdefs.New(errdefs.KindForbidden, "vm belongs to another tenant")
)

const hubPingPeriod = 30 * time.Second

var hubUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleHub streams control plane events to the caller over a WebSocket.
// Tenants only see events scoped to their own resources; operators see
// everything.
func (s *Server) handleHub(w http.ResponseWriter, r *http.Request) {
	claims, err := subject(r)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := hubUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := s.Broker.Subscribe()
	defer s.Broker.Unsubscribe(sub)

	s.logger.Debug().Str("subject", claims.Subject).Msg("hub session opened")

	// the read loop only exists to notice the client going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(hubPingPeriod)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if !visibleTo(claims, ev.OwnerID) {
				continue
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

// visibleTo applies event scoping: unowned events are operator-only.
func visibleTo(claims *auth.Claims, ownerID string) bool {
	if claims.Role == auth.RoleOperator {
		return true
	}
	return ownerID != "" && ownerID == claims.Subject
}

// handleTerminalProxy splices a browser terminal to the VM's node agent
// after the ownership check.
func (s *Server) handleTerminalProxy(w http.ResponseWriter, r *http.Request) {
	s.wsProxy(w, r, s.Proxy.HandleTerminal)
}

func (s *Server) handleSFTPProxy(w http.ResponseWriter, r *http.Request) {
	s.wsProxy(w, r, s.Proxy.HandleSFTP)
}

func (s *Server) wsProxy(w http.ResponseWriter, r *http.Request, splice func(http.ResponseWriter, *http.Request, string)) {
	vmID := mux.Vars(r)["vmId"]
	if _, err := s.ownedVM(r, vmID); err != nil {
		writeError(w, err)
		return
	}
	splice(w, r, vmID)
}

// OwnerAuthorizer is the proxy-side ownership check for the WebSocket
// splices, backed by the same claims the API middleware verified.
func OwnerAuthorizer() func(r *http.Request, vm *types.VirtualMachine) error {
	return func(r *http.Request, vm *types.VirtualMachine) error {
		claims, ok := auth.FromContext(r.Context())
		if !ok {
			return authErrMissing
		}
		if claims.Role == auth.RoleOperator || claims.Subject == vm.OwnerID {
			return nil
		}
		return authErrForeign
	}
}
