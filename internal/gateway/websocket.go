package gateway

import (
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/matst80/devtunnel/internal/obs"
)

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		writeError(w, http.StatusBadRequest, "websocket upgrade required")
		return
	}
	if !s.authorize(w, r) {
		return
	}
	target, err := s.dialTarget(r.Context())
	if err != nil {
		obs.Error("gateway.dial", obs.Fields{"target": s.cfg.Target, "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("dial_target").Inc()
		writeError(w, http.StatusBadGateway, "target unavailable")
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		_ = target.Close()
		obs.Error("gateway.ws.upgrade", obs.Fields{"err": err.Error()})
		return
	}
	sess := newSession(uuid.NewString(), transportWS, r.RemoteAddr, target, 0)
	if err := s.store.put(sess); err != nil {
		_ = ws.Close()
		sess.close()
		return
	}
	obs.GatewayOpenedTotal.WithLabelValues(transportWS).Inc()
	obs.Info("gateway.session.open", obs.Fields{"session": sess.id, "transport": transportWS, "remote": r.RemoteAddr})
	s.pipeWebSocket(sess, ws)
}

// pipeWebSocket relays binary messages to the target and target bytes back as
// binary messages until either side ends.
func (s *Server) pipeWebSocket(sess *session, ws *websocket.Conn) {
	var wg sync.WaitGroup
	var once sync.Once
	closeBoth := func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = ws.Close()
		s.closeSession(sess.id)
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		for {
			mt, data, err := ws.ReadMessage()
			if err != nil {
				break
			}
			sess.touch()
			if mt != websocket.BinaryMessage {
				continue
			}
			if _, err := sess.target.Write(data); err != nil {
				break
			}
		}
		once.Do(closeBoth)
	}()
	go func() {
		defer wg.Done()
		buf := make([]byte, readChunkSize)
		for {
			n, err := sess.target.Read(buf)
			if n > 0 {
				if werr := ws.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
					break
				}
			}
			if err != nil {
				if !errors.Is(err, net.ErrClosed) {
					obs.Debug("gateway.target.eof", obs.Fields{"session": sess.id, "err": err.Error()})
				}
				break
			}
		}
		once.Do(closeBoth)
	}()
	wg.Wait()
}
