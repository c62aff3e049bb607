package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/matst80/devtunnel/internal/obs"
	"github.com/matst80/devtunnel/internal/proto"
)

type ownerLookup interface {
	owner(ctx context.Context, id string) (string, error)
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
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
	sess := newSession(uuid.NewString(), transportHTTP, r.RemoteAddr, target, s.cfg.MaxQueue)
	if err := s.store.put(sess); err != nil {
		sess.close()
		obs.Error("gateway.session.register", obs.Fields{"err": err.Error()})
		writeError(w, http.StatusInternalServerError, "register session failed")
		return
	}
	// The session stays registered after the target closes so queued chunks
	// can still be polled; the final poll answers 410 and removes it.
	go sess.pumpTarget()
	obs.GatewayOpenedTotal.WithLabelValues(transportHTTP).Inc()
	obs.Info("gateway.session.open", obs.Fields{"session": sess.id, "transport": transportHTTP, "remote": r.RemoteAddr})
	w.Header().Set(proto.HeaderSession, sess.id)
	writeJSON(w, http.StatusCreated, proto.Opened{Session: sess.id, PollTimeoutMs: s.cfg.PollTimeout.Milliseconds()})
}

// lookup resolves the session named in the path or writes the error response.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) *session {
	id := r.PathValue("id")
	if sess := s.store.get(id); sess != nil {
		return sess
	}
	if ol, ok := s.store.(ownerLookup); ok {
		if inst, err := ol.owner(r.Context(), id); err == nil && inst != "" {
			writeError(w, http.StatusMisdirectedRequest, "session owned by "+inst)
			return nil
		}
	}
	writeError(w, http.StatusGone, "unknown session")
	return nil
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	sess := s.lookup(w, r)
	if sess == nil {
		return
	}
	sess.touch()
	seq, err := proto.ParseSeq(r.Header.Get(proto.HeaderSeq))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodySize))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	if sess.isClosed() {
		writeError(w, http.StatusGone, "session closed")
		return
	}
	if err := sess.fwd.Forward(seq, body); err != nil {
		obs.Error("gateway.forward", obs.Fields{"session": sess.id, "seq": seq, "err": err.Error()})
		s.closeSession(sess.id)
		if errors.Is(err, proto.ErrQueueFull) {
			obs.ErrorsTotal.WithLabelValues("forward_queue").Inc()
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		obs.ErrorsTotal.WithLabelValues("forward_write").Inc()
		writeError(w, http.StatusGone, "target closed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	sess := s.lookup(w, r)
	if sess == nil {
		return
	}
	sess.touch()
	ack, err := strconv.ParseUint(r.Header.Get(proto.HeaderSeq), 10, 64)
	if err != nil {
		ack = 0
	}

	sess.pollMu.Lock()
	defer sess.pollMu.Unlock()
	defer sess.touch()

	// The client missed the previous response; send it again.
	if sess.lastChunk != nil && ack+1 == sess.lastSeq {
		writeChunk(w, sess.lastSeq, sess.lastChunk)
		return
	}

	timer := time.NewTimer(s.cfg.PollTimeout)
	defer timer.Stop()
	select {
	case chunk, ok := <-sess.out:
		if !ok {
			s.closeSession(sess.id)
			w.WriteHeader(http.StatusGone)
			return
		}
		chunk = drain(sess.out, chunk)
		sess.lastSeq++
		sess.lastChunk = chunk
		writeChunk(w, sess.lastSeq, chunk)
	case <-timer.C:
		w.WriteHeader(http.StatusNoContent)
	case <-sess.closed:
		w.WriteHeader(http.StatusGone)
	case <-r.Context().Done():
	}
}

// drain appends whatever else is already queued, up to maxPollBytes.
func drain(out chan []byte, chunk []byte) []byte {
	for len(chunk) < maxPollBytes {
		select {
		case next, ok := <-out:
			if !ok {
				return chunk
			}
			chunk = append(chunk, next...)
		default:
			return chunk
		}
	}
	return chunk
}

func writeChunk(w http.ResponseWriter, seq uint64, chunk []byte) {
	w.Header().Set(proto.HeaderSeq, proto.FormatSeq(seq))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(chunk)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(chunk)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if sess := s.store.get(id); sess != nil {
		s.closeSession(id)
	}
	w.WriteHeader(http.StatusNoContent)
}
