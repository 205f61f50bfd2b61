// Package api exposes the session manager over HTTP and pushes events to
// clients over websockets.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/inkwell-cms/collab/internal/session"
	"github.com/inkwell-cms/collab/pkg/errclass"
	"github.com/inkwell-cms/collab/pkg/idutil"
	"github.com/inkwell-cms/collab/pkg/logging"
	"github.com/inkwell-cms/collab/pkg/metrics"
	"github.com/inkwell-cms/collab/pkg/model"
)

// UserHeader carries the authenticated user, set by the auth proxy.
const UserHeader = "X-User-ID"

// Options configures a Server.
type Options struct {
	Manager *session.Manager
	Hub     *Hub
	Metrics *metrics.Registry
	Logger  *logging.Logger
	// CheckOrigin validates websocket origins; nil allows all.
	CheckOrigin func(r *http.Request) bool
}

// Server holds the HTTP handlers.
type Server struct {
	mgr      *session.Manager
	hub      *Hub
	metrics  *metrics.Registry
	log      *logging.Logger
	upgrader websocket.Upgrader
}

// NewServer wires the handlers into a chi router.
func NewServer(opts Options) http.Handler {
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	hub := opts.Hub
	if hub == nil {
		hub = NewHub(log)
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	s := &Server{
		mgr:     opts.Manager,
		hub:     hub,
		metrics: opts.Metrics,
		log:     log.WithFields(map[string]any{"component": "api"}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}
	return s.routes()
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"sessions": len(s.mgr.Sessions()),
			"parked":   s.mgr.Parked(),
		})
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(requireUser)

		r.Post("/sessions", s.startSession)
		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.Delete("/", s.endSession)
			r.Get("/", s.getSession)
			r.Post("/changes", s.applyChange)
			r.Get("/version", s.currentVersion)
			r.Post("/heartbeat", s.heartbeat)
			r.Post("/flush", s.flush)
			r.Get("/events", s.events)
		})
		r.Route("/documents/{documentID}", func(r chi.Router) {
			r.Put("/lock", s.lockDocument)
			r.Delete("/lock", s.releaseLock)
			r.Get("/lock", s.checkLock)
			r.Get("/presence", s.presence)
			r.Get("/changes", s.history)
		})
	})
	return r
}

func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(UserHeader) == "" {
			writeErrorCode(w, http.StatusUnauthorized, "E_UNAUTHENTICATED", "missing "+UserHeader+" header")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// userOf returns the caller's user ID in the normalized form sessions store.
func userOf(r *http.Request) string { return idutil.Normalize(r.Header.Get(UserHeader)) }

// ownedSession resolves the session in the URL and checks it belongs to
// the caller. Foreign sessions look the same as unknown ones.
func (s *Server) ownedSession(r *http.Request) (*model.Session, error) {
	id := chi.URLParam(r, "sessionID")
	sess, err := s.mgr.Session(id)
	if err != nil {
		return nil, err
	}
	if sess.UserID != userOf(r) {
		return nil, errclass.ErrInvalidSession.WithMessagef("session %s is not active", id)
	}
	return sess, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return errclass.ErrInvalidChange.WithMessagef("decode request body: %v", err)
	}
	return nil
}

type startSessionRequest struct {
	DocumentID   string             `json:"documentId"`
	ClientID     string             `json:"clientId"`
	DocumentType model.DocumentType `json:"documentType"`
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.DocumentType == "" {
		req.DocumentType = model.DocumentText
	}
	sess, err := s.mgr.StartSession(r.Context(), req.DocumentID, userOf(r), req.ClientID, req.DocumentType)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.ownedSession(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) endSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if sess, err := s.mgr.Session(id); err == nil && sess.UserID != userOf(r) {
		writeError(w, errclass.ErrInvalidSession.WithMessagef("session %s is not active", id))
		return
	}
	if err := s.mgr.EndSession(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type applyChangeRequest struct {
	Change      json.RawMessage `json:"change"`
	BaseVersion *int64          `json:"baseVersion"`
}

type versionResponse struct {
	Version int64 `json:"version"`
}

func (s *Server) applyChange(w http.ResponseWriter, r *http.Request) {
	sess, err := s.ownedSession(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req applyChangeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.BaseVersion == nil {
		writeError(w, errclass.ErrInvalidChange.WithMessage("baseVersion is required"))
		return
	}
	v, err := s.mgr.ApplyChange(r.Context(), sess.ID, req.Change, *req.BaseVersion)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versionResponse{Version: v})
}

func (s *Server) currentVersion(w http.ResponseWriter, r *http.Request) {
	sess, err := s.ownedSession(r)
	if err != nil {
		writeError(w, err)
		return
	}
	v, err := s.mgr.CurrentVersion(sess.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versionResponse{Version: v})
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	sess, err := s.ownedSession(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.mgr.Touch(sess.ID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) flush(w http.ResponseWriter, r *http.Request) {
	sess, err := s.ownedSession(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.mgr.Flush(r.Context(), sess.ID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	sess, err := s.ownedSession(r)
	if err != nil {
		writeError(w, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already replied
		s.log.WarnErr("websocket upgrade failed", err, map[string]any{"session_id": sess.ID})
		return
	}

	c := &client{
		sessionID:  sess.ID,
		documentID: sess.DocumentID,
		conn:       conn,
		send:       make(chan []byte, sendBufSize),
	}
	if err := s.mgr.SubscribeToChanges(sess.ID, sess.DocumentID); err != nil {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, errclass.Message(err)))
		conn.Close()
		return
	}
	s.hub.register(c)
	s.log.Debug("events connected", map[string]any{"session_id": sess.ID, "document_id": sess.DocumentID})

	go s.hub.writePump(c)
	go s.hub.readPump(c, func() { _ = s.mgr.Touch(sess.ID) })
}

type lockRequest struct {
	DurationMs int64 `json:"durationMs,omitempty"`
}

type lockResponse struct {
	Locked bool                `json:"locked"`
	Lock   *model.DocumentLock `json:"lock,omitempty"`
}

func (s *Server) lockDocument(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.DurationMs < 0 {
		writeError(w, errclass.ErrInvalidChange.WithMessage("durationMs must not be negative"))
		return
	}
	l, err := s.mgr.LockDocument(chi.URLParam(r, "documentID"), userOf(r), time.Duration(req.DurationMs)*time.Millisecond)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lockResponse{Locked: true, Lock: l})
}

func (s *Server) releaseLock(w http.ResponseWriter, r *http.Request) {
	s.mgr.ReleaseLock(chi.URLParam(r, "documentID"), userOf(r))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) checkLock(w http.ResponseWriter, r *http.Request) {
	l := s.mgr.CheckLock(chi.URLParam(r, "documentID"))
	if l == nil {
		writeErrorCode(w, http.StatusNotFound, "E_NOT_LOCKED", "document is not locked")
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (s *Server) presence(w http.ResponseWriter, r *http.Request) {
	entries := s.mgr.GetDocumentPresence(chi.URLParam(r, "documentID"))
	if entries == nil {
		entries = []model.PresenceEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	recs, err := s.mgr.History(r.Context(), chi.URLParam(r, "documentID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if recs == nil {
		recs = []model.ChangeRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}
