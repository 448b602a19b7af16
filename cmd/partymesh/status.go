package main

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opd-ai/partymesh/identity"
	"github.com/opd-ai/partymesh/peer"
	"github.com/opd-ai/partymesh/router"
	"github.com/opd-ai/partymesh/transport"
)

// recentLimit bounds the message log kept for /messages.
const recentLimit = 64

// node is the part of a session the status API reads and drives.
type node interface {
	Self() identity.ID
	DisplayName() string
	ConnectedPeers() []peer.Peer
	AllPeers() []peer.Peer
	Host() *peer.Peer
	IsHost() bool
	PartySize() int
	GroupID() string
	PromoteSelfToHost()
	LockGroup()
	Reset(displayName string)
	Send(event string, body any, targets []transport.Handle, rel router.Reliability) error
}

type peerView struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Handle string `json:"handle,omitempty"`
}

type messageView struct {
	Event  string          `json:"event"`
	From   string          `json:"from"`
	SentAt time.Time       `json:"sentAt"`
	Body   json.RawMessage `json:"body,omitempty"`
}

type sendRequest struct {
	Event      string          `json:"event"`
	Body       json.RawMessage `json:"body"`
	BestEffort bool            `json:"bestEffort"`
}

type statusServer struct {
	node node

	mu     sync.Mutex
	recent []messageView
}

func newStatusServer(n node) *statusServer {
	return &statusServer{node: n}
}

// record is a router.Handler that keeps the latest application messages.
func (s *statusServer) record(m router.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recent = append(s.recent, messageView{
		Event:  m.EventName,
		From:   m.SenderID.String(),
		SentAt: m.SentAt,
		Body:   m.Body,
	})
	if len(s.recent) > recentLimit {
		s.recent = s.recent[len(s.recent)-recentLimit:]
	}
}

// Handler returns the chi router with every route mounted.
func (s *statusServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/self", s.handleSelf)
	r.Get("/peers", s.handlePeers)
	r.Route("/host", func(r chi.Router) {
		r.Get("/", s.handleHost)
		r.Post("/promote", s.handlePromote)
	})
	r.Route("/group", func(r chi.Router) {
		r.Get("/", s.handleGroup)
		r.Post("/lock", s.handleLock)
	})
	r.Get("/messages", s.handleMessages)
	r.Post("/messages", s.handleSend)
	r.Post("/reset", s.handleReset)

	return r
}

func toView(p peer.Peer) peerView {
	return peerView{ID: p.StableID.String(), Name: p.DisplayName, Handle: string(p.Handle)}
}

func toViews(peers []peer.Peer) []peerView {
	out := make([]peerView, 0, len(peers))
	for _, p := range peers {
		out = append(out, toView(p))
	}
	return out
}

func (s *statusServer) handleSelf(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, peerView{ID: s.node.Self().String(), Name: s.node.DisplayName()})
}

func (s *statusServer) handlePeers(w http.ResponseWriter, r *http.Request) {
	peers := s.node.ConnectedPeers()
	if r.URL.Query().Get("all") == "true" {
		peers = s.node.AllPeers()
	}
	writeJSON(w, http.StatusOK, toViews(peers))
}

func (s *statusServer) handleHost(w http.ResponseWriter, r *http.Request) {
	h := s.node.Host()
	if h == nil {
		writeJSON(w, http.StatusOK, map[string]any{"host": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"host": toView(*h), "self": s.node.IsHost()})
}

func (s *statusServer) handlePromote(w http.ResponseWriter, r *http.Request) {
	s.node.PromoteSelfToHost()
	w.WriteHeader(http.StatusAccepted)
}

func (s *statusServer) handleGroup(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"groupID":   s.node.GroupID(),
		"locked":    s.node.GroupID() != "",
		"partySize": s.node.PartySize(),
		"connected": len(s.node.ConnectedPeers()),
	})
}

func (s *statusServer) handleLock(w http.ResponseWriter, r *http.Request) {
	s.node.LockGroup()
	w.WriteHeader(http.StatusAccepted)
}

func (s *statusServer) handleMessages(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	out := append([]messageView(nil), s.recent...)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *statusServer) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Event == "" {
		writeError(w, http.StatusBadRequest, "event is required")
		return
	}
	rel := router.Reliable
	if req.BestEffort {
		rel = router.BestEffort
	}
	if err := s.node.Send(req.Event, req.Body, nil, rel); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *statusServer) handleReset(w http.ResponseWriter, r *http.Request) {
	s.node.Reset(r.URL.Query().Get("name"))
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
