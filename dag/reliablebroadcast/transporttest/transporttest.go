// Package transporttest is a tiny HTTP test double standing in for the
// (out-of-scope, per spec.md §1) gRPC/gossip transport, used to exercise
// reliablebroadcast.Transport against something resembling real RPC
// framing in tests rather than an in-memory stub alone.
package transporttest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
)

// Server serves HTTP ack endpoints for any number of peers: POST
// /ack/{peer} replies with the JSON value set by SetReply for that peer
// (or {"peer": peer} if none is set), or, if the peer is configured to
// fail, returns a 500. The request body is not read.
type Server struct {
	httpServer *httptest.Server

	mu      sync.Mutex
	fail    map[string]bool
	replies map[string]interface{}
}

// NewServer starts a Server on an OS-chosen port.
func NewServer() *Server {
	s := &Server{
		fail:    make(map[string]bool),
		replies: make(map[string]interface{}),
	}
	router := mux.NewRouter()
	router.HandleFunc("/ack/{peer}", s.handleAck).Methods(http.MethodPost)
	s.httpServer = httptest.NewServer(router)
	return s
}

// URL returns the server's base URL.
func (s *Server) URL() string {
	return s.httpServer.URL
}

// Close shuts the server down.
func (s *Server) Close() {
	s.httpServer.Close()
}

// SetFail makes peer's next acks fail until reset.
func (s *Server) SetFail(peer string, fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[peer] = fail
}

// SetReply configures what peer's ack endpoint echoes back.
func (s *Server) SetReply(peer string, reply interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[peer] = reply
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	peer := mux.Vars(r)["peer"]

	s.mu.Lock()
	shouldFail := s.fail[peer]
	reply, ok := s.replies[peer]
	s.mu.Unlock()

	if shouldFail {
		http.Error(w, "induced failure", http.StatusInternalServerError)
		return
	}
	if !ok {
		reply = map[string]string{"peer": peer}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(reply); err != nil {
		http.Error(w, errors.Wrap(err, "encoding reply").Error(), http.StatusInternalServerError)
	}
}
