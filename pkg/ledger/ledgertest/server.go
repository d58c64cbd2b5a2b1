// Package ledgertest provides an in-memory remote ledger for tests.
package ledgertest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
)

// Server is a fake ledger implementing GET /balance and PATCH /balance.
type Server struct {
	*httptest.Server

	mu         sync.Mutex
	balances   map[string]int64
	dailyLimit int64
	failNext   int
	failAll    bool
	fetches    int
	deducts    int
	resets     int
	deducted   []int64
}

// New starts a fake ledger. Unknown identities start at dailyLimit.
func New(dailyLimit int64) *Server {
	s := &Server{balances: make(map[string]int64), dailyLimit: dailyLimit}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// SetBalance sets the remote balance for identity.
func (s *Server) SetBalance(identity string, balance int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[identity] = balance
}

// Balance returns the remote balance for identity.
func (s *Server) Balance(identity string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balanceLocked(identity)
}

// FailNext makes the next n requests answer 503.
func (s *Server) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

// FailAll makes every request answer 503 until switched off.
func (s *Server) FailAll(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAll = fail
}

// Fetches returns the number of GET /balance requests seen.
func (s *Server) Fetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

// Deducts returns the number of deduct requests seen, failed ones included.
func (s *Server) Deducts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deducts
}

// Resets returns the number of reset requests seen, failed ones included.
func (s *Server) Resets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

// Deducted returns the amounts of successfully applied deducts in order.
func (s *Server) Deducted() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, len(s.deducted))
	copy(out, s.deducted)
	return out
}

func (s *Server) balanceLocked(identity string) int64 {
	b, ok := s.balances[identity]
	if !ok {
		return s.dailyLimit
	}
	return b
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/balance" {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "error": "not found"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch r.Method {
	case http.MethodGet:
		s.fetches++
		if s.shouldFailLocked() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"success": false})
			return
		}
		identity := r.URL.Query().Get("identity")
		if identity == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "identity required"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"data":    map[string]any{"balance": s.balanceLocked(identity)},
		})

	case http.MethodPatch:
		var req struct {
			Identity  string `json:"identity"`
			Operation string `json:"operation"`
			Amount    *int64 `json:"amount"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid body"})
			return
		}
		switch req.Operation {
		case "deduct":
			s.deducts++
		case "reset":
			s.resets++
		}
		if s.shouldFailLocked() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"success": false})
			return
		}
		switch req.Operation {
		case "deduct":
			if req.Amount == nil || *req.Amount < 0 {
				writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "amount required"})
				return
			}
			next := s.balanceLocked(req.Identity) - *req.Amount
			if next < 0 {
				next = 0
			}
			s.balances[req.Identity] = next
			s.deducted = append(s.deducted, *req.Amount)
		case "reset":
			s.balances[req.Identity] = s.dailyLimit
		default:
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"success": false,
				"error":   fmt.Sprintf("unknown operation %q", req.Operation),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"data":    map[string]any{"balance": s.balances[req.Identity]},
		})

	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"success": false})
	}
}

func (s *Server) shouldFailLocked() bool {
	if s.failAll {
		return true
	}
	if s.failNext > 0 {
		s.failNext--
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
