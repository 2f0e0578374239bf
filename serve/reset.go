package serve

import (
	"fmt"
	"net/http"
)

// ResetServer re-arms recording after a finished or failed recording.
type ResetServer struct {
	Reset func() error
}

func (s *ResetServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}

	if err := s.Reset(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	w.Header().Add("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "ok")
}
