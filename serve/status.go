package serve

import (
	"encoding/json"
	"net/http"
)

// StatusServer serves a JSON snapshot of the running role.
type StatusServer struct {
	Status func() interface{}
}

func (s *StatusServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	js, err := json.Marshal(s.Status())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(js)
}
