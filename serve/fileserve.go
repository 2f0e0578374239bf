package serve

import (
	"net/http"
	"os"
)

// FileServer serves the file PathFunc currently names, such as the last
// finished recording.
type FileServer struct {
	PathFunc    func() (string, error)
	ContentType string
}

func NewVideoServer(path func() (string, error)) *FileServer {
	return &FileServer{
		PathFunc:    path,
		ContentType: "video/mp4",
	}
}

func (s *FileServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path, err := s.PathFunc()
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Add("Content-Type", s.ContentType)
	// ServeContent handles range requests so players can seek.
	http.ServeContent(w, r, fi.Name(), fi.ModTime(), f)
}
