package session

import (
	"net/http"
	"os"
	"path"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-capture/internal/audio"
)

// ClipStore serves registered clips under an unguessable token until the
// registration is revoked.
type ClipStore struct {
	prefix string

	mu      sync.RWMutex
	entries map[string]audio.Clip

	revoked atomic.Int64
}

func NewClipStore(prefix string) *ClipStore {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &ClipStore{prefix: prefix, entries: make(map[string]audio.Clip)}
}

// Resource is one playable registration of a clip.
type Resource struct {
	store *ClipStore
	token string
	once  sync.Once
}

// Register makes clip playable and returns its resource.
func (s *ClipStore) Register(clip audio.Clip) *Resource {
	token := uuid.NewString()
	s.mu.Lock()
	s.entries[token] = clip
	s.mu.Unlock()
	return &Resource{store: s, token: token}
}

func (r *Resource) URL() string {
	if r == nil {
		return ""
	}
	return r.store.prefix + r.token
}

// Revoke unregisters the resource. Only the first call has effect; it
// reports whether this call revoked it.
func (r *Resource) Revoke() bool {
	if r == nil {
		return false
	}
	revoked := false
	r.once.Do(func() {
		r.store.mu.Lock()
		delete(r.store.entries, r.token)
		r.store.mu.Unlock()
		r.store.revoked.Add(1)
		revoked = true
	})
	return revoked
}

// Len reports how many resources are currently registered.
func (s *ClipStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Revoked reports how many resources were ever revoked.
func (s *ClipStore) Revoked() int64 {
	return s.revoked.Load()
}

func (s *ClipStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := path.Base(r.URL.Path)
	s.mu.RLock()
	clip, ok := s.entries[token]
	s.mu.RUnlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	f, err := os.Open(clip.Path)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", clip.MimeType)
	w.Header().Set("Cache-Control", "no-store")
	http.ServeContent(w, r, path.Base(clip.Path), info.ModTime(), f)
}
