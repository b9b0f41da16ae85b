package blob

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and dry runs.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memObject
	// Now lets tests pin the upload clock. Defaults to time.Now.
	Now func() time.Time
}

type memObject struct {
	data        []byte
	contentType string
	modified    time.Time
}

// NewMemory returns an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memObject), Now: time.Now}
}

func (s *MemoryStore) Stat(_ context.Context, path string) (ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[path]
	if !ok {
		return ObjectInfo{}, ErrNotExist
	}
	return ObjectInfo{
		Path:         path,
		Size:         int64(len(obj.data)),
		LastModified: obj.modified,
		ContentType:  obj.contentType,
	}, nil
}

func (s *MemoryStore) Upload(_ context.Context, path string, data []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.objects[path] = memObject{data: cp, contentType: contentType, modified: s.Now().UTC()}
	return nil
}

func (s *MemoryStore) Download(_ context.Context, path string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[path]
	if !ok {
		return nil, ErrNotExist
	}
	cp := make([]byte, len(obj.data))
	copy(cp, obj.data)
	return cp, nil
}

func (s *MemoryStore) PublicURL(_ context.Context, path string) (string, error) {
	return "memory://" + path, nil
}

// SetModified backdates an object, for freshness-gate tests.
func (s *MemoryStore) SetModified(path string, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if obj, ok := s.objects[path]; ok {
		obj.modified = ts
		s.objects[path] = obj
	}
}
