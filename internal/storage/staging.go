package storage

import (
	"context"
	"fmt"
	"sync"

	"deposit-orchestrator/internal/transport"
)

// MemoryStager keeps staged packages in process.
type MemoryStager struct {
	mu      sync.Mutex
	objects map[string]transport.Package
}

func NewMemoryStager() *MemoryStager {
	return &MemoryStager{objects: make(map[string]transport.Package)}
}

func (s *MemoryStager) Stage(_ context.Context, key string, pkg transport.Package) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pkg.Body = append([]byte(nil), pkg.Body...)
	pkg.Size = int64(len(pkg.Body))
	s.objects[key] = pkg
	return nil
}

func (s *MemoryStager) Load(_ context.Context, key string) (transport.Package, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pkg, ok := s.objects[key]
	if !ok {
		return transport.Package{}, fmt.Errorf("staged package %s: %w", key, ErrNotFound)
	}
	return pkg, nil
}

func (s *MemoryStager) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}
