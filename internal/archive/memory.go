package archive

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const memoryScheme = "mem"

// MemoryArchiver keeps uploads in process memory. It backs local runs without
// a bucket and tests.
type MemoryArchiver struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryArchiver() *MemoryArchiver {
	return &MemoryArchiver{objects: make(map[string][]byte)}
}

func (a *MemoryArchiver) Archive(_ context.Context, tenantID uuid.UUID, fileName string, content []byte) (string, error) {
	uri := fmt.Sprintf("%s://local/%s", memoryScheme, ObjectName(tenantID, fileName, time.Now(), uuid.New()))

	a.mu.Lock()
	a.objects[uri] = append([]byte(nil), content...)
	a.mu.Unlock()
	return uri, nil
}

func (a *MemoryArchiver) Fetch(_ context.Context, uri string) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	data, ok := a.objects[uri]
	if !ok {
		return nil, fmt.Errorf("Fetch: %s: %w", uri, ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

var (
	_ Archiver = (*MemoryArchiver)(nil)
	_ Archiver = (*GCSArchiver)(nil)
)
