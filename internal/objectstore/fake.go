package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
)

// Fake is an in-memory Store for tests that don't need a real bucket.
type Fake struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func NewFake() *Fake {
	return &Fake{objects: map[string][]byte{}}
}

func (f *Fake) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	return nil
}

func (f *Fake) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("objectstore: fake has no object %s", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *Fake) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *Fake) Head(ctx context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return 0, fmt.Errorf("objectstore: fake has no object %s", key)
	}
	return int64(len(data)), nil
}
