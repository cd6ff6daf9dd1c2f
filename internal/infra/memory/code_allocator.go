package memory

import (
	"context"
	"sync"

	"quiz-arena-service/internal/domain"
)

// CodeAllocator keeps match codes unique among live matches of one process.
type CodeAllocator struct {
	mu    sync.Mutex
	codes map[string]string
}

func NewCodeAllocator() *CodeAllocator {
	return &CodeAllocator{codes: make(map[string]string)}
}

func (a *CodeAllocator) Reserve(_ context.Context, code, matchID string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, taken := a.codes[code]; taken {
		return false, nil
	}
	a.codes[code] = matchID
	return true, nil
}

func (a *CodeAllocator) Resolve(_ context.Context, code string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	matchID, ok := a.codes[code]
	if !ok {
		return "", domain.ErrMatchNotFound
	}
	return matchID, nil
}

// Release frees code only if matchID still owns it.
func (a *CodeAllocator) Release(_ context.Context, code, matchID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.codes[code] == matchID {
		delete(a.codes, code)
	}
	return nil
}
