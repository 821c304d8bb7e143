package main

import (
	"fmt"
	"sync"
	"time"
)

// recentErrors keeps the last N error lines for /health, newest first.
type recentErrors struct {
	mu   sync.Mutex
	max  int
	list []string
}

func newRecentErrors(max int) *recentErrors {
	return &recentErrors{max: max}
}

func (r *recentErrors) add(format string, args ...any) {
	msg := time.Now().UTC().Format(time.RFC3339) + " " + fmt.Sprintf(format, args...)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.list = append([]string{msg}, r.list...)
	if len(r.list) > r.max {
		r.list = r.list[:r.max]
	}
}

func (r *recentErrors) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.list))
	copy(out, r.list)
	return out
}
