package collab

import (
	"context"
	"errors"
)

var MaxSemaphore = 100

var (
	ErrAcquireTimeout = errors.New("semaphore: acquire reached time limit")
	ErrNotAcquired    = errors.New("semaphore: release without acquire")
)

// SemaphoreControl 限制并发数（带缓冲的 channel 当计数器用）。
type SemaphoreControl struct {
	ch chan struct{}
}

// NewSemaphoreControl size <= 0 时使用 MaxSemaphore。
func NewSemaphoreControl(size int) *SemaphoreControl {
	if size <= 0 {
		size = MaxSemaphore
	}
	return &SemaphoreControl{ch: make(chan struct{}, size)}
}

func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ErrAcquireTimeout
	}
}

func (s *SemaphoreControl) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return ErrNotAcquired
	}
}

// InUse 当前被占用的数量。
func (s *SemaphoreControl) InUse() int { return len(s.ch) }
