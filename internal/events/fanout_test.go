package events

import (
	"context"
	"errors"
	"testing"

	"github.com/oriys/edgejs/internal/domain"
)

type countingPublisher struct {
	published int
	closed    bool
	err       error
}

func (p *countingPublisher) PublishInvocationCompleted(context.Context, *domain.InvocationResult) error {
	p.published++
	return p.err
}

func (p *countingPublisher) Close() error {
	p.closed = true
	return nil
}

func TestFanout(t *testing.T) {
	failing := &countingPublisher{err: errors.New("nats down")}
	ok := &countingPublisher{}
	f := NewFanout(failing, nil, ok)
	if len(f) != 2 {
		t.Fatalf("len = %d, want 2", len(f))
	}

	err := f.PublishInvocationCompleted(context.Background(), &domain.InvocationResult{FunctionID: "f"})
	if !errors.Is(err, failing.err) {
		t.Errorf("err = %v", err)
	}
	if failing.published != 1 || ok.published != 1 {
		t.Errorf("published = %d/%d, want 1/1", failing.published, ok.published)
	}

	if err := f.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
	if !failing.closed || !ok.closed {
		t.Error("all publishers should be closed")
	}
}
