package events

import (
	"context"
	"errors"

	"github.com/oriys/edgejs/internal/domain"
)

// Fanout 把调用完成事件依次交给多个发布者，任一失败不影响其余发布者。
type Fanout []Publisher

// NewFanout 组合多个发布者，忽略 nil。
func NewFanout(publishers ...Publisher) Fanout {
	var f Fanout
	for _, p := range publishers {
		if p != nil {
			f = append(f, p)
		}
	}
	return f
}

func (f Fanout) PublishInvocationCompleted(ctx context.Context, result *domain.InvocationResult) error {
	var errs []error
	for _, p := range f {
		if err := p.PublishInvocationCompleted(ctx, result); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) Close() error {
	var errs []error
	for _, p := range f {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
