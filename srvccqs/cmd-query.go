package decorator

import (
	"context"
	"time"

	"github.com/programme-lv/grader/logger"
)

// P - params
type CmdHandler[P any] interface {
	Handle(ctx context.Context, p P) error
}

// Q - query, R - result
type QueryHandler[Q any, R any] interface {
	Handle(ctx context.Context, q Q) (R, error)
}

type CmdFunc[P any] func(ctx context.Context, p P) error

func (f CmdFunc[P]) Handle(ctx context.Context, p P) error {
	return f(ctx, p)
}

type QueryFunc[Q any, R any] func(ctx context.Context, q Q) (R, error)

func (f QueryFunc[Q, R]) Handle(ctx context.Context, q Q) (R, error) {
	return f(ctx, q)
}

// LoggedCmd logs the duration and outcome of every command.
func LoggedCmd[P any](name string, h CmdHandler[P]) CmdHandler[P] {
	return CmdFunc[P](func(ctx context.Context, p P) error {
		start := time.Now()
		err := h.Handle(ctx, p)
		log := logger.FromContext(ctx)
		if err != nil {
			log.Debug("command failed", "cmd", name, "duration", time.Since(start), "error", err)
		} else {
			log.Debug("command handled", "cmd", name, "duration", time.Since(start))
		}
		return err
	})
}

// LoggedQuery logs the duration and outcome of every query.
func LoggedQuery[Q any, R any](name string, h QueryHandler[Q, R]) QueryHandler[Q, R] {
	return QueryFunc[Q, R](func(ctx context.Context, q Q) (R, error) {
		start := time.Now()
		res, err := h.Handle(ctx, q)
		log := logger.FromContext(ctx)
		if err != nil {
			log.Debug("query failed", "query", name, "duration", time.Since(start), "error", err)
		} else {
			log.Debug("query handled", "query", name, "duration", time.Since(start))
		}
		return res, err
	})
}
