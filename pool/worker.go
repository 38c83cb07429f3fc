package pool

import (
	"context"
	"fmt"
	"log/slog"
)

type Worker struct {
	// the worker id
	id string

	// the slot index handed to the loop
	slot int

	loop Loop

	log *slog.Logger
}

func NewWorker(slot int, loop Loop, log *slog.Logger) *Worker {
	return &Worker{
		id:   fmt.Sprintf("worker_%d", slot+1),
		slot: slot,
		loop: loop,
		log:  log,
	}
}

func (w *Worker) Start(ctx context.Context) error {
	w.log.Info(fmt.Sprintf("starting worker %s", w.id))

	defer func() {
		w.log.Info(fmt.Sprintf("worker %s has been stopped", w.id))
	}()

	err := w.loop(ctx, w.slot)
	if err != nil {
		w.log.Error(fmt.Sprintf("worker %s failed", w.id), "error", err)
		return fmt.Errorf("%s: %w", w.id, err)
	}

	return nil
}
