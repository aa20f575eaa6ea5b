// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package workitem

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// Notification is published to a queue's amqpqueue when it has due items.
type Notification struct {
	Command string `json:"command"`
	Queue   string `json:"wiq"`
	QueueID string `json:"wiqid"`
}

const notificationCommand = "workitem"

// Run announces queues with due items every monitor interval until ctx is
// cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := e.Monitor(ctx); err != nil {
				e.logger.Warn("workitem_monitor_failed", slog.String("error", err.Error()))
			} else if n > 0 {
				e.logger.Debug("workitem_monitor", slog.Int("notified", n))
			}
		}
	}
}

// Monitor notifies every queue that declares an amqpqueue and has a due
// item. It returns the number of queues notified.
func (e *Engine) Monitor(ctx context.Context) (int, error) {
	if e.notifier == nil {
		return 0, nil
	}
	queues, err := e.store.ListQueues(ctx)
	if err != nil {
		return 0, err
	}

	now := e.now()
	n := 0
	for _, q := range queues {
		if q.AMQPQueue == "" {
			continue
		}
		due, err := e.store.Due(ctx, q.ID, now, 1)
		if err != nil {
			return n, err
		}
		if len(due) == 0 {
			continue
		}
		if e.notify(ctx, q) {
			n++
		}
	}
	return n, nil
}

func (e *Engine) notify(ctx context.Context, q *Queue) bool {
	if e.notifier == nil || q.AMQPQueue == "" {
		return false
	}
	data, err := json.Marshal(Notification{Command: notificationCommand, Queue: q.Name, QueueID: q.ID})
	if err != nil {
		return false
	}
	if err := e.notifier.Publish(ctx, q.AMQPQueue, data); err != nil {
		e.logger.Warn("workitem_notify_failed",
			slog.String("queue", q.Name),
			slog.String("amqp_queue", q.AMQPQueue),
			slog.String("error", err.Error()))
		return false
	}
	return true
}
