// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/absmach/flowgate/broker/events"
	"github.com/absmach/flowgate/config"
	"github.com/sony/gobreaker"
)

var ErrNilSender = errors.New("webhook sender cannot be nil")

var _ Notifier = (*GenericNotifier)(nil)

// GenericNotifier delivers events through a worker pool with one circuit
// breaker per endpoint.
type GenericNotifier struct {
	cfg        config.WebhookConfig
	nodeID     string
	endpoints  []endpoint
	eventQueue chan eventJob
	breakers   map[string]*gobreaker.CircuitBreaker
	sender     Sender
	logger     *slog.Logger
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
}

type endpoint struct {
	name           string
	url            string
	eventFilters   map[string]bool
	subjectFilters []string
	headers        map[string]string
	timeout        time.Duration
	retry          config.RetryConfig
}

type eventJob struct {
	event    events.Event
	endpoint endpoint
	attempt  int
}

// NewNotifier creates a notifier and starts its workers.
func NewNotifier(cfg config.WebhookConfig, nodeID string, sender Sender, logger *slog.Logger) (*GenericNotifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if sender == nil {
		return nil, ErrNilSender
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}

	endpoints := make([]endpoint, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		filters := make(map[string]bool, len(ep.Events))
		for _, t := range ep.Events {
			filters[t] = true
		}
		for _, f := range ep.SubjectFilters {
			if _, err := path.Match(f, ""); err != nil {
				return nil, fmt.Errorf("webhook endpoint %s: invalid subject filter %q: %w", ep.Name, f, err)
			}
		}

		timeout := cfg.Defaults.Timeout
		if ep.Timeout > 0 {
			timeout = ep.Timeout
		}
		retry := cfg.Defaults.Retry
		if ep.Retry != nil {
			retry = *ep.Retry
		}

		endpoints = append(endpoints, endpoint{
			name:           ep.Name,
			url:            ep.URL,
			eventFilters:   filters,
			subjectFilters: ep.SubjectFilters,
			headers:        ep.Headers,
			timeout:        timeout,
			retry:          retry,
		})
	}

	breakers := make(map[string]*gobreaker.CircuitBreaker, len(endpoints))
	for _, ep := range endpoints {
		breakers[ep.name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        ep.name,
			MaxRequests: 1,
			Timeout:     cfg.Defaults.CircuitBreaker.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(cfg.Defaults.CircuitBreaker.FailureThreshold)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("webhook_breaker_state_changed",
					slog.String("endpoint", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &GenericNotifier{
		cfg:        cfg,
		nodeID:     nodeID,
		endpoints:  endpoints,
		eventQueue: make(chan eventJob, cfg.QueueSize),
		breakers:   breakers,
		sender:     sender,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}

	for i := 0; i < cfg.Workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}

	logger.Info("webhook_notifier_started",
		slog.Int("workers", cfg.Workers),
		slog.Int("queue_size", cfg.QueueSize),
		slog.Int("endpoints", len(endpoints)))
	return n, nil
}

// Notify queues ev for every matching endpoint. A full queue drops either
// the oldest queued job or ev itself, depending on the drop policy.
func (n *GenericNotifier) Notify(_ context.Context, ev events.Event) error {
	for _, ep := range n.endpoints {
		if !matches(ep, ev) {
			continue
		}
		job := eventJob{event: ev, endpoint: ep}

		select {
		case n.eventQueue <- job:
			continue
		default:
		}
		if n.cfg.DropPolicy == "oldest" {
			select {
			case <-n.eventQueue:
			default:
			}
			select {
			case n.eventQueue <- job:
				continue
			default:
			}
		}
		n.logger.Error("webhook_event_dropped",
			slog.String("event_type", ev.Type()),
			slog.String("endpoint", ep.name))
	}
	return nil
}

func matches(ep endpoint, ev events.Event) bool {
	if len(ep.eventFilters) > 0 && !ep.eventFilters[ev.Type()] {
		return false
	}
	if len(ep.subjectFilters) == 0 {
		return true
	}
	for _, f := range ep.subjectFilters {
		if ok, _ := path.Match(f, ev.Subject()); ok {
			return true
		}
	}
	return false
}

func (n *GenericNotifier) worker() {
	defer n.wg.Done()

	for {
		select {
		case <-n.ctx.Done():
			return
		case job := <-n.eventQueue:
			n.process(job)
		}
	}
}

// process sends one job through its endpoint breaker and schedules a
// retry with exponential backoff on failure.
func (n *GenericNotifier) process(job eventJob) {
	breaker := n.breakers[job.endpoint.name]
	_, err := breaker.Execute(func() (any, error) {
		return nil, n.send(job)
	})
	if err == nil {
		return
	}

	if !Retryable(err) || job.attempt >= job.endpoint.retry.MaxAttempts-1 {
		n.logger.Error("webhook_delivery_failed",
			slog.String("endpoint", job.endpoint.name),
			slog.String("event_type", job.event.Type()),
			slog.Int("attempts", job.attempt+1),
			slog.String("error", err.Error()))
		return
	}

	job.attempt++
	delay := retryDelay(job.attempt, job.endpoint.retry)
	n.logger.Debug("webhook_delivery_retry",
		slog.String("endpoint", job.endpoint.name),
		slog.String("event_type", job.event.Type()),
		slog.Int("attempt", job.attempt),
		slog.Duration("retry_after", delay),
		slog.String("error", err.Error()))

	time.AfterFunc(delay, func() {
		select {
		case n.eventQueue <- job:
		case <-n.ctx.Done():
		default:
			n.logger.Error("webhook_retry_dropped",
				slog.String("endpoint", job.endpoint.name),
				slog.String("event_type", job.event.Type()))
		}
	})
}

func (n *GenericNotifier) send(job eventJob) error {
	payload, err := json.Marshal(job.event.Wrap(n.nodeID))
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), job.endpoint.timeout)
	defer cancel()
	return n.sender.Send(ctx, job.endpoint.url, job.endpoint.headers, payload, job.endpoint.timeout)
}

func retryDelay(attempt int, cfg config.RetryConfig) time.Duration {
	delay := float64(cfg.InitialInterval)
	for i := 0; i < attempt; i++ {
		delay *= cfg.Multiplier
	}
	if cfg.MaxInterval > 0 && delay > float64(cfg.MaxInterval) {
		delay = float64(cfg.MaxInterval)
	}
	return time.Duration(delay)
}

// Close stops the workers, waiting up to the shutdown timeout for jobs in
// progress.
func (n *GenericNotifier) Close() error {
	n.cancel()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(n.cfg.ShutdownTimeout):
		n.logger.Warn("webhook_shutdown_timeout", slog.Int("queue_depth", len(n.eventQueue)))
	}
	return nil
}
