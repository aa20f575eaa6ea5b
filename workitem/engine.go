// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package workitem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/absmach/flowgate/auth"
	"github.com/absmach/flowgate/blob"
	"github.com/google/uuid"
)

const (
	// DefaultClaimRetries bounds how many lost claim races Pop absorbs.
	DefaultClaimRetries = 10
	// DefaultMonitorInterval is how often due queues are announced.
	DefaultMonitorInterval = 5 * time.Second

	defaultItemName = "New work item"
)

// Notifier announces that a queue has due items.
type Notifier interface {
	Publish(ctx context.Context, queue string, data []byte) error
}

// Config configures the engine.
type Config struct {
	ClaimRetries    int
	MonitorInterval time.Duration
}

// Engine implements the queue operations on top of a Store.
type Engine struct {
	store    Store
	blobs    blob.Store
	authz    auth.Authorizer
	notifier Notifier
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine creates an engine. blobs and notifier may be nil; attachments
// are then rejected and no notifications are sent.
func NewEngine(store Store, blobs blob.Store, notifier Notifier, cfg Config, logger *slog.Logger) *Engine {
	if cfg.ClaimRetries <= 0 {
		cfg.ClaimRetries = DefaultClaimRetries
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = DefaultMonitorInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    store,
		blobs:    blobs,
		authz:    auth.ACLAuthorizer{},
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// SetAuthorizer replaces the default ACL authorizer.
func (e *Engine) SetAuthorizer(a auth.Authorizer) {
	e.authz = a
}

func (e *Engine) allowed(id *auth.Identity, acl auth.ACL, rights ...auth.Right) bool {
	for _, r := range rights {
		if !e.authz.HasRight(id, acl, r) {
			return false
		}
	}
	return true
}

// resolveQueue finds a queue by id first and by name second.
func (e *Engine) resolveQueue(ctx context.Context, id, name string) (*Queue, error) {
	if id == "" && name == "" {
		return nil, ErrQueueNameRequired
	}
	if id != "" {
		q, err := e.store.GetQueue(ctx, id)
		if err == nil {
			return q, nil
		}
		if !errors.Is(err, ErrQueueNotFound) {
			return nil, err
		}
	}
	if name != "" {
		q, err := e.store.GetQueueByName(ctx, name)
		if err == nil {
			return q, nil
		}
		if !errors.Is(err, ErrQueueNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s (%s)", ErrQueueNotFound, name, id)
}

// readableQueue resolves a queue the identity may read. Queues it cannot
// read are reported as not found.
func (e *Engine) readableQueue(ctx context.Context, id *auth.Identity, qid, name string) (*Queue, error) {
	q, err := e.resolveQueue(ctx, qid, name)
	if err != nil {
		return nil, err
	}
	if !e.allowed(id, q.ACL, auth.RightRead) {
		return nil, fmt.Errorf("%w: %s (%s)", ErrQueueNotFound, name, qid)
	}
	return q, nil
}

// AddQueue creates a queue owned by the caller.
func (e *Engine) AddQueue(ctx context.Context, id *auth.Identity, req AddQueueRequest) (*Queue, error) {
	if req.Name == "" {
		return nil, ErrQueueNameRequired
	}
	if id == nil {
		return nil, ErrAccessDenied
	}

	now := e.now()
	q := &Queue{
		ID:             uuid.NewString(),
		Name:           req.Name,
		MaxRetries:     req.MaxRetries,
		RetryDelay:     max(req.RetryDelay, 0),
		InitialDelay:   max(req.InitialDelay, 0),
		SuccessQueue:   req.SuccessQueue,
		SuccessQueueID: req.SuccessQueueID,
		FailedQueue:    req.FailedQueue,
		FailedQueueID:  req.FailedQueueID,
		AMQPQueue:      req.AMQPQueue,
		RobotQueue:     req.RobotQueue,
		WorkflowID:     req.WorkflowID,
		ProjectID:      req.ProjectID,
		Created:        now,
		Modified:       now,
	}
	if q.MaxRetries < 1 {
		q.MaxRetries = DefaultMaxRetries
	}
	if req.ACL != nil {
		q.ACL = req.ACL.Clone()
	} else {
		q.ACL.Add(auth.AdminsRoleID, "admins", auth.RightFullControl)
		q.ACL.Add(id.ID, id.Name, auth.RightFullControl)
	}

	if err := e.store.CreateQueue(ctx, q); err != nil {
		if errors.Is(err, ErrQueueExists) {
			return nil, fmt.Errorf("%w: %s", ErrQueueExists, req.Name)
		}
		return nil, err
	}
	e.logger.Info("workitem_queue_created",
		slog.String("queue", q.Name),
		slog.String("queue_id", q.ID),
		slog.String("user", id.Name))
	return q, nil
}

// GetQueue returns the queue named by ref.
func (e *Engine) GetQueue(ctx context.Context, id *auth.Identity, ref QueueRef) (*Queue, error) {
	return e.readableQueue(ctx, id, ref.ID, ref.Name)
}

// UpdateQueue changes a queue and optionally purges its items.
func (e *Engine) UpdateQueue(ctx context.Context, id *auth.Identity, req UpdateQueueRequest) (*Queue, error) {
	q, err := e.readableQueue(ctx, id, req.ID, req.Name)
	if err != nil {
		return nil, err
	}
	if !e.allowed(id, q.ACL, auth.RightUpdate) {
		return nil, fmt.Errorf("%w: update queue %s", ErrAccessDenied, q.Name)
	}

	if req.NewName != "" {
		q.Name = req.NewName
	}
	if req.MaxRetries != nil {
		q.MaxRetries = *req.MaxRetries
		if q.MaxRetries < 1 {
			q.MaxRetries = DefaultMaxRetries
		}
	}
	if req.RetryDelay != nil {
		q.RetryDelay = max(*req.RetryDelay, 0)
	}
	if req.InitialDelay != nil {
		q.InitialDelay = max(*req.InitialDelay, 0)
	}
	setString(&q.SuccessQueue, req.SuccessQueue)
	setString(&q.SuccessQueueID, req.SuccessQueueID)
	setString(&q.FailedQueue, req.FailedQueue)
	setString(&q.FailedQueueID, req.FailedQueueID)
	setString(&q.AMQPQueue, req.AMQPQueue)
	setString(&q.RobotQueue, req.RobotQueue)
	setString(&q.WorkflowID, req.WorkflowID)
	setString(&q.ProjectID, req.ProjectID)
	if req.ACL != nil {
		q.ACL = req.ACL.Clone()
	}
	q.Modified = e.now()

	if err := e.store.UpdateQueue(ctx, q); err != nil {
		return nil, err
	}
	if req.Purge {
		if err := e.purge(ctx, id, q); err != nil {
			return nil, err
		}
	}
	return q, nil
}

// DeleteQueue removes a queue. A queue with items is only deleted when
// ref.Purge is set, after its items are purged.
func (e *Engine) DeleteQueue(ctx context.Context, id *auth.Identity, ref QueueRef) error {
	q, err := e.readableQueue(ctx, id, ref.ID, ref.Name)
	if err != nil {
		return err
	}
	if !e.allowed(id, q.ACL, auth.RightDelete) {
		return fmt.Errorf("%w: delete queue %s", ErrAccessDenied, q.Name)
	}

	if ref.Purge {
		if err := e.purge(ctx, id, q); err != nil {
			return err
		}
	} else {
		n, err := e.store.CountByQueue(ctx, q.ID)
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: %s", ErrQueueNotEmpty, q.Name)
		}
	}

	if err := e.store.DeleteQueue(ctx, q.ID); err != nil {
		return err
	}
	e.logger.Info("workitem_queue_deleted",
		slog.String("queue", q.Name),
		slog.String("queue_id", q.ID),
		slog.Bool("purge", ref.Purge))
	return nil
}

// PurgeQueue deletes every item of a queue together with its attachments.
func (e *Engine) PurgeQueue(ctx context.Context, id *auth.Identity, ref QueueRef) error {
	q, err := e.readableQueue(ctx, id, ref.ID, ref.Name)
	if err != nil {
		return err
	}
	if !e.allowed(id, q.ACL, auth.RightDelete) {
		return fmt.Errorf("%w: purge queue %s", ErrAccessDenied, q.Name)
	}
	return e.purge(ctx, id, q)
}

func (e *Engine) purge(ctx context.Context, id *auth.Identity, q *Queue) error {
	items, err := e.store.ListByQueue(ctx, q.ID)
	if err != nil {
		return err
	}
	for _, item := range items {
		e.deleteFiles(ctx, item)
		if err := e.store.Delete(ctx, item.ID); err != nil && !errors.Is(err, ErrItemNotFound) {
			return fmt.Errorf("purge queue %s: %w", q.Name, err)
		}
	}

	n, err := e.store.CountByQueue(ctx, q.ID)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("failed purging queue %s: %d items remain", q.Name, n)
	}
	e.logger.Info("workitem_queue_purged",
		slog.String("queue", q.Name),
		slog.Int("items", len(items)),
		slog.String("user", userName(id)))
	return nil
}

// Add enqueues one item.
func (e *Engine) Add(ctx context.Context, id *auth.Identity, req AddItemRequest) (*Item, error) {
	q, err := e.invokableQueue(ctx, id, req.QueueID, req.Queue)
	if err != nil {
		return nil, err
	}

	item, err := e.newItem(ctx, id, q, req.NewItem)
	if err != nil {
		return nil, err
	}
	item.SuccessQueue = req.SuccessQueue
	item.SuccessQueueID = req.SuccessQueueID
	item.FailedQueue = req.FailedQueue
	item.FailedQueueID = req.FailedQueueID

	if err := e.store.Insert(ctx, item); err != nil {
		e.deleteFiles(ctx, item)
		return nil, err
	}
	e.logger.Debug("workitem_added",
		slog.String("queue", q.Name),
		slog.String("workitem", item.ID))
	if item.Due(e.now()) {
		e.notify(ctx, q)
	}
	return item, nil
}

// AddMany enqueues several items into one queue. An attachment that
// cannot be stored is logged and skipped without failing the batch.
func (e *Engine) AddMany(ctx context.Context, id *auth.Identity, req AddItemsRequest) ([]*Item, error) {
	q, err := e.invokableQueue(ctx, id, req.QueueID, req.Queue)
	if err != nil {
		return nil, err
	}

	now := e.now()
	due := false
	items := make([]*Item, 0, len(req.Items))
	for _, ni := range req.Items {
		if req.Priority != nil {
			ni.Priority = req.Priority
		}
		item, err := e.newItem(ctx, id, q, ni)
		if err != nil {
			return items, err
		}
		item.SuccessQueue = req.SuccessQueue
		item.SuccessQueueID = req.SuccessQueueID
		item.FailedQueue = req.FailedQueue
		item.FailedQueueID = req.FailedQueueID

		if err := e.store.Insert(ctx, item); err != nil {
			e.deleteFiles(ctx, item)
			return items, err
		}
		due = due || item.Due(now)
		items = append(items, item)
	}
	e.logger.Debug("workitems_added",
		slog.String("queue", q.Name),
		slog.Int("count", len(items)))
	if due {
		e.notify(ctx, q)
	}
	return items, nil
}

func (e *Engine) invokableQueue(ctx context.Context, id *auth.Identity, qid, name string) (*Queue, error) {
	q, err := e.readableQueue(ctx, id, qid, name)
	if err != nil {
		return nil, err
	}
	if !e.allowed(id, q.ACL, auth.RightInvoke) {
		return nil, fmt.Errorf("%w: %s is missing invoke rights on %s", ErrAccessDenied, userName(id), q.Name)
	}
	return q, nil
}

func (e *Engine) newItem(ctx context.Context, id *auth.Identity, q *Queue, ni NewItem) (*Item, error) {
	payload, err := NormalizePayload(ni.Payload)
	if err != nil {
		return nil, err
	}
	now := e.now()
	item := &Item{
		ID:       uuid.NewString(),
		QueueID:  q.ID,
		Queue:    q.Name,
		Name:     ni.Name,
		Payload:  payload,
		Priority: DefaultPriority,
		State:    StateNew,
		Files:    []File{},
		ACL:      q.ACL.Clone(),
		Created:  now,
		Modified: now,
	}
	if item.Name == "" {
		item.Name = defaultItemName
	}
	if ni.Priority != nil {
		item.Priority = *ni.Priority
	}
	next := now.Add(q.InitialDelayDuration())
	if ni.NextRun != nil {
		next = *ni.NextRun
	}
	item.NextRun = &next

	for _, a := range ni.Files {
		f, err := e.attach(ctx, id, q, item, a)
		if err != nil {
			e.logger.Error("workitem_attachment_failed",
				slog.String("queue", q.Name),
				slog.String("workitem", item.ID),
				slog.String("filename", a.Filename),
				slog.String("error", err.Error()))
			continue
		}
		item.Files = append(item.Files, f)
	}
	return item, nil
}

// Pop claims the most urgent due item of a queue for the caller. Lost
// claim races are retried a bounded number of times.
func (e *Engine) Pop(ctx context.Context, id *auth.Identity, req PopRequest) (*Item, error) {
	q, err := e.readableQueue(ctx, id, req.QueueID, req.Queue)
	if err != nil {
		return nil, err
	}

	for range e.cfg.ClaimRetries {
		now := e.now()
		due, err := e.store.Due(ctx, q.ID, now, 1)
		if err != nil {
			return nil, err
		}
		if len(due) == 0 {
			return nil, ErrNoItem
		}

		cur := due[0]
		if !e.allowed(id, cur.ACL, auth.RightInvoke) {
			return nil, fmt.Errorf("%w: %s is missing invoke rights on workitem %s", ErrAccessDenied, userName(id), cur.ID)
		}

		claimed := cur.Clone()
		claimed.State = StateProcessing
		claimed.UserID = id.ID
		claimed.Username = id.Name
		claimed.LastRun = &now
		claimed.NextRun = nil
		claimed.Modified = now
		if claimed.Priority == 0 {
			claimed.Priority = DefaultPriority
		}
		if claimed.Files == nil {
			claimed.Files = []File{}
		}

		err = e.store.CompareAndSwap(ctx, Claim{ID: cur.ID, State: cur.State, UserID: cur.UserID}, claimed)
		switch {
		case err == nil:
			e.logger.Debug("workitem_claimed",
				slog.String("queue", q.Name),
				slog.String("workitem", claimed.ID),
				slog.String("user", id.Name))
			return claimed, nil
		case errors.Is(err, ErrConflict), errors.Is(err, ErrItemNotFound):
			e.logger.Debug("workitem_claim_conflict",
				slog.String("queue", q.Name),
				slog.String("workitem", cur.ID))
		default:
			return nil, err
		}
	}
	return nil, ErrNoItem
}

// Update applies req to an item. A change into successful or failed
// copies the item into the configured success or failure queue.
func (e *Engine) Update(ctx context.Context, id *auth.Identity, req UpdateItemRequest) (*Item, error) {
	if req.ID == "" {
		return nil, ErrItemNotFound
	}
	cur, err := e.store.Get(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	q, err := e.resolveQueue(ctx, cur.QueueID, cur.Queue)
	if err != nil {
		return nil, err
	}

	item := cur.Clone()
	setString(&item.SuccessQueue, req.SuccessQueue)
	setString(&item.SuccessQueueID, req.SuccessQueueID)
	setString(&item.FailedQueue, req.FailedQueue)
	setString(&item.FailedQueueID, req.FailedQueueID)
	item.ACL = q.ACL.Clone()
	if !e.allowed(id, item.ACL, auth.RightInvoke) {
		return nil, fmt.Errorf("%w: %s is missing invoke rights on workitem %s", ErrAccessDenied, userName(id), cur.ID)
	}
	item.Queue = q.Name
	item.QueueID = q.ID

	if req.Name != "" {
		item.Name = req.Name
	}
	if len(req.Payload) > 0 {
		payload, err := NormalizePayload(req.Payload)
		if err != nil {
			return nil, err
		}
		item.Payload = payload
	}
	if req.ErrorMessage != nil {
		item.ErrorMessage = *req.ErrorMessage
		item.ErrorType = req.ErrorType
		if item.ErrorType == "" {
			item.ErrorType = ErrorTypeApplication
		}
	}
	if req.ErrorSource != nil {
		item.ErrorSource = *req.ErrorSource
	}
	if req.Priority != nil {
		item.Priority = *req.Priority
	}
	if item.Priority == 0 {
		item.Priority = DefaultPriority
	}

	now := e.now()
	if req.State != "" {
		if err := e.transition(item, q, req, now); err != nil {
			return nil, err
		}
	}

	for _, a := range req.Files {
		if len(a.File) == 0 {
			continue
		}
		item.Files = e.replaceFile(ctx, item.Files, a.Filename)
		f, err := e.attach(ctx, id, q, item, a)
		if err != nil {
			e.logger.Error("workitem_attachment_failed",
				slog.String("queue", q.Name),
				slog.String("workitem", item.ID),
				slog.String("filename", a.Filename),
				slog.String("error", err.Error()))
			continue
		}
		item.Files = append(item.Files, f)
	}

	if item.State != StateNew {
		item.NextRun = nil
	}
	item.Modified = now
	if err := e.store.Replace(ctx, item); err != nil {
		return nil, err
	}

	if cur.State != item.State {
		e.logger.Debug("workitem_state_changed",
			slog.String("queue", q.Name),
			slog.String("workitem", item.ID),
			slog.String("from", string(cur.State)),
			slog.String("to", string(item.State)),
			slog.Int("retries", item.Retries))
		switch item.State {
		case StateSuccessful, StateFailed:
			if err := e.route(ctx, item, q); err != nil {
				return item, err
			}
		case StateNew:
			if item.Due(now) {
				e.notify(ctx, q)
			}
		}
	}
	return item, nil
}

// transition resolves the requested state on item. The stored item is
// untouched when the request is illegal.
func (e *Engine) transition(item *Item, q *Queue, req UpdateItemRequest, now time.Time) error {
	requested := State(strings.ToLower(string(req.State)))
	switch requested {
	case StateProcessing, StateSuccessful, StateFailed, StateRetry:
	case StateNew:
		if item.State != StateNew {
			return fmt.Errorf("%w: %s on %s item, must be failed, successful, processing or retry", ErrIllegalState, requested, item.State)
		}
	default:
		return fmt.Errorf("%w: %s, must be failed, successful, processing or retry", ErrIllegalState, requested)
	}

	if requested == StateRetry && req.ErrorType == ErrorTypeBusiness && !req.IgnoreMaxRetries {
		requested = StateFailed
	}

	old := item.State
	switch requested {
	case StateRetry:
		if item.Retries < q.MaxRetries || req.IgnoreMaxRetries {
			item.Retries++
			item.State = StateNew
			item.UserID = ""
			item.Username = ""
			next := now.Add(q.RetryDelayDuration())
			if req.NextRun != nil {
				next = *req.NextRun
			}
			item.NextRun = &next
		} else {
			item.State = StateFailed
		}
	default:
		item.State = requested
	}
	if old != StateProcessing && requested == StateProcessing {
		item.LastRun = &now
	}
	return nil
}

// route copies a finished item into its success or failure queue. Item
// level targets take precedence over queue level targets.
func (e *Engine) route(ctx context.Context, item *Item, q *Queue) error {
	name, id := q.SuccessQueue, q.SuccessQueueID
	if item.SuccessQueue != "" || item.SuccessQueueID != "" {
		name, id = item.SuccessQueue, item.SuccessQueueID
	}
	if item.State == StateFailed {
		name, id = q.FailedQueue, q.FailedQueueID
		if item.FailedQueue != "" || item.FailedQueueID != "" {
			name, id = item.FailedQueue, item.FailedQueueID
		}
	}
	if name == "" && id == "" {
		return nil
	}
	return e.duplicate(ctx, item, id, name)
}

func (e *Engine) duplicate(ctx context.Context, src *Item, targetID, targetName string) error {
	target, err := e.resolveQueue(ctx, targetID, targetName)
	if err != nil {
		if errors.Is(err, ErrQueueNotFound) {
			return fmt.Errorf("%w: %s (%s)", ErrTargetNotFound, targetName, targetID)
		}
		return err
	}

	now := e.now()
	next := now.Add(target.InitialDelayDuration())
	dup := src.Clone()
	dup.ID = uuid.NewString()
	dup.QueueID = target.ID
	dup.Queue = target.Name
	dup.State = StateNew
	dup.Retries = 0
	dup.NextRun = &next
	dup.LastRun = nil
	dup.SuccessQueue, dup.SuccessQueueID = "", ""
	dup.FailedQueue, dup.FailedQueueID = "", ""
	dup.ErrorMessage, dup.ErrorType, dup.ErrorSource = "", "", ""
	dup.UserID, dup.Username = "", ""
	dup.Created = now
	dup.Modified = now
	for _, ace := range target.ACL {
		dup.ACL.Add(ace.ID, ace.Name, ace.Rights)
	}

	dup.Files = make([]File, 0, len(src.Files))
	for _, f := range src.Files {
		copied, err := e.copyFile(ctx, f, dup, target)
		if err != nil {
			e.logger.Error("workitem_attachment_copy_failed",
				slog.String("workitem", src.ID),
				slog.String("file", f.ID),
				slog.String("error", err.Error()))
			continue
		}
		dup.Files = append(dup.Files, copied)
	}

	if err := e.store.Insert(ctx, dup); err != nil {
		e.deleteFiles(ctx, dup)
		return err
	}
	e.logger.Info("workitem_routed",
		slog.String("workitem", src.ID),
		slog.String("state", string(src.State)),
		slog.String("target", target.Name),
		slog.String("copy", dup.ID))
	if dup.Due(now) {
		e.notify(ctx, target)
	}
	return nil
}

// Delete removes an item and its attachments. The caller needs invoke
// and delete rights.
func (e *Engine) Delete(ctx context.Context, id *auth.Identity, itemID string) error {
	item, err := e.store.Get(ctx, itemID)
	if err != nil {
		return err
	}
	if !e.allowed(id, item.ACL, auth.RightInvoke, auth.RightDelete) {
		return fmt.Errorf("%w: delete workitem %s", ErrAccessDenied, itemID)
	}
	e.deleteFiles(ctx, item)
	if err := e.store.Delete(ctx, item.ID); err != nil {
		return err
	}
	e.logger.Debug("workitem_deleted",
		slog.String("queue", item.Queue),
		slog.String("workitem", item.ID))
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func userName(id *auth.Identity) string {
	if id == nil {
		return "anonymous"
	}
	return id.Name
}
