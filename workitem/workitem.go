// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package workitem implements a durable job queue with atomic claims,
// bounded retries and success/failure routing.
package workitem

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/absmach/flowgate/auth"
)

// State of a workitem.
type State string

const (
	StateNew        State = "new"
	StateProcessing State = "processing"
	StateSuccessful State = "successful"
	StateFailed     State = "failed"

	// StateRetry is only valid as a requested state. The engine resolves it
	// into StateNew or StateFailed.
	StateRetry State = "retry"
)

// Error types recorded on a failed item.
const (
	ErrorTypeApplication = "application"
	ErrorTypeBusiness    = "business"
)

const (
	DefaultPriority   = 2
	DefaultMaxRetries = 3
)

var (
	ErrQueueNotFound     = errors.New("workitem queue not found")
	ErrQueueExists       = errors.New("workitem queue already exists")
	ErrQueueNotEmpty     = errors.New("workitem queue is not empty, enable purge to delete")
	ErrQueueNameRequired = errors.New("workitem queue name or id is required")
	ErrItemNotFound      = errors.New("workitem not found")
	ErrIllegalState      = errors.New("illegal workitem state")
	ErrConflict          = errors.New("workitem was modified concurrently")
	ErrNoItem            = errors.New("no workitem available")
	ErrAccessDenied      = errors.New("access denied")
	ErrInvalidPayload    = errors.New("workitem payload must be a json object")
	ErrTargetNotFound    = errors.New("routing target queue not found")
)

// Queue is a named job queue with retry and routing policy.
type Queue struct {
	ID             string    `json:"_id"`
	Name           string    `json:"name"`
	MaxRetries     int       `json:"maxretries"`
	RetryDelay     int       `json:"retrydelay"`
	InitialDelay   int       `json:"initialdelay"`
	SuccessQueue   string    `json:"success_wiq,omitempty"`
	SuccessQueueID string    `json:"success_wiqid,omitempty"`
	FailedQueue    string    `json:"failed_wiq,omitempty"`
	FailedQueueID  string    `json:"failed_wiqid,omitempty"`
	AMQPQueue      string    `json:"amqpqueue,omitempty"`
	RobotQueue     string    `json:"robotqueue,omitempty"`
	WorkflowID     string    `json:"workflowid,omitempty"`
	ProjectID      string    `json:"projectid,omitempty"`
	ACL            auth.ACL  `json:"_acl"`
	Created        time.Time `json:"_created"`
	Modified       time.Time `json:"_modified"`
}

// RetryDelayDuration returns the retry delay as a duration.
func (q *Queue) RetryDelayDuration() time.Duration {
	return time.Duration(q.RetryDelay) * time.Second
}

// InitialDelayDuration returns the initial delay as a duration.
func (q *Queue) InitialDelayDuration() time.Duration {
	return time.Duration(q.InitialDelay) * time.Second
}

// File references an attachment stored in the blob store.
type File struct {
	ID       string `json:"_id"`
	Name     string `json:"name"`
	Filename string `json:"filename"`
}

// Item is one unit of work.
type Item struct {
	ID             string          `json:"_id"`
	QueueID        string          `json:"wiqid"`
	Queue          string          `json:"wiq"`
	Name           string          `json:"name"`
	Payload        json.RawMessage `json:"payload"`
	Priority       int             `json:"priority"`
	State          State           `json:"state"`
	Retries        int             `json:"retries"`
	NextRun        *time.Time      `json:"nextrun,omitempty"`
	LastRun        *time.Time      `json:"lastrun,omitempty"`
	SuccessQueue   string          `json:"success_wiq,omitempty"`
	SuccessQueueID string          `json:"success_wiqid,omitempty"`
	FailedQueue    string          `json:"failed_wiq,omitempty"`
	FailedQueueID  string          `json:"failed_wiqid,omitempty"`
	Files          []File          `json:"files"`
	ErrorMessage   string          `json:"errormessage,omitempty"`
	ErrorType      string          `json:"errortype,omitempty"`
	ErrorSource    string          `json:"errorsource,omitempty"`
	UserID         string          `json:"userid,omitempty"`
	Username       string          `json:"username,omitempty"`
	ACL            auth.ACL        `json:"_acl"`
	Seq            uint64          `json:"_seq"`
	Created        time.Time       `json:"_created"`
	Modified       time.Time       `json:"_modified"`
}

// Clone returns a deep copy of the item.
func (i *Item) Clone() *Item {
	c := *i
	if i.Payload != nil {
		c.Payload = append(json.RawMessage(nil), i.Payload...)
	}
	if i.NextRun != nil {
		t := *i.NextRun
		c.NextRun = &t
	}
	if i.LastRun != nil {
		t := *i.LastRun
		c.LastRun = &t
	}
	c.Files = append([]File(nil), i.Files...)
	c.ACL = i.ACL.Clone()
	return &c
}

// Due reports whether the item can be claimed at now.
func (i *Item) Due(now time.Time) bool {
	return i.State == StateNew && (i.NextRun == nil || !i.NextRun.After(now))
}

// Less orders claim candidates: lower priority value first, then earliest
// nextRun, then insertion order.
func Less(a, b *Item) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	at, bt := runTime(a), runTime(b)
	if !at.Equal(bt) {
		return at.Before(bt)
	}
	return a.Seq < b.Seq
}

func runTime(i *Item) time.Time {
	if i.NextRun == nil {
		return time.Time{}
	}
	return *i.NextRun
}

// NormalizePayload returns an object payload. Non-object JSON values are
// wrapped as {"value": v} and an empty payload becomes {}.
func NormalizePayload(p json.RawMessage) (json.RawMessage, error) {
	if len(p) == 0 || string(p) == "null" {
		return json.RawMessage("{}"), nil
	}
	var v any
	if err := json.Unmarshal(p, &v); err != nil {
		return nil, ErrInvalidPayload
	}
	if _, ok := v.(map[string]any); ok {
		return p, nil
	}
	return json.Marshal(map[string]any{"value": v})
}
