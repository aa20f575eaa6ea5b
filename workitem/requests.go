// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package workitem

import (
	"encoding/json"
	"time"

	"github.com/absmach/flowgate/auth"
)

// Attachment is a file sent inline with an add or update request. File
// holds the raw bytes, base64 on the wire. Compressed means zlib.
type Attachment struct {
	Filename   string `json:"filename"`
	File       []byte `json:"file"`
	Compressed bool   `json:"compressed,omitempty"`
}

// AddQueueRequest creates a queue.
type AddQueueRequest struct {
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
	ACL            *auth.ACL `json:"_acl,omitempty"`
}

// UpdateQueueRequest changes a queue found by ID or Name. Nil fields are
// left unchanged; an empty routing target clears it. Purge deletes every
// item of the queue after the update.
type UpdateQueueRequest struct {
	ID             string    `json:"_id,omitempty"`
	Name           string    `json:"name,omitempty"`
	NewName        string    `json:"newname,omitempty"`
	MaxRetries     *int      `json:"maxretries,omitempty"`
	RetryDelay     *int      `json:"retrydelay,omitempty"`
	InitialDelay   *int      `json:"initialdelay,omitempty"`
	SuccessQueue   *string   `json:"success_wiq,omitempty"`
	SuccessQueueID *string   `json:"success_wiqid,omitempty"`
	FailedQueue    *string   `json:"failed_wiq,omitempty"`
	FailedQueueID  *string   `json:"failed_wiqid,omitempty"`
	AMQPQueue      *string   `json:"amqpqueue,omitempty"`
	RobotQueue     *string   `json:"robotqueue,omitempty"`
	WorkflowID     *string   `json:"workflowid,omitempty"`
	ProjectID      *string   `json:"projectid,omitempty"`
	ACL            *auth.ACL `json:"_acl,omitempty"`
	Purge          bool      `json:"purge,omitempty"`
}

// QueueRef names a queue by id or name.
type QueueRef struct {
	ID    string `json:"_id,omitempty"`
	Name  string `json:"name,omitempty"`
	Purge bool   `json:"purge,omitempty"`
}

// NewItem describes one item to enqueue.
type NewItem struct {
	Name     string          `json:"name,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Priority *int            `json:"priority,omitempty"`
	NextRun  *time.Time      `json:"nextrun,omitempty"`
	Files    []Attachment    `json:"files,omitempty"`
}

// AddItemRequest enqueues one item into the queue named by QueueID or
// Queue.
type AddItemRequest struct {
	NewItem
	Queue          string `json:"wiq,omitempty"`
	QueueID        string `json:"wiqid,omitempty"`
	SuccessQueue   string `json:"success_wiq,omitempty"`
	SuccessQueueID string `json:"success_wiqid,omitempty"`
	FailedQueue    string `json:"failed_wiq,omitempty"`
	FailedQueueID  string `json:"failed_wiqid,omitempty"`
}

// AddItemsRequest enqueues several items into one queue. Priority, when
// set, overrides the priority of every item.
type AddItemsRequest struct {
	Queue          string    `json:"wiq,omitempty"`
	QueueID        string    `json:"wiqid,omitempty"`
	Priority       *int      `json:"wipriority,omitempty"`
	SuccessQueue   string    `json:"success_wiq,omitempty"`
	SuccessQueueID string    `json:"success_wiqid,omitempty"`
	FailedQueue    string    `json:"failed_wiq,omitempty"`
	FailedQueueID  string    `json:"failed_wiqid,omitempty"`
	Items          []NewItem `json:"items"`
}

// PopRequest claims the next due item of a queue.
type PopRequest struct {
	Queue   string `json:"wiq,omitempty"`
	QueueID string `json:"wiqid,omitempty"`
}

// UpdateItemRequest changes an item. Nil fields are left unchanged.
type UpdateItemRequest struct {
	ID               string          `json:"_id"`
	Name             string          `json:"name,omitempty"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	State            State           `json:"state,omitempty"`
	Priority         *int            `json:"priority,omitempty"`
	NextRun          *time.Time      `json:"nextrun,omitempty"`
	ErrorMessage     *string         `json:"errormessage,omitempty"`
	ErrorType        string          `json:"errortype,omitempty"`
	ErrorSource      *string         `json:"errorsource,omitempty"`
	IgnoreMaxRetries bool            `json:"ignoremaxretries,omitempty"`
	SuccessQueue     *string         `json:"success_wiq,omitempty"`
	SuccessQueueID   *string         `json:"success_wiqid,omitempty"`
	FailedQueue      *string         `json:"failed_wiq,omitempty"`
	FailedQueueID    *string         `json:"failed_wiqid,omitempty"`
	Files            []Attachment    `json:"files,omitempty"`
}
