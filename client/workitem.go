// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"

	"github.com/absmach/flowgate/dispatch"
	"github.com/absmach/flowgate/workitem"
)

// AddWorkitemQueue creates a workitem queue.
func (c *Client) AddWorkitemQueue(ctx context.Context, req workitem.AddQueueRequest) (*workitem.Queue, error) {
	var reply dispatch.Result[*workitem.Queue]
	err := c.Request(ctx, dispatch.AddWorkitemQueue.String(), req, &reply)
	return reply.Result, err
}

// AddWorkitem enqueues one item.
func (c *Client) AddWorkitem(ctx context.Context, req workitem.AddItemRequest) (*workitem.Item, error) {
	var reply dispatch.Result[*workitem.Item]
	err := c.Request(ctx, dispatch.AddWorkitem.String(), req, &reply)
	return reply.Result, err
}

// PopWorkitem claims the next due item. It returns nil and no error when
// nothing is due.
func (c *Client) PopWorkitem(ctx context.Context, queue string) (*workitem.Item, error) {
	var reply dispatch.Result[*workitem.Item]
	err := c.Request(ctx, dispatch.PopWorkitem.String(), workitem.PopRequest{Queue: queue}, &reply)
	return reply.Result, err
}

// UpdateWorkitem reports progress or the outcome of a claimed item.
func (c *Client) UpdateWorkitem(ctx context.Context, req workitem.UpdateItemRequest) (*workitem.Item, error) {
	var reply dispatch.Result[*workitem.Item]
	err := c.Request(ctx, dispatch.UpdateWorkitem.String(), req, &reply)
	return reply.Result, err
}
