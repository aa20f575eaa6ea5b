// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"encoding/json"

	"github.com/absmach/flowgate/auth"
	"github.com/absmach/flowgate/docstore"
)

// Commands pushed to peers without a request.
const (
	CommandWatchEvent   = "watchevent"
	CommandRefreshToken = "refreshtoken"
)

// ErrorMessage is the payload of an error envelope.
type ErrorMessage struct {
	Message string `json:"message"`
}

// Result wraps the value returned by a command.
type Result[T any] struct {
	Result T `json:"result"`
}

// SigninMessage authenticates with a credential or a username and password.
type SigninMessage struct {
	JWT           string `json:"jwt,omitempty"`
	Username      string `json:"username,omitempty"`
	Password      string `json:"password,omitempty"`
	ValidateOnly  bool   `json:"validate_only,omitempty"`
	ClientAgent   string `json:"clientagent,omitempty"`
	ClientVersion string `json:"clientversion,omitempty"`
}

// SigninReply carries the credential bound to the session. It is also the
// payload of a pushed refreshtoken.
type SigninReply struct {
	JWT  string         `json:"jwt"`
	User *auth.Identity `json:"user"`
}

type RegisterQueueMessage struct {
	QueueName string `json:"queuename,omitempty"`
}

type RegisterQueueReply struct {
	QueueName string `json:"queuename"`
}

type RegisterExchangeMessage struct {
	ExchangeName string `json:"exchangename,omitempty"`
	Algorithm    string `json:"algorithm,omitempty"`
	RoutingKey   string `json:"routingkey,omitempty"`
	AddQueue     bool   `json:"addqueue,omitempty"`
}

type RegisterExchangeReply struct {
	ExchangeName string `json:"exchangename"`
	QueueName    string `json:"queuename,omitempty"`
}

// CloseQueueMessage names a queue or exchange registered by the session.
type CloseQueueMessage struct {
	QueueName string `json:"queuename"`
}

// WatchMessage opens a change stream. Aggregates is a pipeline of $match
// stages.
type WatchMessage struct {
	ID         string          `json:"id,omitempty"`
	Collection string          `json:"collectionname"`
	Aggregates json.RawMessage `json:"aggregates,omitempty"`
}

type WatchReply struct {
	ID string `json:"id"`
}

// WatchEvent is pushed to the peer for every change on a watch.
type WatchEvent struct {
	ID     string          `json:"id"`
	Result docstore.Change `json:"result"`
}

type UnwatchMessage struct {
	ID string `json:"id"`
}

// DocumentMessage carries one document for insertone and updateone.
type DocumentMessage struct {
	Collection string            `json:"collectionname"`
	Item       docstore.Document `json:"item"`
}

type DeleteOneMessage struct {
	Collection string `json:"collectionname"`
	ID         string `json:"id"`
}

type DeleteWorkitemMessage struct {
	ID string `json:"_id"`
}

type DownloadMessage struct {
	ID string `json:"id"`
}

// UploadReply names the stream the peer sends the file on.
type UploadReply struct {
	ID string `json:"id"`
}
