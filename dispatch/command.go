// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

// Command is one of the closed set of commands a peer may send.
type Command uint8

const (
	Unknown Command = iota
	Ping
	Pong
	Signin
	RefreshToken
	RegisterQueue
	RegisterExchange
	QueueMessage
	CloseQueue
	Watch
	Unwatch
	Query
	InsertOne
	UpdateOne
	DeleteOne
	AddWorkitem
	AddWorkitems
	PopWorkitem
	UpdateWorkitem
	DeleteWorkitem
	AddWorkitemQueue
	UpdateWorkitemQueue
	DeleteWorkitemQueue
	GetWorkitemQueue
	Upload
	Download
	BeginStream
	Stream
	EndStream
	Error

	numCommands
)

var names = [numCommands]string{
	Unknown:             "unknown",
	Ping:                "ping",
	Pong:                "pong",
	Signin:              "signin",
	RefreshToken:        "refreshtoken",
	RegisterQueue:       "registerqueue",
	RegisterExchange:    "registerexchange",
	QueueMessage:        "queuemessage",
	CloseQueue:          "closequeue",
	Watch:               "watch",
	Unwatch:             "unwatch",
	Query:               "query",
	InsertOne:           "insertone",
	UpdateOne:           "updateone",
	DeleteOne:           "deleteone",
	AddWorkitem:         "addworkitem",
	AddWorkitems:        "addworkitems",
	PopWorkitem:         "popworkitem",
	UpdateWorkitem:      "updateworkitem",
	DeleteWorkitem:      "deleteworkitem",
	AddWorkitemQueue:    "addworkitemqueue",
	UpdateWorkitemQueue: "updateworkitemqueue",
	DeleteWorkitemQueue: "deleteworkitemqueue",
	GetWorkitemQueue:    "getworkitemqueue",
	Upload:              "upload",
	Download:            "download",
	BeginStream:         "beginstream",
	Stream:              "stream",
	EndStream:           "endstream",
	Error:               "error",
}

var byName = func() map[string]Command {
	m := make(map[string]Command, numCommands)
	for c := Command(1); c < numCommands; c++ {
		m[names[c]] = c
	}
	return m
}()

// ParseCommand returns the command named s, or Unknown.
func ParseCommand(s string) Command {
	return byName[s]
}

func (c Command) String() string {
	if c >= numCommands {
		return names[Unknown]
	}
	return names[c]
}

// Public reports whether c may be sent before signing in.
func (c Command) Public() bool {
	switch c {
	case Ping, Pong, Signin, Error:
		return true
	}
	return false
}

// Inline reports whether c must be handled on the connection's receive
// path, in arrival order. Every other command runs concurrently so a
// slow handler does not stall the connection.
func (c Command) Inline() bool {
	switch c {
	case Ping, Pong, Signin, Error, Upload, BeginStream, Stream, EndStream, Unwatch:
		return true
	}
	return false
}
