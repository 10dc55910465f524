// tgmirror - A Telegram chat history mirror.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package tdlib

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Transport moves raw JSON between the client and a TDLib instance.
// The tdjson package implements it on top of libtdjson.
type Transport interface {
	Send(request []byte)
	// Receive returns the next response or update, or nil if nothing
	// arrived within timeout.
	Receive(timeout time.Duration) []byte
	// Execute runs a synchronous request that doesn't need a TDLib instance.
	Execute(request []byte) []byte
}

// Object is a TDLib request. "@type" names the method.
type Object map[string]any

// Error is a TDLib error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("tdlib error %d: %s", e.Code, e.Message)
}

var ErrClosed = errors.New("tdlib client is closed")

const receiveTimeout = 1 * time.Second

// extraPath addresses the "@extra" field. A bare "@" starts a modifier in
// gjson/sjson paths, so it has to be escaped.
const extraPath = `\@extra`

// UpdateHandler receives the raw JSON of an update. It runs on the receive
// goroutine, so it must not block or call back into the client synchronously.
type UpdateHandler func(data []byte)

// Client is a TDLib JSON client. Requests are correlated with responses via
// "@extra"; updates are routed to handlers by "@type".
type Client struct {
	transport Transport
	log       zerolog.Logger

	extraCounter atomic.Uint64

	pendingLock sync.Mutex
	pending     map[string]chan []byte

	handlersLock sync.RWMutex
	handlers     map[string]map[uint64]UpdateHandler
	handlerSeq   uint64

	stopOnce sync.Once
	stopChan chan struct{}
	done     chan struct{}
}

// NewClient starts the receive loop on transport.
func NewClient(transport Transport, log zerolog.Logger) *Client {
	c := &Client{
		transport: transport,
		log:       log.With().Str("component", "tdlib").Logger(),
		pending:   make(map[string]chan []byte),
		handlers:  make(map[string]map[uint64]UpdateHandler),
		stopChan:  make(chan struct{}),
		done:      make(chan struct{}),
	}
	go c.receiveLoop()
	return c
}

// SetLogVerbosity changes TDLib's internal log level. It doesn't need a
// running instance.
func (c *Client) SetLogVerbosity(level int) error {
	req, err := json.Marshal(Object{"@type": "setLogVerbosityLevel", "new_verbosity_level": level})
	if err != nil {
		return err
	}
	resp := c.transport.Execute(req)
	if gjson.GetBytes(resp, "@type").Str == "error" {
		return parseError(resp)
	}
	return nil
}

func (c *Client) receiveLoop() {
	defer close(c.done)
	for {
		select {
		case <-c.stopChan:
			return
		default:
		}
		data := c.transport.Receive(receiveTimeout)
		if data == nil {
			continue
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	fields := gjson.GetManyBytes(data, "@type", extraPath)
	typ, extra := fields[0].Str, fields[1].String()
	if extra != "" {
		c.pendingLock.Lock()
		ch, ok := c.pending[extra]
		delete(c.pending, extra)
		c.pendingLock.Unlock()
		if ok {
			ch <- data
		} else {
			c.log.Debug().Str("type", typ).Str("extra", extra).Msg("Dropping response to abandoned request")
		}
		return
	}

	c.handlersLock.RLock()
	handlers := make([]UpdateHandler, 0, len(c.handlers[typ]))
	for _, fn := range c.handlers[typ] {
		handlers = append(handlers, fn)
	}
	c.handlersLock.RUnlock()
	for _, fn := range handlers {
		c.safeHandle(typ, fn, data)
	}
}

// safeHandle runs an update handler with panic recovery so one bad handler
// can't kill the receive loop.
func (c *Client) safeHandle(typ string, fn UpdateHandler, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().
				Str("update_type", typ).
				Str("stack", string(debug.Stack())).
				Msgf("Update handler panic recovered: %v", r)
		}
	}()
	fn(data)
}

// AddUpdateHandler registers fn for updates of the given type. The returned
// function removes the handler and is safe to call more than once.
func (c *Client) AddUpdateHandler(updateType string, fn UpdateHandler) (remove func()) {
	c.handlersLock.Lock()
	c.handlerSeq++
	id := c.handlerSeq
	if c.handlers[updateType] == nil {
		c.handlers[updateType] = make(map[uint64]UpdateHandler)
	}
	c.handlers[updateType][id] = fn
	c.handlersLock.Unlock()
	return func() {
		c.handlersLock.Lock()
		delete(c.handlers[updateType], id)
		if len(c.handlers[updateType]) == 0 {
			delete(c.handlers, updateType)
		}
		c.handlersLock.Unlock()
	}
}

// Call sends a request and waits for its response. If resp is non-nil the
// response JSON is decoded into it.
func (c *Client) Call(ctx context.Context, req Object, resp any) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal %v request: %w", req["@type"], err)
	}
	extra := strconv.FormatUint(c.extraCounter.Add(1), 10)
	if data, err = sjson.SetBytes(data, extraPath, extra); err != nil {
		return fmt.Errorf("failed to tag request: %w", err)
	}

	ch := make(chan []byte, 1)
	c.pendingLock.Lock()
	c.pending[extra] = ch
	c.pendingLock.Unlock()
	defer func() {
		c.pendingLock.Lock()
		delete(c.pending, extra)
		c.pendingLock.Unlock()
	}()

	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.transport.Send(data)

	var raw []byte
	select {
	case raw = <-ch:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
	if gjson.GetBytes(raw, "@type").Str == "error" {
		return parseError(raw)
	}
	if resp == nil {
		return nil
	}
	if err = json.Unmarshal(raw, resp); err != nil {
		return fmt.Errorf("failed to parse %v response: %w", req["@type"], err)
	}
	return nil
}

func parseError(raw []byte) error {
	var tdErr Error
	if err := json.Unmarshal(raw, &tdErr); err != nil {
		return fmt.Errorf("failed to parse tdlib error: %w", err)
	}
	return &tdErr
}

// Close asks TDLib to close the instance, waits up to timeout for the closed
// state and stops the receive loop.
func (c *Client) Close(ctx context.Context, timeout time.Duration) error {
	closed := make(chan struct{})
	var closeOnce sync.Once
	remove := c.AddUpdateHandler("updateAuthorizationState", func(data []byte) {
		if gjson.GetBytes(data, "authorization_state.@type").Str == "authorizationStateClosed" {
			closeOnce.Do(func() { close(closed) })
		}
	})
	defer remove()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := c.Call(ctx, Object{"@type": "close"}, nil)
	if err == nil {
		select {
		case <-closed:
		case <-ctx.Done():
			err = fmt.Errorf("timed out waiting for tdlib to close")
		}
	}
	c.stop()
	return err
}

func (c *Client) stop() {
	c.stopOnce.Do(func() { close(c.stopChan) })
	<-c.done
}
