//go:build !cgo || notdjson

package tdjson

import "time"

type Transport struct{}

func New() (*Transport, error) {
	return nil, ErrUnavailable
}

func (t *Transport) Send([]byte) {}

func (t *Transport) Receive(time.Duration) []byte { return nil }

func (t *Transport) Execute([]byte) []byte { return nil }
