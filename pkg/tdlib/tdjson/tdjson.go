//go:build cgo && !notdjson

package tdjson

/*
#cgo LDFLAGS: -ltdjson
#include <stdlib.h>
#include <td/telegram/td_json_client.h>
*/
import "C"

import (
	"time"
	"unsafe"
)

// Transport is one TDLib client instance. td_receive is process-global, so
// only one Transport should be receiving at a time.
type Transport struct {
	clientID C.int
}

func New() (*Transport, error) {
	return &Transport{clientID: C.td_create_client_id()}, nil
}

func (t *Transport) Send(request []byte) {
	query := C.CString(string(request))
	defer C.free(unsafe.Pointer(query))
	C.td_send(t.clientID, query)
}

func (t *Transport) Receive(timeout time.Duration) []byte {
	result := C.td_receive(C.double(timeout.Seconds()))
	if result == nil {
		return nil
	}
	return []byte(C.GoString(result))
}

func (t *Transport) Execute(request []byte) []byte {
	query := C.CString(string(request))
	defer C.free(unsafe.Pointer(query))
	result := C.td_execute(query)
	if result == nil {
		return nil
	}
	return []byte(C.GoString(result))
}
