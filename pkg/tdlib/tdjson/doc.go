// Package tdjson binds the libtdjson C interface.
//
// Building it needs cgo plus the TDLib headers and library. Build with
// -tags notdjson (or with cgo disabled) to get a stub whose New always
// fails, which lets the rest of the module build and test without TDLib.
package tdjson

import "errors"

var ErrUnavailable = errors.New("tgmirror was built without libtdjson")
