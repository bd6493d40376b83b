// Copyright 2015 - 2019 Ka-Hing Cheung
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package internal

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	// position or alignment outside what the stream allows, also an
	// ErrInvalidArgument
	ErrOutOfRange  = errors.New("out of range")
	ErrUnsupported = errors.New("operation not supported")
	ErrCancelled   = errors.New("operation cancelled")
	ErrClosed      = errors.New("stream is closed")
)

func invalidArgument(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %v", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func outOfRange(format string, args ...interface{}) error {
	return fmt.Errorf("%w (%w): %v", ErrOutOfRange, ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func unsupported(op string) error {
	return fmt.Errorf("%w: %v", ErrUnsupported, op)
}

// cancelled matches both ErrCancelled and the context's own error
func cancelled(ctx context.Context) error {
	return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
}

// TransportError is a failed chunk upload or commit. Index is -1 when
// the failure is not tied to one chunk.
type TransportError struct {
	Index int
	Op    string
	Err   error
}

func (e *TransportError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("%v: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%v chunk %v: %v", e.Op, e.Index, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// transportError wraps err unless it is already a cancellation
func transportError(ctx context.Context, op string, index int, err error) error {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return cancelled(ctx)
	}
	return &TransportError{Index: index, Op: op, Err: err}
}
