// Package handler adapts user callbacks of different shapes to the single
// dispatch path used by consumer lanes.
//
// A handler declares at most one logical input. The shape is fixed when the
// handler is built:
//
//   - NoArg: called with no data
//   - RawValue: called with the record value bytes
//   - FullRecord: called with the whole record
//   - Typed: called with the value converted to a declared Go type
//
// A leading context.Context parameter is always allowed and does not count
// as an input.
//
// The constructors NoArg, RawValue, FullRecord and Typed involve no
// reflection per record. Adapt also accepts plain funcs; it matches the
// common shapes statically and falls back to reflect only for other input
// types, so hot paths with struct inputs should use Typed directly.
package handler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/jdiitm/delayq/internal/domain"
)

var ErrInvalidHandlerSignature = errors.New("invalid handler signature")

type Kind int

const (
	KindNoArg Kind = iota
	KindRawValue
	KindFullRecord
	KindTyped
)

func (k Kind) String() string {
	switch k {
	case KindNoArg:
		return "no-arg"
	case KindRawValue:
		return "raw-value"
	case KindFullRecord:
		return "full-record"
	case KindTyped:
		return "typed-value"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Handler is the normalized form every callback is adapted to.
type Handler interface {
	Kind() Kind
	Handle(ctx context.Context, rec domain.Record) error
}

type noArgHandler struct {
	fn func(ctx context.Context) error
}

func (noArgHandler) Kind() Kind { return KindNoArg }

func (h noArgHandler) Handle(ctx context.Context, _ domain.Record) error {
	return h.fn(ctx)
}

// NoArg adapts a side-effect-only callback.
func NoArg(fn func(ctx context.Context) error) Handler {
	return noArgHandler{fn: fn}
}

type rawValueHandler struct {
	fn func(ctx context.Context, value []byte) error
}

func (rawValueHandler) Kind() Kind { return KindRawValue }

func (h rawValueHandler) Handle(ctx context.Context, rec domain.Record) error {
	return h.fn(ctx, rec.Value)
}

// RawValue adapts a callback that only wants the record value.
func RawValue(fn func(ctx context.Context, value []byte) error) Handler {
	return rawValueHandler{fn: fn}
}

type fullRecordHandler struct {
	fn func(ctx context.Context, rec domain.Record) error
}

func (fullRecordHandler) Kind() Kind { return KindFullRecord }

func (h fullRecordHandler) Handle(ctx context.Context, rec domain.Record) error {
	return h.fn(ctx, rec)
}

// FullRecord adapts a callback that wants topic, partition, offset, key,
// value and headers.
func FullRecord(fn func(ctx context.Context, rec domain.Record) error) Handler {
	return fullRecordHandler{fn: fn}
}

type typedHandler[T any] struct {
	fn func(ctx context.Context, v T) error
}

func (typedHandler[T]) Kind() Kind { return KindTyped }

func (h typedHandler[T]) Handle(ctx context.Context, rec domain.Record) error {
	var v T
	if err := convertInto(&v, rec); err != nil {
		return err
	}
	return h.fn(ctx, v)
}

// Typed adapts a callback whose input is the record value converted to T.
// Strings pass through, numbers and booleans are parsed, and anything else
// is decoded with the codec named by the record's content-type header.
func Typed[T any](fn func(ctx context.Context, v T) error) Handler {
	return typedHandler[T]{fn: fn}
}

// PanicError is returned by Invoke when a handler panics.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}

// Invoke runs h against rec and turns a panic into a *PanicError.
func Invoke(ctx context.Context, h Handler, rec domain.Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return h.Handle(ctx, rec)
}
