package handler

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/jdiitm/delayq/internal/domain"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	bytesType   = reflect.TypeOf([]byte(nil))
	recordType  = reflect.TypeOf(domain.Record{})
)

// Adapt turns h into a Handler. h may already be a Handler, or a func
// taking an optional context.Context followed by at most one input and
// returning nothing or an error. Any other shape fails with
// ErrInvalidHandlerSignature.
//
// Funcs over []byte, domain.Record and the primitive types the converter
// parses are matched statically. Other input types, such as structs, are
// called through reflect on every record; wrap those with Typed to keep
// the per-record path reflection-free.
func Adapt(h any) (Handler, error) {
	switch fn := h.(type) {
	case nil:
		return nil, fmt.Errorf("%w: nil handler", ErrInvalidHandlerSignature)
	case Handler:
		return fn, nil
	case func():
		return NoArg(func(context.Context) error { fn(); return nil }), nil
	case func() error:
		return NoArg(func(context.Context) error { return fn() }), nil
	case func(context.Context):
		return NoArg(func(ctx context.Context) error { fn(ctx); return nil }), nil
	case func(context.Context) error:
		return NoArg(fn), nil
	}
	for _, match := range staticShapes {
		if adapted, ok := match(h); ok {
			return adapted, nil
		}
	}
	return fromFunc(h)
}

// staticShapes are tried in order; []byte resolves to RawValue before any
// typed match.
var staticShapes = []func(any) (Handler, bool){
	func(h any) (Handler, bool) { return matchInput(h, RawValue) },
	func(h any) (Handler, bool) { return matchInput(h, FullRecord) },
	matchTyped[string],
	matchTyped[bool],
	matchTyped[int],
	matchTyped[int32],
	matchTyped[int64],
	matchTyped[uint],
	matchTyped[uint32],
	matchTyped[uint64],
	matchTyped[float32],
	matchTyped[float64],
	matchTyped[time.Duration],
	matchTyped[time.Time],
}

func matchTyped[T any](h any) (Handler, bool) {
	return matchInput(h, Typed[T])
}

// matchInput recognises the four single-input shapes over T and wraps them
// with build.
func matchInput[T any](h any, build func(func(context.Context, T) error) Handler) (Handler, bool) {
	switch fn := h.(type) {
	case func(context.Context, T) error:
		return build(fn), true
	case func(T) error:
		return build(func(_ context.Context, v T) error { return fn(v) }), true
	case func(context.Context, T):
		return build(func(ctx context.Context, v T) error { fn(ctx, v); return nil }), true
	case func(T):
		return build(func(_ context.Context, v T) error { fn(v); return nil }), true
	}
	return nil, false
}

// reflectHandler covers func shapes no static match recognises. The
// signature is inspected once here; only the call itself goes through
// reflect per record.
type reflectHandler struct {
	fn       reflect.Value
	kind     Kind
	withCtx  bool
	input    reflect.Type
	hasError bool
}

func fromFunc(h any) (Handler, error) {
	v := reflect.ValueOf(h)
	t := v.Type()
	if t.Kind() != reflect.Func {
		return nil, fmt.Errorf("%w: %s is not a func", ErrInvalidHandlerSignature, t)
	}
	if t.IsVariadic() {
		return nil, fmt.Errorf("%w: variadic %s", ErrInvalidHandlerSignature, t)
	}

	rh := &reflectHandler{fn: v}
	in := t.NumIn()
	first := 0
	if in > 0 && t.In(0) == contextType {
		rh.withCtx = true
		first = 1
	}
	switch in - first {
	case 0:
		rh.kind = KindNoArg
	case 1:
		rh.input = t.In(first)
		switch rh.input {
		case bytesType:
			rh.kind = KindRawValue
		case recordType:
			rh.kind = KindFullRecord
		default:
			rh.kind = KindTyped
		}
	default:
		return nil, fmt.Errorf("%w: %s declares %d inputs, at most 1 allowed",
			ErrInvalidHandlerSignature, t, in-first)
	}

	switch t.NumOut() {
	case 0:
	case 1:
		if t.Out(0) != errorType {
			return nil, fmt.Errorf("%w: %s must return error or nothing", ErrInvalidHandlerSignature, t)
		}
		rh.hasError = true
	default:
		return nil, fmt.Errorf("%w: %s returns %d values", ErrInvalidHandlerSignature, t, t.NumOut())
	}
	return rh, nil
}

func (h *reflectHandler) Kind() Kind { return h.kind }

func (h *reflectHandler) Handle(ctx context.Context, rec domain.Record) error {
	args := make([]reflect.Value, 0, 2)
	if h.withCtx {
		args = append(args, reflect.ValueOf(&ctx).Elem())
	}
	switch h.kind {
	case KindRawValue:
		args = append(args, reflect.ValueOf(rec.Value))
	case KindFullRecord:
		args = append(args, reflect.ValueOf(rec))
	case KindTyped:
		ptr := reflect.New(h.input)
		if err := convertInto(ptr.Interface(), rec); err != nil {
			return err
		}
		args = append(args, ptr.Elem())
	}
	out := h.fn.Call(args)
	if h.hasError && !out[0].IsNil() {
		return out[0].Interface().(error)
	}
	return nil
}
