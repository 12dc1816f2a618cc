package handler

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/jdiitm/delayq/internal/codec"
	"github.com/jdiitm/delayq/internal/domain"
)

var ErrValueConversion = errors.New("value conversion failed")

// ConversionError reports a record value that could not be converted to
// a handler's declared type.
type ConversionError struct {
	Target string
	Err    error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("convert value to %s: %v", e.Target, e.Err)
}

func (e *ConversionError) Unwrap() error { return e.Err }

func (e *ConversionError) Is(target error) bool {
	return target == ErrValueConversion
}

// convertInto fills dst, a non-nil pointer, from the record value.
func convertInto(dst any, rec domain.Record) error {
	raw := rec.Value
	text := strings.TrimSpace(string(raw))

	var err error
	switch p := dst.(type) {
	case *string:
		*p = string(raw)
	case *[]byte:
		*p = raw
	case *bool:
		*p, err = strconv.ParseBool(text)
	case *int:
		var v int64
		v, err = strconv.ParseInt(text, 10, strconv.IntSize)
		*p = int(v)
	case *int32:
		var v int64
		v, err = strconv.ParseInt(text, 10, 32)
		*p = int32(v)
	case *int64:
		*p, err = strconv.ParseInt(text, 10, 64)
	case *uint:
		var v uint64
		v, err = strconv.ParseUint(text, 10, strconv.IntSize)
		*p = uint(v)
	case *uint32:
		var v uint64
		v, err = strconv.ParseUint(text, 10, 32)
		*p = uint32(v)
	case *uint64:
		*p, err = strconv.ParseUint(text, 10, 64)
	case *float32:
		var v float64
		v, err = strconv.ParseFloat(text, 32)
		*p = float32(v)
	case *float64:
		*p, err = strconv.ParseFloat(text, 64)
	case *time.Duration:
		*p, err = time.ParseDuration(text)
	case *time.Time:
		*p, err = time.Parse(time.RFC3339Nano, text)
	default:
		err = convertByKind(dst, raw, text, rec.Header(domain.HeaderContentType))
	}
	if err != nil {
		return &ConversionError{Target: strings.TrimPrefix(fmt.Sprintf("%T", dst), "*"), Err: err}
	}
	return nil
}

// convertByKind covers named primitive types (type OrderID string, ...)
// and falls back to structural decoding for everything else.
func convertByKind(dst any, raw []byte, text, contentType string) error {
	v := reflect.ValueOf(dst).Elem()
	switch v.Kind() {
	case reflect.String:
		v.SetString(string(raw))
		return nil
	case reflect.Bool:
		b, err := strconv.ParseBool(text)
		if err != nil {
			return err
		}
		v.SetBool(b)
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(text, 10, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetInt(n)
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(text, 10, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetUint(n)
		return nil
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(text, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetFloat(f)
		return nil
	}
	if len(raw) == 0 {
		return errors.New("empty value")
	}
	return codec.ForContentType(contentType).Unmarshal(raw, dst)
}
