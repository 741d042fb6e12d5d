package controller

import (
	"errors"

	"github.com/specialistvlad/pmigo/internal/invocation"
	"github.com/zclconf/go-cty/cty"
)

// ErrNoValue is returned by As when the operation produced no value.
var ErrNoValue = errors.New("operation produced no value")

// As converts the result of Get or Call to T. It is shaped to wrap the call
// directly:
//
//	n, err := controller.As[int](store.Get(ctx, "totalSize"))
func As[T any](v cty.Value, err error) (T, error) {
	var out T
	if err != nil {
		return out, err
	}
	if v.Type() == cty.NilType {
		return out, ErrNoValue
	}
	if err := invocation.FromValue(v, &out); err != nil {
		return out, err
	}
	return out, nil
}
