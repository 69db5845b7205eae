// Package codegen turns an architecture description into runnable inference
// source code.
package codegen

import (
	"context"
	"encoding/json"
)

// Generator materializes inference source code for an architecture into a
// directory. On success every generated file lives directly in dir.
type Generator interface {
	Generate(ctx context.Context, dir string, architecture json.RawMessage) error
}

// Func adapts an ordinary function to the Generator interface.
type Func func(ctx context.Context, dir string, architecture json.RawMessage) error

// Generate implements Generator.Generate.
func (f Func) Generate(ctx context.Context, dir string, architecture json.RawMessage) error {
	return f(ctx, dir, architecture)
}
