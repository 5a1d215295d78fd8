// Copyright The NRI Plugins Authors. All Rights Reserved.
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

package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// KeyValue is a span attribute.
type KeyValue = attribute.KeyValue

// SpanStartOption is applied in StartSpan.
type SpanStartOption func(*[]trace.SpanStartOption)

// SpanEndOption is applied in Span.End.
type SpanEndOption func(*Span)

// WithAttributes sets the initial attributes of a span.
func WithAttributes(attrs ...KeyValue) SpanStartOption {
	return func(o *[]trace.SpanStartOption) {
		*o = append(*o, trace.WithAttributes(attrs...))
	}
}

// WithStatus sets the status of a span from the error of the operation.
func WithStatus(err error) SpanEndOption {
	return func(s *Span) {
		s.SetStatus(err)
	}
}

// Span is a span of an operation. The zero Span, returned while tracing
// is disabled, does nothing.
type Span struct {
	span trace.Span
}

// StartSpan starts a span, a child of the span in ctx if there is one.
// The span must be ended with End.
func StartSpan(ctx context.Context, name string, opts ...SpanStartOption) (context.Context, *Span) {
	t := activeTracer()
	if t == nil {
		return ctx, &Span{}
	}

	var options []trace.SpanStartOption
	for _, o := range opts {
		o(&options)
	}

	ctx, span := t.Start(ctx, name, options...)
	return ctx, &Span{span: span}
}

// SetStatus records err, or success if err is nil.
func (s *Span) SetStatus(err error) {
	if s.noop() {
		return
	}
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
		return
	}
	s.span.SetStatus(codes.Ok, "")
}

// SetAttributes adds attributes to the span.
func (s *Span) SetAttributes(attrs ...KeyValue) {
	if s.noop() {
		return
	}
	s.span.SetAttributes(attrs...)
}

// End ends the span.
func (s *Span) End(opts ...SpanEndOption) {
	if s.noop() {
		return
	}
	for _, o := range opts {
		o(s)
	}
	s.span.End()
}

func (s *Span) noop() bool {
	return s == nil || s.span == nil
}

// Attribute returns a span attribute for a value. Values without an
// attribute type of their own are formatted as strings.
func Attribute(key string, value interface{}) KeyValue {
	switch v := value.(type) {
	case nil:
		return attribute.String(key, "<nil>")
	case string:
		return attribute.String(key, v)
	case []string:
		return attribute.StringSlice(key, v)
	case bool:
		return attribute.Bool(key, v)
	case int:
		return attribute.Int(key, v)
	case []int:
		return attribute.IntSlice(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case time.Duration:
		return attribute.String(key, v.String())
	case fmt.Stringer:
		return attribute.String(key, v.String())
	}
	return attribute.String(key, fmt.Sprintf("%v", value))
}
