package transport

import (
	"context"
)

// StreamOps handles the pull stream lifecycle of an ISPB
type StreamOps interface {
	StreamStart(context.Context, *StreamRequest, *StreamResponse) error
	StreamContinue(context.Context, *StreamRequest, *StreamResponse) error
	StreamTerminate(context.Context, *StreamRequest) error
	StreamStats(context.Context, string, *StreamStats) error
}

// MessageOps handles ingestion and inspection of stored messages
type MessageOps interface {
	MessagesProduce(context.Context, *ProduceRequest) error
	MessagesList(context.Context, *ListRequest, *ListResponse) error
}

// Service is an abstraction separating the public protocol from the underlying implementation.
//
// The `transport` package should NOT access any other internal package. To expose a new
// capability via HTTP it must first be added to the `Service`.
type Service interface {
	StreamOps
	MessageOps
	Health(context.Context) HealthResponse
}
