package transport

import (
	"fmt"
	"net/http"

	"github.com/duh-rpc/duh-go"
	v1 "github.com/duh-rpc/duh-go/proto/v1"
	"github.com/kapetan-io/errors"
	"google.golang.org/protobuf/proto"
)

// -------------------------------------------------

// ErrInvalidOption is used to indicate an option provided was invalid for some reason
type ErrInvalidOption struct {
	msg string
}

func NewInvalidOption(msg string, args ...any) *ErrInvalidOption {
	return &ErrInvalidOption{msg: fmt.Sprintf(msg, args...)}
}

func (e *ErrInvalidOption) Error() string {
	return e.msg
}

func (e *ErrInvalidOption) Is(target error) bool {
	var err *ErrInvalidOption
	return errors.As(target, &err)
}

func (e *ErrInvalidOption) Code() int {
	return duh.CodeBadRequest
}

func (e *ErrInvalidOption) ProtoMessage() proto.Message {
	return &v1.Reply{
		Message:  e.msg,
		CodeText: duh.CodeText(duh.CodeBadRequest),
		Code:     int32(duh.CodeBadRequest),
		Details:  nil,
	}
}

func (e *ErrInvalidOption) Details() map[string]string {
	return nil
}

func (e *ErrInvalidOption) Message() string {
	return e.msg
}

var _ duh.Error = &ErrInvalidOption{}

// -------------------------------------------------

// ErrRetryRequest is used to tell the client that the request was valid, the server did not encounter a failure, but
// the request did not succeed. The client should retry
type ErrRetryRequest struct {
	msg string
}

func NewRetryRequest(msg string, args ...any) *ErrRetryRequest {
	return &ErrRetryRequest{msg: fmt.Sprintf(msg, args...)}
}

func (e *ErrRetryRequest) Error() string {
	return e.msg
}

func (e *ErrRetryRequest) Is(target error) bool {
	var err *ErrRetryRequest
	return errors.As(target, &err)
}

func (e *ErrRetryRequest) Code() int {
	return duh.CodeRetryRequest
}

func (e *ErrRetryRequest) ProtoMessage() proto.Message {
	return &v1.Reply{
		Message:  e.msg,
		CodeText: duh.CodeText(duh.CodeRetryRequest),
		Code:     int32(duh.CodeRetryRequest),
		Details:  nil,
	}
}

func (e *ErrRetryRequest) Details() map[string]string {
	return nil
}

func (e *ErrRetryRequest) Message() string {
	return e.msg
}

var _ duh.Error = &ErrRetryRequest{}

// -------------------------------------------------

// ErrCapacityExceeded is returned when a new stream cannot be opened because the partition
// already has the maximum number of active streams. The client should try again later.
type ErrCapacityExceeded struct {
	msg string
}

func NewCapacityExceeded(msg string, args ...any) *ErrCapacityExceeded {
	return &ErrCapacityExceeded{
		msg: fmt.Sprintf(msg, args...),
	}
}

func (e *ErrCapacityExceeded) Error() string {
	return e.msg
}

func (e *ErrCapacityExceeded) Is(target error) bool {
	var err *ErrCapacityExceeded
	return errors.As(target, &err)
}

func (e *ErrCapacityExceeded) Code() int {
	return http.StatusTooManyRequests
}

func (e *ErrCapacityExceeded) ProtoMessage() proto.Message {
	return &v1.Reply{
		Message:  e.msg,
		CodeText: http.StatusText(http.StatusTooManyRequests),
		Code:     int32(http.StatusTooManyRequests),
		Details:  nil,
	}
}

func (e *ErrCapacityExceeded) Details() map[string]string {
	return nil
}

func (e *ErrCapacityExceeded) Message() string {
	return e.msg
}

var _ duh.Error = &ErrCapacityExceeded{}
