// Package errors classifies failures coming out of the Discord transport.
//
// Only connectivity failures may be masked by stale cached data. Platform
// failures (authenticated error responses) always reach the caller, and
// validation failures are returned before any request is coalesced.
package errors

import (
	"context"
	goerrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"syscall"

	"github.com/bwmarrin/discordgo"
)

// Category is the coarse class of an error.
type Category string

const (
	CategoryNetwork    Category = "network"
	CategoryDiscord    Category = "discord"
	CategoryValidation Category = "validation"
	CategoryInternal   Category = "internal"
)

// Discord JSON error codes for resources that no longer exist.
const (
	CodeUnknownChannel = 10003
	CodeUnknownGuild   = 10004
	CodeUnknownMessage = 10008
	CodeUnknownUser    = 10013

	// CodeBulkDeleteTooOld rejects bulk deletes that include a message older
	// than two weeks.
	CodeBulkDeleteTooOld = 50034
)

// ErrInvalidKey is returned when a cache key has no canonical string form.
var ErrInvalidKey = goerrors.New("invalid cache key")

// ConnectivityError marks a transport-level failure raised by code that does
// not surface a net.Error itself.
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: connection unavailable", e.Op)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// ServiceError attaches a category and the failing operation to a cause.
type ServiceError struct {
	Category  Category
	Operation string
	Component string
	Cause     error
}

func (e *ServiceError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("[%s] %s.%s failed", e.Category, e.Component, e.Operation)
	}
	return fmt.Sprintf("[%s] %s.%s: %v", e.Category, e.Component, e.Operation, e.Cause)
}

func (e *ServiceError) Unwrap() error { return e.Cause }

// Wrap builds a ServiceError for err, classifying it. Nil stays nil.
func Wrap(component, operation string, err error) error {
	if err == nil {
		return nil
	}
	return &ServiceError{
		Category:  Classify(err),
		Operation: operation,
		Component: component,
		Cause:     err,
	}
}

// Classify returns the category of err.
func Classify(err error) Category {
	var serviceErr *ServiceError
	switch {
	case err == nil:
		return ""
	case goerrors.As(err, &serviceErr) && serviceErr.Category != "":
		return serviceErr.Category
	case goerrors.Is(err, ErrInvalidKey):
		return CategoryValidation
	case IsPlatform(err):
		return CategoryDiscord
	case IsConnectivity(err):
		return CategoryNetwork
	default:
		return CategoryInternal
	}
}

// IsConnectivity reports whether err is a transport-level failure for which
// serving previously cached data is acceptable. Context cancellation and
// deadline errors raised by the caller are not connectivity failures.
func IsConnectivity(err error) bool {
	if err == nil || IsPlatform(err) {
		return false
	}
	if goerrors.Is(err, context.Canceled) || goerrors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var connErr *ConnectivityError
	if goerrors.As(err, &connErr) {
		return true
	}
	if goerrors.Is(err, discordgo.ErrWSNotFound) ||
		goerrors.Is(err, io.EOF) ||
		goerrors.Is(err, io.ErrUnexpectedEOF) ||
		goerrors.Is(err, syscall.ECONNREFUSED) ||
		goerrors.Is(err, syscall.ECONNRESET) ||
		goerrors.Is(err, syscall.ENETUNREACH) ||
		goerrors.Is(err, syscall.EHOSTUNREACH) {
		return true
	}
	var urlErr *url.Error
	if goerrors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return goerrors.As(err, &netErr)
}

// IsPlatform reports whether err is an error response returned by Discord.
func IsPlatform(err error) bool {
	var restErr *discordgo.RESTError
	return goerrors.As(err, &restErr)
}

// IsNotFound reports whether err says the target resource is already gone.
func IsNotFound(err error) bool {
	var restErr *discordgo.RESTError
	if !goerrors.As(err, &restErr) {
		return false
	}
	if restErr.Message != nil {
		switch restErr.Message.Code {
		case CodeUnknownChannel, CodeUnknownGuild, CodeUnknownMessage, CodeUnknownUser:
			return true
		}
	}
	return restErr.Response != nil && restErr.Response.StatusCode == http.StatusNotFound
}

// IsBulkTooOld reports whether a bulk delete was rejected because one of its
// messages crossed the two week boundary.
func IsBulkTooOld(err error) bool {
	var restErr *discordgo.RESTError
	if !goerrors.As(err, &restErr) || restErr.Message == nil {
		return false
	}
	return restErr.Message.Code == CodeBulkDeleteTooOld
}
