package main

// errors module defines error kinds of function invocations and their
// mapping to HTTP status codes
//
// Copyright (c) 2023 - Valentin Kuznetsov <vkuznet@gmail.com>
//

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	GenericError     = iota + 100 // generic mlfaas error
	UnavailableError              // 101 model artifact is not available
	MalformedInput                // 102 request body is not a JSON object
	SchemaError                   // 103 required key is missing, has wrong type or is empty
	InferenceError                // 104 preprocessing or model invocation failure
	JsonMarshal                   // 105 json.Marshal error
	MetaDataError                 // 106 generic meta-data error
)

// sentinel errors used by model loaders and predictors
var (
	ErrMissingFile       = errors.New("required model file not found")
	ErrDimensionMismatch = errors.New("feature dimension mismatch")
	ErrInvalidImage      = errors.New("invalid image")
	ErrBackend           = errors.New("inference backend failure")
)

// helper function to return human error message for given mlfaas error code
func errorMessage(code int) string {
	switch code {
	case 0:
		return ""
	case GenericError:
		return "generic error"
	case UnavailableError:
		return "model unavailable"
	case MalformedInput:
		return "malformed input"
	case SchemaError:
		return "schema violation"
	case InferenceError:
		return "inference failure"
	case JsonMarshal:
		return "JSON marshal error"
	case MetaDataError:
		return "MetaData error"
	default:
		return fmt.Sprintf("Not Implemented error for code %d", code)
	}
}

// helper function to map mlfaas error code to HTTP status code
func statusCode(code int) int {
	switch code {
	case MalformedInput, SchemaError:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// FunctionError represents failure of function invocation
type FunctionError struct {
	Kind    int    // one of error codes above
	Message string // user visible message
	Cause   error  // underlying error, logged but not exposed by default
}

// Error implements error interface
func (e *FunctionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", errorMessage(e.Kind), e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", errorMessage(e.Kind), e.Message)
}

// Unwrap returns underlying cause
func (e *FunctionError) Unwrap() error {
	return e.Cause
}

// StatusCode returns HTTP status code of the error
func (e *FunctionError) StatusCode() int {
	return statusCode(e.Kind)
}

// helper function to create new function error
func newError(kind int, cause error, format string, args ...any) *FunctionError {
	return &FunctionError{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}
