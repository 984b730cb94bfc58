package main

// middleware module provides various middleware modules for mlfaas server
//
// Copyright (c) 2023 - Valentin Kuznetsov <vkuznet@gmail.com>
//

import (
	"compress/gzip"
	"context"
	"log"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	limiter "github.com/ulule/limiter/v3"
	stdlib "github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	memory "github.com/ulule/limiter/v3/drivers/store/memory"
	"github.com/uptrace/bunrouter"
)

// header used to propagate request identifier
const requestIDHeader = "X-Request-ID"

// limiter middleware pointer
var limiterMiddleware *stdlib.Middleware

// initialize Limiter middleware pointer
func initLimiter(period string) {
	log.Printf("limiter rate='%s'", period)
	rate, err := limiter.NewRateFromFormatted(period)
	if err != nil {
		panic(err)
	}
	store := memory.NewStore()
	instance := limiter.New(store, rate)
	limiterMiddleware = stdlib.NewMiddleware(instance,
		stdlib.WithLimitReachedHandler(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusTooManyRequests, "limit exceeded")
		}))
}

// responseWriter is a minimal wrapper for http.ResponseWriter that allows the
// written HTTP status code and size to be captured for logging.
type responseWriter struct {
	http.ResponseWriter
	status      int
	size        int64
	wroteHeader bool
}

// wrapper for response writer
// based on https://blog.questionable.services/article/guide-logging-middleware-go/
func wrapResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w}
}

func (rw *responseWriter) Status() int {
	if rw.status == 0 { // the status code was not set, i.e. everything is fine
		return http.StatusOK
	}
	return rw.status
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
	rw.wroteHeader = true
}

func (rw *responseWriter) Write(data []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(data)
	rw.size += int64(n)
	return n, err
}

/*
 * bunrouter middlewares based on bunrouter.HandlerFunc (http.HandlerFunc)
 */

// bunrouer logging middelware implementation
func bunrouterLoggingMiddleware(next bunrouter.HandlerFunc) bunrouter.HandlerFunc {
	return func(w http.ResponseWriter, r bunrouter.Request) error {
		start := time.Now()
		wrapped := wrapResponseWriter(w)
		err := next(wrapped, r)
		logRequest(w, r.Request, start, wrapped.Status(), wrapped.size)
		return err
	}
}

// bunrouter limiter middleware implementation, based on
// https://github.com/ulule/limiter/blob/master/drivers/middleware/stdlib/middleware.go#L36
func bunrouterLimitMiddleware(next bunrouter.HandlerFunc) bunrouter.HandlerFunc {
	return func(w http.ResponseWriter, req bunrouter.Request) error {
		if Config.Verbose > 2 {
			log.Println("limiter middleware check")
		}
		r := req.Request
		if isProbe(r.URL.Path) {
			return next(w, req)
		}
		key := limiterMiddleware.KeyGetter(r)
		if limiterMiddleware.ExcludedKey != nil && limiterMiddleware.ExcludedKey(key) {
			return next(w, req)
		}

		context, err := limiterMiddleware.Limiter.Get(r.Context(), key)
		if err != nil {
			limiterMiddleware.OnError(w, r, err)
			return err
		}

		w.Header().Add("X-RateLimit-Limit", strconv.FormatInt(context.Limit, 10))
		w.Header().Add("X-RateLimit-Remaining", strconv.FormatInt(context.Remaining, 10))
		w.Header().Add("X-RateLimit-Reset", strconv.FormatInt(context.Reset, 10))

		if context.Reached {
			limiterMiddleware.OnLimitReached(w, r)
			return nil
		}
		// execute next ServeHTTP middleware/step
		return next(w, req)
	}
}

// helper function to check if path belongs to liveness or readiness probes,
// probes are not rate limited
func isProbe(path string) bool {
	for _, p := range []string{"/_/health", "/healthz", "/_/ready"} {
		if path == basePath(p) {
			return true
		}
	}
	return false
}

// context key of request identifier
type requestIDKey struct{}

// bunrouter middleware which assigns request identifier, the client
// provided X-Request-ID header is kept when present
func bunrouterRequestIDMiddleware(next bunrouter.HandlerFunc) bunrouter.HandlerFunc {
	return func(w http.ResponseWriter, req bunrouter.Request) error {
		rid := strings.TrimSpace(req.Header.Get(requestIDHeader))
		if rid == "" || len(rid) > 128 {
			rid = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, rid)
		ctx := context.WithValue(req.Context(), requestIDKey{}, rid)
		return next(w, req.WithContext(ctx))
	}
}

// helper function to get request identifier of HTTP request
func requestID(r *http.Request) string {
	if rid, ok := r.Context().Value(requestIDKey{}).(string); ok {
		return rid
	}
	return ""
}

// bunrouter middleware which transparently decompresses gzip'ed request body
func bunrouterGzipMiddleware(next bunrouter.HandlerFunc) bunrouter.HandlerFunc {
	return func(w http.ResponseWriter, req bunrouter.Request) error {
		if !strings.EqualFold(req.Header.Get("Content-Encoding"), "gzip") || req.Body == nil {
			return next(w, req)
		}
		reader, err := gzip.NewReader(req.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "unable to read gzip request body")
			return nil
		}
		req.Body = GzipReader{Reader: reader, Closer: req.Body}
		req.Header.Del("Content-Encoding")
		req.ContentLength = -1
		return next(w, req)
	}
}

// bunrouter middleware which recovers from handler panics
func bunrouterRecoveryMiddleware(next bunrouter.HandlerFunc) bunrouter.HandlerFunc {
	return func(w http.ResponseWriter, req bunrouter.Request) (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("ERROR: %s %s panic: %v\n%s", req.Method, req.URL.Path, rec, debug.Stack())
				writeError(w, http.StatusInternalServerError, "internal server error while processing request")
				err = nil
			}
		}()
		return next(w, req)
	}
}
