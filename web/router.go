// Package web is a small route table for the device's admin API. Every
// route sits behind the same credential gate; handlers receive an explicit
// Context instead of closing over device state.
package web

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"
)

// MethodAny matches every request method.
const MethodAny = ""

// AuthRealm is the realm sent in the Basic challenge.
const AuthRealm = "Login Required"

// DefaultMaxBody caps buffered request bodies.
const DefaultMaxBody = 64 << 10

// HandlerFunc handles a matched, authenticated request.
type HandlerFunc func(c *Context)

// UploadFunc receives an upload incrementally. The first call has offset 0
// and the last has final set; a zero-length upload is a single call with
// both. A non-nil error stops the upload and is reported via
// Context.UploadErr to the completion handler.
type UploadFunc func(c *Context, filename string, offset int64, chunk []byte, final bool) error

// Credentials supplies the gate's configuration.
type Credentials interface {
	HasAuthSettings() bool
	Credentials() (username, password string)
}

// Executor runs fn on the goroutine that owns device state and waits for it.
type Executor func(ctx context.Context, fn func()) error

// Logger is the subset of the application logger the router needs.
type Logger interface {
	Warn(msg string, context ...interface{})
	Debug(msg string, context ...interface{})
}

// Observer is told about every completed request, typically for metrics.
type Observer interface {
	ObserveRequest(method, route string, status int, elapsed time.Duration)
}

type routeKind int

const (
	kindPlain routeKind = iota
	kindBody
	kindUpload
)

type route struct {
	method   string
	pattern  string
	segments []string
	kind     routeKind
	handler  HandlerFunc
	upload   UploadFunc
}

// Router dispatches requests to the first matching route in registration
// order.
type Router struct {
	routes   []*route
	creds    Credentials
	logger   Logger
	exec     Executor
	observer Observer
	maxBody  int64
}

// NewRouter creates a router gated by creds.
func NewRouter(creds Credentials, logger Logger) *Router {
	return &Router{creds: creds, logger: logger, maxBody: DefaultMaxBody}
}

// SetExecutor makes handlers run through exec. Without one they run on the
// serving goroutine.
func (r *Router) SetExecutor(exec Executor) { r.exec = exec }

// SetObserver attaches a request observer.
func (r *Router) SetObserver(o Observer) { r.observer = o }

// SetMaxBody changes the buffered body limit for OnBody routes.
func (r *Router) SetMaxBody(n int64) { r.maxBody = n }

// On registers a plain handler. Pattern segments starting with ':' capture
// the request segment at that position.
func (r *Router) On(method, pattern string, h HandlerFunc) {
	r.add(&route{method: method, pattern: pattern, kind: kindPlain, handler: h})
}

// OnBody registers a handler that receives the complete request body.
func (r *Router) OnBody(method, pattern string, h HandlerFunc) {
	r.add(&route{method: method, pattern: pattern, kind: kindBody, handler: h})
}

// OnUpload registers a streaming upload; complete runs after the final chunk.
func (r *Router) OnUpload(method, pattern string, complete HandlerFunc, upload UploadFunc) {
	r.add(&route{method: method, pattern: pattern, kind: kindUpload, handler: complete, upload: upload})
}

func (r *Router) add(rt *route) {
	rt.segments = splitPath(rt.pattern)
	r.routes = append(r.routes, rt)
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

	rt, params := r.match(req.Method, req.URL.Path)
	routeName := "unmatched"
	if rt != nil {
		routeName = rt.pattern
	}
	defer func() {
		elapsed := time.Since(start)
		r.logger.Debug("HTTP request", "method", req.Method, "path", req.URL.Path, "status", rec.status, "duration", elapsed)
		if r.observer != nil {
			r.observer.ObserveRequest(req.Method, routeName, rec.status, elapsed)
		}
	}()

	if rt == nil {
		rec.Header().Set("Content-Type", "text/plain")
		rec.WriteHeader(http.StatusNotFound)
		_, _ = rec.Write([]byte("Not found"))
		return
	}

	c := &Context{Writer: rec, Request: req, params: params}
	if !r.authenticate(c) {
		return
	}

	switch rt.kind {
	case kindBody:
		if !r.collectBody(c) {
			return
		}
	case kindUpload:
		r.collectUpload(c, rt.upload)
		// Completion must run after a client disconnect so a partial upload
		// is always aborted.
		r.dispatch(context.WithoutCancel(req.Context()), c, rt.handler)
		return
	}
	r.dispatch(req.Context(), c, rt.handler)
}

func (r *Router) match(method, path string) (*route, map[string]string) {
	segs := splitPath(path)
	for _, rt := range r.routes {
		if rt.method != MethodAny && rt.method != method {
			continue
		}
		if params, ok := matchSegments(rt.segments, segs); ok {
			return rt, params
		}
	}
	return nil, nil
}

func matchSegments(pattern, path []string) (map[string]string, bool) {
	if len(pattern) != len(path) {
		return nil, false
	}
	var params map[string]string
	for i, p := range pattern {
		if strings.HasPrefix(p, ":") {
			if params == nil {
				params = make(map[string]string)
			}
			params[p[1:]] = path[i]
			continue
		}
		if p != path[i] {
			return nil, false
		}
	}
	return params, true
}

// splitPath keeps empty segments so "/a/" has two segments and "/" has one.
func splitPath(path string) []string {
	return strings.Split(strings.TrimPrefix(path, "/"), "/")
}

func (r *Router) authenticate(c *Context) bool {
	if r.creds == nil || !r.creds.HasAuthSettings() {
		return true
	}
	wantUser, wantPass := r.creds.Credentials()
	user, pass, ok := c.Request.BasicAuth()
	if ok &&
		subtle.ConstantTimeCompare([]byte(user), []byte(wantUser)) == 1 &&
		subtle.ConstantTimeCompare([]byte(pass), []byte(wantPass)) == 1 {
		return true
	}
	c.Writer.Header().Set("WWW-Authenticate", `Basic realm="`+AuthRealm+`"`)
	c.Text(http.StatusUnauthorized, "Unauthorized")
	return false
}

func (r *Router) dispatch(ctx context.Context, c *Context, h HandlerFunc) {
	if r.exec == nil {
		h(c)
		return
	}
	if err := r.exec(ctx, func() { h(c) }); err != nil {
		r.logger.Warn("Request not dispatched", "path", c.Request.URL.Path, "error", err)
		c.Text(http.StatusServiceUnavailable, "Device busy")
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.wroteHeader {
		return
	}
	s.status = code
	s.wroteHeader = true
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if !s.wroteHeader {
		s.WriteHeader(http.StatusOK)
	}
	return s.ResponseWriter.Write(b)
}
