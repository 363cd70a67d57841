// Package request snapshots the metadata of an HTTP request for a report.
package request

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Field is one name/value pair in request metadata
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Metadata is a read-only snapshot of the originating request
type Metadata struct {
	Method     string    `json:"method,omitempty"`
	URL        string    `json:"url,omitempty"`
	Path       string    `json:"path,omitempty"`
	Query      string    `json:"query,omitempty"`
	Route      string    `json:"route,omitempty"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	Referer    string    `json:"referer,omitempty"`
	User       string    `json:"user,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`

	Headers []Field `json:"headers,omitempty"`
	Get     []Field `json:"get,omitempty"`
	Post    []Field `json:"post,omitempty"`

	// Problems lists the parts that could not be read
	Problems []string `json:"problems,omitempty"`
}

// Empty reports whether no request was captured
func (m Metadata) Empty() bool {
	return m.Method == "" && m.URL == "" && m.Path == ""
}

type userKey struct{}

// WithUser attaches the authenticated user identity to ctx
func WithUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

// UserFrom returns the identity stored by WithUser
func UserFrom(ctx context.Context) string {
	user, _ := ctx.Value(userKey{}).(string)
	return user
}

// FromHTTP captures r. A nil request yields metadata with only the
// timestamp set. Each field is read independently; a failure is noted in
// Problems and does not stop the others.
func FromHTTP(r *http.Request, now time.Time) Metadata {
	md := Metadata{Timestamp: now}
	if r == nil {
		return md
	}

	md.Method = read(&md, "request method", func() string { return r.Method })
	md.Path = read(&md, "base path", func() string { return r.URL.Path })
	md.Query = read(&md, "query string", func() string { return r.URL.RawQuery })
	md.URL = read(&md, "request URL", func() string { return requestURL(r) })
	md.RemoteAddr = read(&md, "IP", func() string { return remoteAddr(r) })
	md.UserAgent = read(&md, "user agent", func() string { return r.UserAgent() })
	md.Referer = read(&md, "referer", func() string { return r.Referer() })
	md.User = read(&md, "user", func() string { return user(r) })
	md.RequestID = read(&md, "request ID", func() string { return middleware.GetReqID(r.Context()) })
	md.Route = read(&md, "route", func() string { return route(r) })

	readFields(&md, "headers", &md.Headers, func() ([]Field, error) { return headerFields(r.Header), nil })
	readFields(&md, "GET", &md.Get, func() ([]Field, error) { return valueFields(r.URL.Query()), nil })
	readFields(&md, "POST", &md.Post, func() ([]Field, error) { return postFields(r) })

	return md
}

func read(md *Metadata, what string, fn func() string) (value string) {
	defer func() {
		if r := recover(); r != nil {
			value = ""
			md.Problems = append(md.Problems, fmt.Sprintf("No %s available. Reason: %v", what, r))
		}
	}()
	return fn()
}

func readFields(md *Metadata, what string, dst *[]Field, fn func() ([]Field, error)) {
	defer func() {
		if r := recover(); r != nil {
			md.Problems = append(md.Problems, fmt.Sprintf("No %s available. Reason: %v", what, r))
		}
	}()
	fields, err := fn()
	if err != nil {
		md.Problems = append(md.Problems, fmt.Sprintf("No %s available. Reason: %v", what, err))
		return
	}
	*dst = fields
}

// requestURL rebuilds the URL as the client saw it, preferring the
// X-Forwarded-Proto and X-Forwarded-Host headers set by a proxy.
func requestURL(r *http.Request) string {
	scheme := r.Header.Get("X-Forwarded-Proto")
	host := r.Header.Get("X-Forwarded-Host")

	if scheme == "" || host == "" {
		scheme = "http"
		if r.TLS != nil {
			scheme = "https"
		}
		host = r.Host
	}
	if host == "" {
		host = "unknown.host"
	}

	u := url.URL{Scheme: scheme, Host: host, Path: r.URL.Path, RawQuery: r.URL.RawQuery}
	return u.String()
}

func remoteAddr(r *http.Request) string {
	forwarded := strings.TrimSpace(strings.Split(r.Header.Get("X-Forwarded-For"), ",")[0])
	if forwarded != "" {
		return forwarded + " (proxied)"
	}
	return r.RemoteAddr + " (not proxied)"
}

func user(r *http.Request) string {
	if u := UserFrom(r.Context()); u != "" {
		return u
	}
	if u, _, ok := r.BasicAuth(); ok {
		return u
	}
	return ""
}

func route(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return ""
	}
	return rctx.RoutePattern()
}

var redactedHeaders = map[string]bool{
	"Authorization":       true,
	"Cookie":              true,
	"Proxy-Authorization": true,
}

func headerFields(h http.Header) []Field {
	fields := make([]Field, 0, len(h))
	for name, values := range h {
		value := strings.Join(values, ", ")
		if redactedHeaders[name] {
			value = "********"
		}
		fields = append(fields, Field{Name: name, Value: value})
	}
	sortFields(fields)
	return fields
}

func valueFields(v url.Values) []Field {
	fields := make([]Field, 0, len(v))
	for name, values := range v {
		fields = append(fields, Field{Name: name, Value: strings.Join(values, ", ")})
	}
	sortFields(fields)
	return fields
}

// postFields reads url-encoded form bodies only. Other bodies are left for
// the handler untouched.
func postFields(r *http.Request) ([]Field, error) {
	if r.PostForm != nil {
		return valueFields(r.PostForm), nil
	}
	if r.Method != http.MethodPost && r.Method != http.MethodPut && r.Method != http.MethodPatch {
		return nil, nil
	}
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct != "application/x-www-form-urlencoded" {
		return nil, nil
	}
	if err := r.ParseForm(); err != nil {
		return nil, err
	}
	return valueFields(r.PostForm), nil
}

func sortFields(fields []Field) {
	sort.Slice(fields, func(i, j int) bool { return fields[i].Name < fields[j].Name })
}
