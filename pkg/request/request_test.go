package request

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 2, 15, 18, 32, 5, 0, time.UTC)

func TestFromHTTP_Direct(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://shop.example.com/views/cart?item=3&item=4", nil)
	r.RemoteAddr = "10.0.0.7:51234"
	r.Header.Set("User-Agent", "curl/8.0")
	r.Header.Set("Referer", "http://shop.example.com/")
	r.Header.Set("Cookie", "session=secret")

	md := FromHTTP(r, now)

	assert.Equal(t, "GET", md.Method)
	assert.Equal(t, "/views/cart", md.Path)
	assert.Equal(t, "item=3&item=4", md.Query)
	assert.Equal(t, "http://shop.example.com/views/cart?item=3&item=4", md.URL)
	assert.Equal(t, "10.0.0.7:51234 (not proxied)", md.RemoteAddr)
	assert.Equal(t, "curl/8.0", md.UserAgent)
	assert.Equal(t, "http://shop.example.com/", md.Referer)
	assert.Equal(t, now, md.Timestamp)
	assert.Equal(t, []Field{{Name: "item", Value: "3, 4"}}, md.Get)
	assert.Empty(t, md.Problems)

	for _, h := range md.Headers {
		if h.Name == "Cookie" {
			assert.Equal(t, "********", h.Value)
		}
	}
}

func TestFromHTTP_Proxied(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/orders/7", nil)
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	r.Header.Set("X-Forwarded-Proto", "https")
	r.Header.Set("X-Forwarded-Host", "api.example.com")

	md := FromHTTP(r, now)

	assert.Equal(t, "203.0.113.9 (proxied)", md.RemoteAddr)
	assert.Equal(t, "https://api.example.com/orders/7", md.URL)
}

func TestFromHTTP_PostForm(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader("user=ann&remember=1"))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	md := FromHTTP(r, now)

	assert.Equal(t, []Field{
		{Name: "remember", Value: "1"},
		{Name: "user", Value: "ann"},
	}, md.Post)
}

func TestFromHTTP_JSONBodyUntouched(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/api", strings.NewReader(`{"a":1}`))
	r.Header.Set("Content-Type", "application/json")

	md := FromHTTP(r, now)
	assert.Empty(t, md.Post)

	body := make([]byte, 7)
	n, _ := r.Body.Read(body)
	assert.Equal(t, `{"a":1}`, string(body[:n]))
}

func TestFromHTTP_User(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.SetBasicAuth("basic-user", "pw")
	assert.Equal(t, "basic-user", FromHTTP(r, now).User)

	r = r.WithContext(WithUser(r.Context(), "ctx-user"))
	assert.Equal(t, "ctx-user", FromHTTP(r, now).User)
}

func TestFromHTTP_ChiRouteAndRequestID(t *testing.T) {
	var md Metadata

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Get("/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		md = FromHTTP(r, now)
	})

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/items/42", nil))

	assert.Equal(t, "/items/{id}", md.Route)
	assert.NotEmpty(t, md.RequestID)
}

func TestFromHTTP_Nil(t *testing.T) {
	md := FromHTTP(nil, now)
	assert.True(t, md.Empty())
	assert.Equal(t, now, md.Timestamp)
}

func TestFromHTTP_BrokenRequest(t *testing.T) {
	r := &http.Request{Method: http.MethodGet, Header: http.Header{}}

	md := FromHTTP(r, now)

	require.NotEmpty(t, md.Problems)
	assert.Equal(t, "GET", md.Method)
	assert.Contains(t, md.Problems[0], "No base path available")
}
