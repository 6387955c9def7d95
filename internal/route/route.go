// Package route dispatches the browser endpoints served under one path prefix.
package route

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// Route is either Public or Protected.
type Route interface {
	isRoute()
}

// Public routes run for every caller.
type Public struct {
	Handler gin.HandlerFunc
}

// Protected routes run only for callers holding Capability.
type Protected struct {
	Handler    gin.HandlerFunc
	Capability string
}

func (Public) isRoute()    {}
func (Protected) isRoute() {}

// Caller is whoever issued the request.
type Caller interface {
	Can(capability string) bool
}

// Anonymous holds no capability.
type Anonymous struct{}

func (Anonymous) Can(string) bool { return false }

// Query maps route keys under /{endpoint}/ to routes.
type Query struct {
	endpoint string
	keys     []string
	routes   map[string]Route
}

func NewQuery(endpoint string) *Query {
	return &Query{endpoint: strings.Trim(endpoint, "/"), routes: map[string]Route{}}
}

func (q *Query) Endpoint() string {
	return q.endpoint
}

// AddRoute registers r under key. Re-adding a key replaces its route and keeps its position.
func (q *Query) AddRoute(key string, r Route) {
	if _, exists := q.routes[key]; !exists {
		q.keys = append(q.keys, key)
	}
	q.routes[key] = r
}

// Keys returns the route keys in registration order.
func (q *Query) Keys() []string {
	return append([]string(nil), q.keys...)
}

// Path returns /{endpoint}/{key}/.
func (q *Query) Path(key string) string {
	return "/" + q.endpoint + "/" + key + "/"
}

// URL returns the absolute URL of key under base.
func (q *Query) URL(base, key string) string {
	return strings.TrimRight(base, "/") + q.Path(key)
}

// Dispatch runs the route registered under key. It returns false when no
// route matched or the caller lacks the capability; the request then falls
// through to whatever would have handled it otherwise.
func (q *Query) Dispatch(c *gin.Context, key string, caller Caller) bool {
	switch r := q.routes[key].(type) {
	case Public:
		r.Handler(c)
		return true
	case Protected:
		if caller == nil || !caller.Can(r.Capability) {
			return false
		}
		r.Handler(c)
		return true
	default:
		return false
	}
}
