// Package httpapi is the operator API: tenant lifecycle, job control, the
// websocket progress feed and engine stats, served with chi behind an
// optional bearer token.
package httpapi
