// Package progress fans bus events out to operators: a websocket hub for
// dashboards and a redis pub/sub relay for other processes.
package progress
