// Package logx is the zerolog wrapper used across outreach.
//
// Console output is human readable, file output is JSON. Loggers derived from
// a Service keep working across Service.Apply, so a config reload can change
// the level or the sinks without rebuilding components.
package logx
