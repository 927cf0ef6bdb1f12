// Package domain holds the shared types of outreach: tenants, jobs, job items
// and the state machines that govern them.
//
// The types are plain data. Persistence lives in internal/storage, lifecycle
// decisions live in internal/tenant and internal/dispatch.
package domain
