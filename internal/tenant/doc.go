// Package tenant supervises one connector handle per tenant.
//
// The Supervisor drives each tenant through
// UNINITIALIZED -> NEED_QR -> CONNECTING -> ONLINE -> OFFLINE from the
// events its connector emits, persists every transition, and republishes
// it on the event bus. On process start Recover reconnects the tenants that
// were ONLINE when the previous process exited.
package tenant
