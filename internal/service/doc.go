// Package service implements the domain+name keyed service registry.
//
// A service is a named, domain-scoped action backed by a classified job and
// an optional JSON-schema payload validator compiled once at registration.
// Calls run fire-and-forget by default; blocking calls wait up to a timeout
// and detach the handler into supervised background work on expiry.
package service
