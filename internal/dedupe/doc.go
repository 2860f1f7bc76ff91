// Package dedupe makes execution submission idempotent. Callers that retry a
// submit (network flake, client crash) attach the same idempotency key; the
// cache maps each key to the execution it originally admitted within a
// configurable window.
package dedupe
