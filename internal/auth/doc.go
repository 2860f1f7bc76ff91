// Package auth authenticates API callers with HS256 JWTs. The token's sub
// claim names the caller and the roles claim carries its roles; the admin or
// owner role is required for privileged operations such as force-release.
// With no secret configured, authentication is disabled and the gateway logs
// a warning at startup.
package auth
