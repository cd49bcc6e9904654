// Package api hosts the HTTP handlers of the upload protocol, job status
// polling and live room statistics.
//
// Every response uses the same envelope: {"success": true, ...} on success
// and {"success": false, "error": "<reason>"} on failure. Domain errors are
// mapped to status codes in one place (statusFor) so handlers only decide
// what to call, never how failures look on the wire. Internal failures are
// logged with the request id and reported as "internal error".
//
// Handlers assume upstream middleware from internal/server has already
// attached request ids, logging and metrics.
package api
