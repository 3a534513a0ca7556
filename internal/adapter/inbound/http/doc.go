// Package http is the inbound HTTP adapter of OrgBridge.
//
// It serves three audiences from one listener:
//
//	GET  /oauth/authorize              - issue an authorization code (browser)
//	POST /oauth/token                  - exchange a code or refresh token (client)
//	GET  /mcp                          - open an event stream (client, bearer token)
//	POST /mcp[?session_id=]            - send a JSON-RPC message (client, bearer token)
//	DELETE /mcp?session_id=            - end a stream (client, bearer token)
//	GET  /api/grants                   - list own grants (browser)
//	POST /api/grants/{id}/revoke       - revoke own grant (browser)
//	GET  /admin/grants?user_id=        - list a user's grants (admin key)
//	POST /admin/grants/{id}/revoke     - revoke any grant (admin key)
//	POST /admin/memberships/revoke     - cascade a lost membership (admin key)
//	GET  /health, GET /metrics
//
// Browser requests are attributed to a user by an IdentityProvider; the
// default trusts the X-Authenticated-User header of an authenticating
// reverse proxy.
//
// # Streams
//
// A GET /mcp stream first sends an "endpoint" event whose data is the URL
// to post messages to. Responses to those messages arrive as "message"
// events. The stream re-validates its token periodically and before every
// push, and closes as soon as the token or its grant stops being valid.
// Closing cancels every tool call still running for the stream.
//
// Without session_id, POST /mcp answers in the HTTP response body.
//
// # Errors
//
// Gateway authentication failures are always a plain-text 401 with
// WWW-Authenticate: Bearer. Tool failures are reported inside JSON-RPC:
// unknown tools and invalid arguments as -32602, rate limiting as -32029
// with data.retry_after_seconds, execution failures and timeouts as a
// result with isError set.
package http
