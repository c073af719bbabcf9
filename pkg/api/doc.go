/*
Package api serves the orchestrator's HTTP control surface.

One listener carries everything: the authenticated /api tree, the
unauthenticated /health and /ready probes, and webhook ingress at /webhook
(HMAC-verified by its own handler). Authentication is bearer tokens issued
by /api/auth/login against the bootstrap admin credentials; tokens live in
memory with a TTL and die with the process.

Two fixed-window rate limits apply: a per-token limit on data endpoints and
a stricter per-IP limit on login attempts. Rejections carry Retry-After.

Errors leave every endpoint in one canonical envelope,

	{"success": false, "error": {"code", "message", "details?", "timestamp", "request_id"}}

with the HTTP status derived from the structured error kind. Internal
causes are reduced to "internal error" before they reach a client.

The websocket endpoint at /api/ws bridges the coordination store's pub/sub
channels to the client, one JSON event per message.
*/
package api
