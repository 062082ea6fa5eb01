// Package gateway is the synchronization facade of handoff-gateway.
//
// # Overview
//
// The gateway wires the conversation router, handoff lock manager and alert
// escalation engine to their store, coordination guard, responder client and
// outbound publishers, and serves them over HTTP.
//
// # HTTP API
//
// Every /api route requires a bearer token (or the X-Agent-ID, X-Organization-ID
// and X-Role headers when no JWT secret is configured):
//
//   - POST /api/conversations - ensure a conversation for a channel thread (channel)
//   - GET /api/conversations - list by organization and state (agent)
//   - GET /api/conversations/{id} - aggregate, messages and open alerts; ?render=html for a transcript
//   - POST /api/conversations/{id}/messages - submit a message and run the turn
//   - POST /api/conversations/{id}/lock, /unlock - take or release human control (agent)
//   - POST /api/conversations/{id}/resolve, /read, /classify (agent)
//   - POST /api/conversations/{id}/archive (admin)
//   - GET /api/conversations/{id}/events - SSE stream of committed changes
//   - GET /api/alerts, GET /api/alerts/events - alert queue and SSE feed (agent)
//   - POST /api/alerts/{id}/acknowledge, /resolve (agent)
//   - GET /health, GET /ready, GET /metrics
//
// Conversations and alerts of other organizations answer 404.
//
// # Error Mapping
//
//	validation           400 {"error","field","detail"}
//	not found            404
//	already locked       409 {"error","locked_by","locked_at"}
//	invalid transition   409 {"error","state","detail"}
//	archived             410
//	duplicate message    202 {"duplicate":true}
//
// # SSE Streaming
//
// Events are named "<type>.<action>":
//
//	event: message.appended
//	data: {"type":"message","action":"appended","message":{...},"conversation":{...}}
//
// Conversation streams open with a "snapshot" event; alert feeds with "ready".
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx) // blocks until ctx is cancelled, then shuts down
package gateway
