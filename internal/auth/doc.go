// Package auth authenticates callers of the handoff gateway HTTP API.
//
// # Tokens
//
// Callers present HS256 JWTs signed with the configured jwt_secret:
//
//	{"sub": "agent-42", "role": "agent", "org": "org-1", "exp": ...}
//
// Roles:
//
//   - agent: human support agent; reads conversations, locks, replies, handles alerts
//   - admin: everything an agent can do plus unlock override and archive; an
//     admin token without "org" sees every organization
//   - channel: channel adapter; ensures conversations and submits customer messages
//   - responder: external responder; posts ai messages and classifications
//
// Every non-admin token must carry "org". Handlers check Identity.CanAccess
// before touching a conversation of another organization.
//
// # Development Mode
//
// When no secret is configured the middleware trusts the X-Agent-ID,
// X-Organization-ID and X-Role headers instead. This is meant for local runs
// with the fake responder; never expose it.
//
// # Context
//
// HTTPAuthMiddleware stores the *Identity in the request context; handlers
// read it with FromContext. RequireRole gates routes by role.
package auth
