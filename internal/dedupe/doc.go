// Package dedupe makes inbound message submission idempotent. Channel adapters
// retry deliveries; a message carrying the same adapter message id within the
// TTL window is reported as a duplicate instead of being appended twice.
package dedupe
