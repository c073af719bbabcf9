/*
Package webhook receives hosting-service event deliveries and turns them into
queued work.

Every delivery passes a fixed gauntlet: body size cap, constant-time HMAC
SHA-256 signature verification, event-type whitelist, repository name
validation, and delivery-id deduplication. Whitelisted events are persisted
raw, then a process_webhook job referencing the stored delivery is enqueued;
the job payload never carries the body itself, which may be far larger than
the job payload limit.

Unknown event types and duplicate deliveries are acknowledged with 200 so the
sender does not retry them. Store or queue unavailability answers 503 with
Retry-After, leaving the delivery unprocessed for a later sweep.
*/
package webhook
