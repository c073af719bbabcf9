/*
Package coord provides distributed coordination over redis: TTL leases with
monotonic generations, pub/sub event channels, and set-if-absent idempotency
keys.

Leases back leader election and per-resource exclusive access. Acquisition is
a single script that refuses held keys, bumps a per-key generation counter,
and sets "<holder>|<generation>" with a TTL. Renew and release are
compare-and-set scripts on that exact value, so a holder that lost its lease
can never extend or delete a successor's.

Pub/sub channels fan events out without persistence. Subscribers receive on
buffered channels; when a consumer falls behind, events are dropped and
counted in metrics rather than blocking the receive loop.

When a sentinel master name is configured, the client connects through the
failover client and follows master elections transparently.
*/
package coord
