/*
Package ws pushes notifications to connected nodes.

A Broadcaster keeps three pieces of process-local state: the socket
registry (one private sink per Identity), the fairness rotation (a FIFO of
identities) and the global fan-out hub. Periodic pushes go to the next
window of the rotation, and the selected identities are re-appended to the
tail, so every node is visited equally often over time.

ConnectionManager binds a Broadcaster to a TaskScheduler and to the
cron-report settings stored as the server user's CronReports aggregate.
Handler upgrades HTTP requests to WebSocket connections and wires each
socket into the Broadcaster.

Delivery is best effort. Nothing is acknowledged or retried.
*/
package ws
