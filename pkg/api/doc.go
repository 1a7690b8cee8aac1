/*
Package api is the node-facing surface of the coordinator.

Service implements the request operations (GetTask, SubmitTask,
SubmitBandwidth, CheckToken, GetStats) on top of the tasks service, the
aggregation pipeline and the token cache. Server exposes them as JSON over
HTTP next to the WebSocket endpoint, /metrics and /health.

Errors are mapped to status codes at the HTTP boundary: identity failures
are 401, admission denials 429, a missing address header 400 and anything
else 500. GetTask is the exception for admission: a denied poll is answered
with a null task so nodes simply poll again.
*/
package api
