/*
Package models defines the persistent and wire types shared by the
node-coordinator packages.

Persistent types (bun models, one table each):

	User       users        registered node owners, email stored lower-case
	ApiToken   api_tokens   credentials; exactly one Active token per user is consulted
	Task       tasks        work items: Pending -> Assigned -> Completed | Failed
	Aggregate  aggregates   one row per (user_id, name), jsonb value, null = uninitialised
	DailyStat  daily_stats  one row per (user_id, day), additive counters
	Perk       perks        point multipliers and one-time bonuses

Aggregate values are untyped JSON at the storage boundary. Callers convert them
on read with Aggregate.Numeric, which yields a NullFloat:

	agg.Numeric().OrZero()        // null coalesces to 0
	agg.Numeric().Smooth(report)  // (stored + report) / 2

Wire types:

	Identity         (user_id, ip) key for the socket registry and rotation queue
	WsServerMessage  immutable notification payload, Clone() before mutating
	CronReportSettings  periodic report cadence, stored in the CronReports aggregate

Errors:

Sentinel errors are grouped by how callers should react: identity errors
(ErrUserNotFound, ErrApiTokenNotFound, ErrApiTokenMismatch) are hard
rejections, admission errors (ErrRateLimited, ErrQuotaExhausted,
ErrQuotaUnknown) mean "try later". Use IsIdentityError / IsAdmissionError
rather than comparing directly.
*/
package models
