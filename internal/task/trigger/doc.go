// Package trigger describes when recurring tasks fire (cron, interval or a
// combination) and computes their next occurrence from an explicit "now".
package trigger
