// Package alerts evaluates threshold rules against device status and raises
// alerts for emergency recognition results. Firing and resolved alerts are
// delivered to Slack, Teams or generic HTTP webhooks.
package alerts
