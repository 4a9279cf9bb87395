package metrics

import "chatgate/internal/domain"

var latencyBuckets = []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120}

// ChannelMessage counts one message on channelID in direction dir.
func ChannelMessage(channelID string, dir domain.Direction) {
	Default.Counter("chatgate_channel_messages_total", "Channel messages by direction",
		Labels("channel", channelID, "direction", string(dir))).Inc()
}

// DispatchFailure counts a dispatch that ended in the fallback reply.
func DispatchFailure(channelID string) {
	Default.Counter("chatgate_dispatch_failures_total", "Dispatches that ended in the fallback reply",
		Labels("channel", channelID)).Inc()
}

// StreamChunkFailure counts a failed incremental delivery.
func StreamChunkFailure(channelID string) {
	Default.Counter("chatgate_stream_chunk_failures_total", "Failed stream chunk deliveries",
		Labels("channel", channelID)).Inc()
}

// WebhookRejected counts webhook requests refused by the ingress limiter.
func WebhookRejected(channelID string) {
	Default.Counter("chatgate_webhook_rate_limited_total", "Webhook requests rejected by the ingress limiter",
		Labels("channel", channelID)).Inc()
}

// DispatchLatency observes the end-to-end processing time in seconds.
func DispatchLatency(channelID string, seconds float64) {
	Default.Histogram("chatgate_dispatch_latency_seconds", "Dispatch pipeline latency in seconds",
		Labels("channel", channelID), latencyBuckets).Observe(seconds)
}

// GatewayConnections is the current number of authenticated socket sessions.
var GatewayConnections = Default.Gauge("chatgate_gateway_connections", "Current gateway socket sessions", "")
