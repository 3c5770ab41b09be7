// Package mqtt connects Concierge to an MQTT broker so approvals can
// be handled from outside the chat. Every conversation event is
// published as JSON, each action awaiting approval is kept as a
// retained message until it is resolved, and verdicts published to
// the verdict topic are applied to the conversation they name.
//
// The publisher also registers a small Home Assistant device through
// MQTT discovery (pending approvals, tokens used today, uptime) so the
// approval queue shows up on a dashboard.
//
// Connection management uses Eclipse Paho v2's [autopaho] package. On
// every (re-)connect the discovery payloads, a birth message and the
// verdict subscription are re-established; a will message marks the
// device offline on unexpected disconnects.
package mqtt
