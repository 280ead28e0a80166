// Package rabbitmq manages the broker connection and the shared channel.
//
// This package includes:
//   - ConnectionManager: one lazily dialed connection with automatic reconnection
//   - ChannelManager: one shared channel that replays keyed setups and consumers
//     every time it is reopened
//
// Nothing here knows about routes or payloads; transports/rabbitmq adapts the
// ChannelManager to the messaging package.
package rabbitmq
