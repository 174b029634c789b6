// Package bridge connects the local connection registry to the distributed
// Pub/Sub fabric. One bridge per replica owns a single substrate connection,
// subscribes to a document channel on first local interest, unsubscribes
// (after a linger) on last, and demultiplexes inbound traffic back into the
// registry.
package bridge

import (
	"context"
	"strings"
)

// channelPrefix is the naming convention for document channels.
const channelPrefix = "doc:"

// Message is one inbound Pub/Sub delivery.
type Message struct {
	// Channel is the channel the message was published to.
	Channel string
	// Payload is the serialized envelope.
	Payload []byte
}

// Substrate is the single connection to the Pub/Sub fabric. Implementations
// must deliver messages in per-channel FIFO order.
type Substrate interface {
	// Subscribe registers interest in a channel.
	Subscribe(ctx context.Context, channel string) error
	// Unsubscribe removes interest in a channel.
	Unsubscribe(ctx context.Context, channel string) error
	// Publish sends a payload to every subscriber of a channel.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Receive blocks until the next message arrives or the context is done.
	Receive(ctx context.Context) (*Message, error)
	// Close tears down the connection, unblocking any pending Receive.
	Close() error
}

// ChannelFor returns the Pub/Sub channel for a document.
func ChannelFor(docID string) string {
	return channelPrefix + docID
}

// docIDFromChannel recovers the document ID from a channel name.
func docIDFromChannel(channel string) (string, bool) {
	if !strings.HasPrefix(channel, channelPrefix) {
		return "", false
	}
	id := channel[len(channelPrefix):]
	return id, id != ""
}
