// Package rabbitmq provides the broker-facing layer of burrow.
//
// This package includes:
//   - Connection and Channel: the seam over amqp091-go used by everything else
//   - ConnectionManager: owns one connection per URL with automatic reconnection
//   - ChannelPool: caches channels by purpose over that connection
//   - AssertQueue: declares the single queue a consumer or reply path needs
//
// The implementation focuses on sharing work between concurrent callers:
//   - Concurrent connection requests share one in-flight dial
//   - Concurrent channel requests for a key share one in-flight channel
//   - Closed connections and channels are dropped and recreated on demand
package rabbitmq
