// Package rabbitmq is the broker connectivity core of the mail server.
//
// This package includes:
//   - Configuration: validated, immutable connection settings built with ConfigurationBuilder
//   - DeclarationPolicy: reconciles requested queue flags with quorum queues
//   - ConnectionFactory: opens connections with retry, cluster rotation and TLS
//   - ConnectionPool: owns the single ResilientConnection, which recovers on its own
//   - ChannelPool: bounded channel pool with FIFO borrowers and a borrow deadline
//   - TopologyManager and Publisher: declarations and publishes over borrowed channels
//
// Every borrowed channel must be released or closed by its borrower. A
// channel closed by the broker is dropped and replaced on the next borrow.
package rabbitmq
