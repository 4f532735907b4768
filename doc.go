// Package brocker is a cluster-aware wrapper around an AMQP 0-9-1 broker
// (e.g. RabbitMQ) that comes with:
//
// * Round-robin failover across a cluster of nodes, with bounded retry
//
// * Automatic reconnection and channel resurrection after a drop
//
// * Declarative topology assertion (exchanges, queues, bindings)
//
// * A message codec with sane defaults and a composable subscriber
//   handler chain with automatic ack/nack/dead-letter semantics
//
// The wire protocol itself is handled by
// github.com/rabbitmq/amqp091-go; this package is the connection-lifecycle
// and delivery-pipeline core layered on top of it.
//
// For an example, refer to the rabbitctl command in cmd/rabbitctl.
package brocker

import (
	"context"
	"crypto/tls"
	"net"
	"time"
)

// Both of these are small seams kept around the teacher's own Dial-closure
// idiom (see dihedron-rabbit's amqp.Config.Dial field) so that connection
// timeouts apply identically on the first connect and every reconnect.

func dialerWithTimeout(timeout time.Duration) func(network, addr string) (net.Conn, error) {
	return func(network, addr string) (net.Conn, error) {
		conn, err := net.DialTimeout(network, addr, timeout)
		if err != nil {
			return nil, err
		}
		if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			return nil, err
		}
		return conn, nil
	}
}

func tlsConfigFor(endpoint Endpoint) *tls.Config {
	if endpoint.Protocol != ProtocolAMQPS {
		return nil
	}
	return &tls.Config{MinVersion: tls.VersionTLS12}
}

// backgroundIfNil returns ctx unless it is nil, in which case it returns
// context.Background(). Broker.Connect and Broker.Close accept a nil
// context this way; the other methods pass ctx through unchanged.
func backgroundIfNil(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
