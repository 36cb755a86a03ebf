// The transport channel to the engine. The client binds a REP socket; the
// engine connects with REQ and always speaks first, so every step is a strict
// Recv→Send pair. There is no receive timeout: the engine is trusted to
// answer except at process termination.

package sim

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"github.com/go-zeromq/zmq4"
)

// NetworkHandler exchanges whole protocol envelopes with the engine.
// Implementations are not safe for concurrent use; the control loop is the
// single caller.
type NetworkHandler interface {
	// Bind binds the channel before the engine connects.
	Bind() error
	// Recv blocks until the engine's next event envelope arrives.
	Recv() (*Message, error)
	// Send delivers a request envelope to the engine.
	Send(*RequestMessage) error
	// Close releases the channel. Safe to call when never bound.
	Close() error
	// Address returns the endpoint the engine should connect to.
	Address() string
}

type zmqNetwork struct {
	addr string
	sock zmq4.Socket
}

func newZMQNetwork(addr string) *zmqNetwork {
	return &zmqNetwork{addr: addr}
}

func (n *zmqNetwork) Bind() error {
	n.sock = zmq4.NewRep(context.Background())
	if err := n.sock.Listen(n.addr); err != nil {
		n.sock = nil
		return fmt.Errorf("binding %s: %w", n.addr, err)
	}
	return nil
}

func (n *zmqNetwork) Recv() (*Message, error) {
	raw, err := n.sock.Recv()
	if err != nil {
		return nil, fmt.Errorf("receiving from %s: %w", n.addr, err)
	}
	msg := &Message{}
	if err := json.Unmarshal(raw.Bytes(), msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (n *zmqNetwork) Send(m *RequestMessage) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding request message: %w", err)
	}
	if err := n.sock.Send(zmq4.NewMsg(data)); err != nil {
		return fmt.Errorf("sending to %s: %w", n.addr, err)
	}
	return nil
}

func (n *zmqNetwork) Close() error {
	if n.sock == nil {
		return nil
	}
	err := n.sock.Close()
	n.sock = nil
	return err
}

func (n *zmqNetwork) Address() string { return n.addr }

// freeTCPAddress asks the kernel for an unused local port and returns a
// tcp:// endpoint suitable for the engine's -s flag.
func freeTCPAddress() (string, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("probing for a free port: %w", err)
	}
	addr := l.Addr().String()
	if err := l.Close(); err != nil {
		return "", err
	}
	return "tcp://" + addr, nil
}
