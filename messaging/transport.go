package messaging

import (
	"context"

	"github.com/glimte/courier/contracts"
)

// Kind identifies a transport strategy
type Kind string

const (
	// KindTopic is fire-and-forget publish/subscribe over a topic exchange
	KindTopic Kind = "topic"
	// KindRPC is request/reply over the broker with correlation ids
	KindRPC Kind = "rpc"
	// KindPointToPoint is request/reply over direct service calls
	KindPointToPoint Kind = "p2p"
)

// CarriesReplies reports whether Send returns a reply
func (k Kind) CarriesReplies() bool {
	return k == KindRPC || k == KindPointToPoint
}

// Role is the side of a route an endpoint plays
type Role int

const (
	RolePublisher Role = iota
	RoleListener
)

func (r Role) String() string {
	if r == RoleListener {
		return "listener"
	}
	return "publisher"
}

// Endpoint is one concrete event or listener bound to its route
type Endpoint struct {
	Route contracts.Route
	Role  Role
	// CorrelationID is set for request/reply publishers
	CorrelationID string
}

// DeliveryHandler handles an encoded payload and returns the encoded reply.
// Fire-and-forget transports ignore the reply.
type DeliveryHandler func(ctx context.Context, body []byte) ([]byte, error)

// Transport is the strategy an Event, Call or Listener sends and receives through
type Transport interface {
	// Kind returns the strategy kind
	Kind() Kind

	// Prepare registers whatever topology or client the endpoint needs.
	// It is idempotent.
	Prepare(ctx context.Context, endpoint Endpoint) error

	// Send delivers the envelope. Request/reply transports block until the
	// correlated reply arrives or ctx ends and return the reply body.
	Send(ctx context.Context, endpoint Endpoint, envelope contracts.Envelope) ([]byte, error)

	// Serve starts handling messages for a listener endpoint. It does not block.
	Serve(ctx context.Context, endpoint Endpoint, handler DeliveryHandler) error
}

// Registrar is implemented by transports that register a route when an
// endpoint is constructed, before Prepare.
type Registrar interface {
	Register(route contracts.Route) error
}
