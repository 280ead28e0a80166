package contracts

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultNamespace prefixes RPC work queue names
const DefaultNamespace = "Rmq"

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Route fixes where a concrete event or listener sends and receives.
//
// Name is the explicit identifier of the concrete type. It replaces any
// name derived from runtime type information and is used for reply queue
// names and point-to-point service names, so it must be a plain identifier.
type Route struct {
	Name     string `json:"name"`
	Exchange string `json:"exchange"`
	Topic    string `json:"topic"`
}

// NewRoute creates a validated route
func NewRoute(name, exchange, topic string) (Route, error) {
	r := Route{Name: name, Exchange: exchange, Topic: topic}
	if err := r.Validate(); err != nil {
		return Route{}, err
	}
	return r, nil
}

// MustRoute is like NewRoute but panics on an invalid route.
// Intended for package-level route declarations.
func MustRoute(name, exchange, topic string) Route {
	r, err := NewRoute(name, exchange, topic)
	if err != nil {
		panic(err)
	}
	return r
}

// Validate checks that every part of the route is usable
func (r Route) Validate() error {
	if !identifierPattern.MatchString(r.Name) {
		return fmt.Errorf("%w: name %q must match %s", ErrInvalidRoute, r.Name, identifierPattern)
	}
	if err := validateSegment("exchange", r.Exchange); err != nil {
		return err
	}
	return validateSegment("topic", r.Topic)
}

func validateSegment(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s must not be blank", ErrInvalidRoute, field)
	}
	if strings.ContainsAny(value, " \t\r\n") {
		return fmt.Errorf("%w: %s %q must not contain whitespace", ErrInvalidRoute, field, value)
	}
	return nil
}

// Queue returns the plain subscription queue: "<exchange>.<topic>"
func (r Route) Queue() string {
	return r.Exchange + "." + r.Topic
}

// WorkQueue returns the durable RPC work queue: "<namespace>.rpc.<exchange>.<topic>".
// An empty namespace falls back to DefaultNamespace.
func (r Route) WorkQueue(namespace string) string {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return strings.Join([]string{namespace, "rpc", r.Exchange, r.Topic}, ".")
}

// ReplyQueue returns the exclusive per-call reply queue:
// "<name>.<exchange>.<topic>.<correlationId>"
func (r Route) ReplyQueue(correlationID string) string {
	return strings.Join([]string{r.Name, r.Exchange, r.Topic, correlationID}, ".")
}

// String implements fmt.Stringer
func (r Route) String() string {
	return r.Name + "(" + r.Exchange + "/" + r.Topic + ")"
}
