// Package grpc is a point-to-point transport built on a protobuf schema that is
// assembled at runtime.
//
// Every route becomes a service in package courier.p2p named after the route
// name, with one method Publish(Event) returns (Listener). The request carries the
// JSON payload in Event.data and the reply carries the JSON result in
// Listener.message. Requests and replies are encoded with dynamicpb, so no
// generated code is involved.
//
//	registry := grpc.NewRegistry()
//	server := grpc.NewServer("127.0.0.1:50051", registry)
//	p2p := grpc.NewTransport(registry, server)
//
//	call, err := messaging.NewCall[Ping, string](p2p, route, Ping{})
//	reply, err := messaging.DispatchCall(ctx, call)
package grpc
