package grpc

import (
	"fmt"
	"regexp"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
)

const (
	// PackageName is the protobuf package every service lives in
	PackageName = "courier.p2p"

	// FileName is the name of the generated schema file
	FileName = "courier/p2p.proto"

	// MethodName is the one method each service exposes
	MethodName = "Publish"

	requestMessage = "Event"
	replyMessage   = "Listener"
	requestField   = "data"
	replyField     = "message"
)

var serviceNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// FullMethod returns the gRPC method path of a service
func FullMethod(service string) string {
	return "/" + PackageName + "." + service + "/" + MethodName
}

// Registry is the schema every point-to-point service is compiled from:
//
//	syntax = "proto3";
//	package courier.p2p;
//	message Event { string data = 1; }
//	message Listener { string message = 1; }
//	service <Name> { rpc Publish (Event) returns (Listener); }
//
// Services can be added at any time; the schema is recompiled on next use.
type Registry struct {
	mu       sync.Mutex
	services []string
	known    map[string]bool
	compiled protoreflect.FileDescriptor
}

// NewRegistry creates a registry with no services
func NewRegistry() *Registry {
	return &Registry{known: make(map[string]bool)}
}

// AddService adds a service if absent. It reports whether the service was added.
func (r *Registry) AddService(name string) (bool, error) {
	if !serviceNamePattern.MatchString(name) {
		return false, fmt.Errorf("invalid service name %q", name)
	}
	if name == requestMessage || name == replyMessage {
		return false, fmt.Errorf("service name %q collides with a message type", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.known[name] {
		return false, nil
	}
	r.known[name] = true
	r.services = append(r.services, name)
	r.compiled = nil
	return true, nil
}

// Has reports whether the service is registered
func (r *Registry) Has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.known[name]
}

// Services returns the registered services in registration order
func (r *Registry) Services() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.services...)
}

// Compile builds the file descriptor of the current schema
func (r *Registry) Compile() (protoreflect.FileDescriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.compiled != nil {
		return r.compiled, nil
	}

	file, err := protodesc.NewFile(r.fileProto(), new(protoregistry.Files))
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	r.compiled = file
	return file, nil
}

// Method returns the Publish method of a registered service
func (r *Registry) Method(service string) (protoreflect.MethodDescriptor, error) {
	file, err := r.Compile()
	if err != nil {
		return nil, err
	}

	sd := file.Services().ByName(protoreflect.Name(service))
	if sd == nil {
		return nil, fmt.Errorf("service %s is not registered", service)
	}
	md := sd.Methods().ByName(MethodName)
	if md == nil {
		return nil, fmt.Errorf("service %s has no %s method", service, MethodName)
	}
	return md, nil
}

// fileProto builds the schema. Callers hold r.mu.
func (r *Registry) fileProto() *descriptorpb.FileDescriptorProto {
	services := make([]*descriptorpb.ServiceDescriptorProto, 0, len(r.services))
	for _, name := range r.services {
		services = append(services, &descriptorpb.ServiceDescriptorProto{
			Name: proto.String(name),
			Method: []*descriptorpb.MethodDescriptorProto{{
				Name:       proto.String(MethodName),
				InputType:  proto.String("." + PackageName + "." + requestMessage),
				OutputType: proto.String("." + PackageName + "." + replyMessage),
			}},
		})
	}

	return &descriptorpb.FileDescriptorProto{
		Name:    proto.String(FileName),
		Package: proto.String(PackageName),
		Syntax:  proto.String("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{
			stringMessage(requestMessage, requestField),
			stringMessage(replyMessage, replyField),
		},
		Service: services,
	}
}

func stringMessage(name, field string) *descriptorpb.DescriptorProto {
	return &descriptorpb.DescriptorProto{
		Name: proto.String(name),
		Field: []*descriptorpb.FieldDescriptorProto{{
			Name:     proto.String(field),
			JsonName: proto.String(field),
			Number:   proto.Int32(1),
			Label:    descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
			Type:     descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(),
		}},
	}
}
