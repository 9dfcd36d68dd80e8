package secrets

import (
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
)

const (
	protoPackage = "secret_service"
	serviceName  = protoPackage + ".SecretService"

	methodCreate = "/" + serviceName + "/CreateSecret"
	methodUpdate = "/" + serviceName + "/UpdateSecret"
	methodDelete = "/" + serviceName + "/DeleteSecret"
	methodList   = "/" + serviceName + "/GetAllSecrets"
)

// descriptors holds the resolved message types of the secret service contract.
type descriptors struct {
	createReq protoreflect.MessageDescriptor
	updateReq protoreflect.MessageDescriptor
	deleteReq protoreflect.MessageDescriptor
	listReq   protoreflect.MessageDescriptor
	listResp  protoreflect.MessageDescriptor
	simple    protoreflect.MessageDescriptor
	secret    protoreflect.MessageDescriptor
}

var schema = sync.OnceValues(buildSchema)

func scalar(name string, number int32, typ descriptorpb.FieldDescriptorProto_Type) *descriptorpb.FieldDescriptorProto {
	return &descriptorpb.FieldDescriptorProto{
		Name:     proto.String(name),
		JsonName: proto.String(name),
		Number:   proto.Int32(number),
		Label:    descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
		Type:     typ.Enum(),
	}
}

func message(name string, fields ...*descriptorpb.FieldDescriptorProto) *descriptorpb.DescriptorProto {
	return &descriptorpb.DescriptorProto{Name: proto.String(name), Field: fields}
}

func rpc(name, in, out string) *descriptorpb.MethodDescriptorProto {
	return &descriptorpb.MethodDescriptorProto{
		Name:       proto.String(name),
		InputType:  proto.String("." + protoPackage + "." + in),
		OutputType: proto.String("." + protoPackage + "." + out),
	}
}

// buildSchema assembles secret_service.proto in memory so the client needs no generated code.
func buildSchema() (*descriptors, error) {
	const (
		str   = descriptorpb.FieldDescriptorProto_TYPE_STRING
		i64   = descriptorpb.FieldDescriptorProto_TYPE_INT64
		boolT = descriptorpb.FieldDescriptorProto_TYPE_BOOL
	)
	writeFields := func() []*descriptorpb.FieldDescriptorProto {
		return []*descriptorpb.FieldDescriptorProto{
			scalar("runner_id", 1, str),
			scalar("environment_id", 2, str),
			scalar("secret_key", 3, str),
			scalar("secret_value", 4, str),
		}
	}
	secretsField := &descriptorpb.FieldDescriptorProto{
		Name:     proto.String("secrets"),
		JsonName: proto.String("secrets"),
		Number:   proto.Int32(1),
		Label:    descriptorpb.FieldDescriptorProto_LABEL_REPEATED.Enum(),
		Type:     descriptorpb.FieldDescriptorProto_TYPE_MESSAGE.Enum(),
		TypeName: proto.String("." + protoPackage + ".Secret"),
	}

	fdp := &descriptorpb.FileDescriptorProto{
		Name:    proto.String("secret_service.proto"),
		Package: proto.String(protoPackage),
		Syntax:  proto.String("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{
			message("CreateSecretRequest", writeFields()...),
			message("UpdateSecretRequest", writeFields()...),
			message("DeleteSecretRequest",
				scalar("runner_id", 1, str),
				scalar("environment_id", 2, str),
				scalar("secret_key", 3, str),
			),
			message("SimpleSecretResponse",
				scalar("success", 1, boolT),
				scalar("message", 2, str),
				scalar("version", 3, i64),
			),
			message("GetAllSecretsRequest",
				scalar("runner_id", 1, str),
				scalar("environment_id", 2, str),
				scalar("version", 3, i64),
			),
			message("Secret",
				scalar("key", 1, str),
				scalar("value", 2, str),
			),
			message("GetAllSecretsResponse", secretsField, scalar("version", 2, i64)),
		},
		Service: []*descriptorpb.ServiceDescriptorProto{{
			Name: proto.String("SecretService"),
			Method: []*descriptorpb.MethodDescriptorProto{
				rpc("CreateSecret", "CreateSecretRequest", "SimpleSecretResponse"),
				rpc("UpdateSecret", "UpdateSecretRequest", "SimpleSecretResponse"),
				rpc("DeleteSecret", "DeleteSecretRequest", "SimpleSecretResponse"),
				rpc("GetAllSecrets", "GetAllSecretsRequest", "GetAllSecretsResponse"),
			},
		}},
	}

	fd, err := protodesc.NewFile(fdp, nil)
	if err != nil {
		return nil, err
	}
	msgs := fd.Messages()
	return &descriptors{
		createReq: msgs.ByName("CreateSecretRequest"),
		updateReq: msgs.ByName("UpdateSecretRequest"),
		deleteReq: msgs.ByName("DeleteSecretRequest"),
		listReq:   msgs.ByName("GetAllSecretsRequest"),
		listResp:  msgs.ByName("GetAllSecretsResponse"),
		simple:    msgs.ByName("SimpleSecretResponse"),
		secret:    msgs.ByName("Secret"),
	}, nil
}
