// Package transport implements C10: the remote-worker RPC transport
// (spec.md §6 "Worker transport"). Grounded on internal/gossip/server.go's
// mTLS gRPC server shape (TLS 1.3, RequireAndVerifyClientCert, GracefulStop
// on ctx-done), generalized from the gossip envelope/quorum protocol to the
// scheduler's six worker RPCs.
//
// The teacher's gossip service is defined against a protoc-generated
// gossipv1 package that has no equivalent here (no .proto was retrieved for
// this spec). Rather than hand-author .pb.go stubs, the worker service is
// registered directly against grpc.Server/ClientConn with a plain JSON
// codec (jsonCodec below) forced in place of the default proto codec via
// ForceServerCodec/ForceCodec — gRPC's wire framing, flow control, and TLS
// transport are unchanged; only the per-message encoding differs.
package transport

import "encoding/json"

// jsonCodec implements google.golang.org/grpc/encoding.Codec, replacing
// the default protobuf wire encoding with JSON. Every request/response
// type in this package is a plain struct with json tags; there is no
// protoreflect.Message to satisfy, so this is the only codec that can
// serve them.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return "json" }
