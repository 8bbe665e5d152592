package peer

import "encoding/json"

// Storage peers are external programs that do not share generated message
// types with warden, so the peer protocol rides on gRPC with plain JSON
// frames. The codec is forced per call; connections keep the default proto
// codec for the standard health checking service.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return "json" }

// Full method names of the warden peer protocol. Every registered storage
// node is expected to serve these.
const (
	challengeMethod = "/warden.peer.PeerService/Challenge"
	replicateMethod = "/warden.peer.PeerService/Replicate"
)

type challengeRequest struct {
	RepoHash string `json:"repo_hash"`
	Nonce    string `json:"nonce"`
}

type challengeResponse struct {
	// Proof is the hex encoded digest binding the node's copy of the
	// repository to the challenge nonce.
	Proof string `json:"proof"`
}

type replicateRequest struct {
	OrderID  string `json:"order_id"`
	RepoHash string `json:"repo_hash"`
	// SourceEndpoint is the host:port of a node holding a healthy replica to
	// fetch from. It is empty when no healthy source remains and the node is
	// expected to restore the repository from its origin.
	SourceEndpoint string `json:"source_endpoint,omitempty"`
}

type replicateResponse struct{}
