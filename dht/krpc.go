package dht

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/go-viper/mapstructure/v2"
)

// KRPC message kinds ("y" field).
const (
	krpcQuery    = "q"
	krpcResponse = "r"
	krpcError    = "e"
)

// KRPC methods issued and answered by the node.
const (
	methodPing         = "ping"
	methodFindNode     = "find_node"
	methodGetPeers     = "get_peers"
	methodAnnouncePeer = "announce_peer"
)

// KRPC error codes.
const (
	krpcErrGeneric        = 201
	krpcErrProtocol       = 203
	krpcErrMethodUnknown  = 204
	krpcErrInvalidToken   = 203
	maxDatagramSize       = 1472
	transactionIDLength   = 2
	krpcErrInvalidArgsMsg = "Protocol Error"
)

// ErrMalformedKRPC indicates a datagram that decoded as bencode but is not
// a valid KRPC message. Such datagrams are dropped and counted.
var ErrMalformedKRPC = errors.New("malformed krpc message")

// krpcMessage is the decoded envelope of any KRPC datagram.
type krpcMessage struct {
	TransactionID string         `mapstructure:"t"`
	Kind          string         `mapstructure:"y"`
	Method        string         `mapstructure:"q"`
	Args          map[string]any `mapstructure:"a"`
	Response      map[string]any `mapstructure:"r"`
	Error         []any          `mapstructure:"e"`
}

// pingArgs is the argument dictionary of ping queries.
type pingArgs struct {
	ID string `mapstructure:"id"`
}

// findNodeArgs is the argument dictionary of find_node queries.
type findNodeArgs struct {
	ID     string `mapstructure:"id"`
	Target string `mapstructure:"target"`
}

// getPeersArgs is the argument dictionary of get_peers queries.
type getPeersArgs struct {
	ID       string `mapstructure:"id"`
	InfoHash string `mapstructure:"info_hash"`
}

// announcePeerArgs is the argument dictionary of announce_peer queries.
type announcePeerArgs struct {
	ID          string `mapstructure:"id"`
	InfoHash    string `mapstructure:"info_hash"`
	Port        int    `mapstructure:"port"`
	Token       string `mapstructure:"token"`
	ImpliedPort int    `mapstructure:"implied_port"`
}

// krpcResponseBody is the response dictionary shared by all methods.
type krpcResponseBody struct {
	ID     string   `mapstructure:"id"`
	Nodes  string   `mapstructure:"nodes"`
	Token  string   `mapstructure:"token"`
	Values []string `mapstructure:"values"`
}

// decodeKRPC parses a raw datagram into the envelope.
func decodeKRPC(data []byte) (*krpcMessage, error) {
	raw, err := BencodeUnmarshal(data)
	if err != nil {
		return nil, err
	}
	dict, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: not a dictionary", ErrMalformedKRPC)
	}

	var msg krpcMessage
	if err := mapstructure.Decode(dict, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKRPC, err)
	}
	if msg.TransactionID == "" || msg.Kind == "" {
		return nil, fmt.Errorf("%w: missing t or y", ErrMalformedKRPC)
	}
	return &msg, nil
}

// decodeArgs converts a query's argument dictionary into the typed struct
// for its method.
func decodeArgs(args map[string]any, out any) error {
	if args == nil {
		return fmt.Errorf("%w: missing arguments", ErrMalformedKRPC)
	}
	if err := mapstructure.Decode(args, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedKRPC, err)
	}
	return nil
}

// decodeResponseBody converts a response dictionary into its typed form.
func decodeResponseBody(resp map[string]any) (*krpcResponseBody, error) {
	if resp == nil {
		return nil, fmt.Errorf("%w: missing response body", ErrMalformedKRPC)
	}
	var body krpcResponseBody
	if err := mapstructure.Decode(resp, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKRPC, err)
	}
	return &body, nil
}

// newTransactionID returns a random 2-byte transaction identifier.
func newTransactionID() (string, error) {
	var b [transactionIDLength]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return string(b[:]), nil
}

// encodeQuery builds a query datagram.
func encodeQuery(txn, method string, args map[string]any) ([]byte, error) {
	return BencodeMarshal(map[string]any{
		"t": txn,
		"y": krpcQuery,
		"q": method,
		"a": args,
	})
}

// encodeResponse builds a response datagram.
func encodeResponse(txn string, body map[string]any) ([]byte, error) {
	return BencodeMarshal(map[string]any{
		"t": txn,
		"y": krpcResponse,
		"r": body,
	})
}

// encodeError builds an error datagram.
func encodeError(txn string, code int, message string) ([]byte, error) {
	return BencodeMarshal(map[string]any{
		"t": txn,
		"y": krpcError,
		"e": []any{code, message},
	})
}
