// Package rpc implements the Kademlia wire protocol: message envelopes,
// datagram fragmentation, and the UDP transport engine that turns them into
// futures the iterative lookup and node service can await (spec §4.4-§4.5).
package rpc

import (
	"fmt"

	"kadnode/bencode"
	"kadnode/identifier"
)

// Method names the four RPCs a node exposes (spec §7).
type Method string

const (
	MethodPing      Method = "PING"
	MethodStore     Method = "STORE"
	MethodFindNode  Method = "FIND_NODE"
	MethodFindValue Method = "FIND_VALUE"
)

// Message is the common envelope shared by requests, responses, and errors:
// a mapping carrying rpc_id, sender_id, and exactly one of
// {method,args}/{result}/{exception_type,exception_message} (spec §7,
// "Message envelope").
type Message struct {
	RPCID    identifier.ID
	SenderID identifier.ID

	// Request fields.
	Method Method
	Args   []interface{}

	// Response field.
	Result interface{}

	// Error fields.
	ExceptionType    string
	ExceptionMessage string
}

// Kind classifies a decoded Message by which fields are populated.
type Kind int

const (
	KindRequest Kind = iota
	KindResponse
	KindError
)

// Kind reports which of the three envelope shapes m represents.
func (m *Message) Kind() Kind {
	if m.Method != "" {
		return KindRequest
	}
	if m.ExceptionType != "" {
		return KindError
	}
	return KindResponse
}

// NewRequest builds a request envelope for method with the given arguments.
func NewRequest(rpcID, senderID identifier.ID, method Method, args []interface{}) *Message {
	return &Message{RPCID: rpcID, SenderID: senderID, Method: method, Args: args}
}

// NewResponse builds a successful response envelope.
func NewResponse(rpcID, senderID identifier.ID, result interface{}) *Message {
	return &Message{RPCID: rpcID, SenderID: senderID, Result: result}
}

// NewError builds a remote-error response envelope.
func NewError(rpcID, senderID identifier.ID, excType, excMessage string) *Message {
	return &Message{RPCID: rpcID, SenderID: senderID, ExceptionType: excType, ExceptionMessage: excMessage}
}

// Encode serializes m to its bencoded wire form.
func (m *Message) Encode() ([]byte, error) {
	dict := map[string]interface{}{
		"rpc_id":    []byte(m.RPCID[:]),
		"sender_id": []byte(m.SenderID[:]),
	}
	switch m.Kind() {
	case KindRequest:
		dict["method"] = string(m.Method)
		dict["args"] = m.Args
	case KindError:
		dict["exception_type"] = m.ExceptionType
		dict["exception_message"] = m.ExceptionMessage
	default:
		dict["result"] = m.Result
	}
	return bencode.Encode(dict)
}

// DecodeMessage parses a bencoded envelope. Any shape other than the three
// recognized ones is rejected with ErrMalformedMessage, per spec §4.4
// ("unknown top-level fields cause MalformedMessage").
func DecodeMessage(data []byte) (*Message, error) {
	v, err := bencode.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	dict, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: top-level value is not a mapping", ErrMalformedMessage)
	}

	rpcIDBytes, err := fieldBytes(dict, "rpc_id")
	if err != nil {
		return nil, err
	}
	senderIDBytes, err := fieldBytes(dict, "sender_id")
	if err != nil {
		return nil, err
	}

	msg := &Message{
		RPCID:    identifier.FromBytes(rpcIDBytes),
		SenderID: identifier.FromBytes(senderIDBytes),
	}

	_, hasMethod := dict["method"]
	_, hasResult := dict["result"]
	_, hasExcType := dict["exception_type"]

	// shapeFields counts the shape-specific keys, each already checked to be
	// present; anything beyond them plus rpc_id/sender_id is unknown.
	var shapeFields int
	switch {
	case hasMethod:
		methodBytes, err := fieldBytes(dict, "method")
		if err != nil {
			return nil, err
		}
		argsRaw, ok := dict["args"].([]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: request missing args list", ErrMalformedMessage)
		}
		msg.Method = Method(methodBytes)
		msg.Args = argsRaw
		shapeFields = 2
	case hasExcType:
		excType, err := fieldBytes(dict, "exception_type")
		if err != nil {
			return nil, err
		}
		excMsg, err := fieldBytes(dict, "exception_message")
		if err != nil {
			return nil, err
		}
		msg.ExceptionType = string(excType)
		msg.ExceptionMessage = string(excMsg)
		shapeFields = 2
	case hasResult:
		msg.Result = dict["result"]
		shapeFields = 1
	default:
		return nil, fmt.Errorf("%w: envelope matches none of request/response/error", ErrMalformedMessage)
	}
	if len(dict) != 2+shapeFields {
		return nil, fmt.Errorf("%w: unknown or mixed top-level fields", ErrMalformedMessage)
	}

	return msg, nil
}

func fieldBytes(dict map[string]interface{}, key string) ([]byte, error) {
	v, ok := dict[key]
	if !ok {
		return nil, fmt.Errorf("%w: missing field %q", ErrMalformedMessage, key)
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: field %q is not a byte string", ErrMalformedMessage, key)
	}
	return b, nil
}
