// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package msgjson

import (
	"encoding/json"
	"errors"
	"fmt"

	"dtrex.org/xchbridge/dtx"
)

// Error codes. The low codes describe transport-level failures. The wallet
// plane uses the conventional provider codes, most importantly
// UserRejectedError and UnsupportedMethodError, which callers must be able to
// tell apart from generic failures.
const (
	RPCErrorUnspecified    = 0
	RPCParseError          = 1
	RPCUnknownRoute        = 2
	RPCInternal            = 3
	RPCTimeoutError        = 4
	RPCUnknownTopic        = 5
	SessionExpiredError    = 6
	PairingRejectedError   = 7
	UserRejectedError      = 4001
	UnsupportedMethodError = 4200
)

// Routes are destinations for a "payload" of data. The route designation is a
// string sent as the "route" parameter of a JSON-encoded Message.
const (
	// PairRoute is the client-originating request registering a pairing
	// proposal with the relay so that a wallet scanning the pairing URI can
	// retrieve it.
	PairRoute = "pair_propose"
	// SettleRoute is the wallet-originating notification, delivered on the
	// pairing topic, establishing a session and granting namespaces.
	SettleRoute = "session_settle"
	// RejectRoute is the wallet-originating notification, delivered on the
	// pairing topic, declining a pairing proposal.
	RejectRoute = "session_reject"
	// RequestRoute is the client-originating request relaying a method call
	// to the wallet on an established session topic.
	RequestRoute = "session_request"
	// DeleteRoute is a request or notification tearing down a session. It may
	// originate from either end.
	DeleteRoute = "session_delete"
)

const errNullRespPayload = dtx.ErrorKind("null response payload")

// Error is returned as part of the Response to indicate that an error
// occurred during method execution.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error returns the error message. Satisfies the error interface.
func (e *Error) Error() string {
	return e.String()
}

// String satisfies the Stringer interface for pretty printing.
func (e Error) String() string {
	return fmt.Sprintf("error code %d: %s", e.Code, e.Message)
}

// NewError is a constructor for an Error.
func NewError(code int, format string, a ...interface{}) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, a...),
	}
}

// IsUserRejection reports whether the error is a wallet-plane Error carrying
// the user-rejected code.
func IsUserRejection(err error) bool {
	return hasCode(err, UserRejectedError)
}

// IsUnsupportedMethod reports whether the error is a wallet-plane Error
// indicating the connected wallet does not implement the requested method.
func IsUnsupportedMethod(err error) bool {
	return hasCode(err, UnsupportedMethodError)
}

func hasCode(err error, code int) bool {
	var msgErr *Error
	return errors.As(err, &msgErr) && msgErr.Code == code
}

// ResponsePayload is the payload for a Response-type Message.
type ResponsePayload struct {
	// Result is the payload, if successful, else nil.
	Result json.RawMessage `json:"result,omitempty"`
	// Error is the error, or nil if none was encountered.
	Error *Error `json:"error,omitempty"`
}

// MessageType indicates the type of message. MessageType is typically the
// first switch checked when examining a message, and how the rest of the
// message is decoded depends on its MessageType.
type MessageType uint8

// There are three recognized message types: request, response, and
// notification.
const (
	InvalidMessageType MessageType = iota // 0
	Request                               // 1
	Response                              // 2
	Notification                          // 3
)

// String satisfies the Stringer interface for translating the MessageType
// code into a description, primarily for logging.
func (mt MessageType) String() string {
	switch mt {
	case Request:
		return "request"
	case Response:
		return "response"
	case Notification:
		return "notification"
	default:
		return "unknown MessageType"
	}
}

// Message is the primary messaging type for relay communications.
type Message struct {
	// Type is the message type.
	Type MessageType `json:"type"`
	// Route is used for requests and notifications, and specifies a handler
	// for the message.
	Route string `json:"route,omitempty"`
	// ID is a unique number that is used to link a response to a request.
	ID uint64 `json:"id,omitempty"`
	// Topic scopes the message to a pairing or an established session. Empty
	// for messages addressed to the relay itself.
	Topic string `json:"topic,omitempty"`
	// Payload is any data attached to the message. How Payload is decoded
	// depends on the Route.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DecodeMessage decodes a *Message from JSON-formatted bytes. Note that
// *Message may be nil even if error is nil, when the message is JSON null,
// []byte("null").
func DecodeMessage(b []byte) (*Message, error) {
	msg := new(Message)
	err := json.Unmarshal(b, &msg)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// NewRequest is the constructor for a Request-type *Message.
func NewRequest(id uint64, topic, route string, payload interface{}) (*Message, error) {
	if id == 0 {
		return nil, fmt.Errorf("id = 0 not allowed for a request-type message")
	}
	if route == "" {
		return nil, fmt.Errorf("empty string not allowed for route of request-type message")
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:    Request,
		Payload: encoded,
		Route:   route,
		Topic:   topic,
		ID:      id,
	}, nil
}

// NewResponse encodes the result and creates a Response-type *Message.
func NewResponse(id uint64, result interface{}, rpcErr *Error) (*Message, error) {
	if id == 0 {
		return nil, fmt.Errorf("id = 0 not allowed for response-type message")
	}
	encResult, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	resp := &ResponsePayload{
		Result: encResult,
		Error:  rpcErr,
	}
	encResp, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:    Response,
		Payload: encResp,
		ID:      id,
	}, nil
}

// Response attempts to decode the payload to a *ResponsePayload. Response
// will return an error if the Type is not Response. It is an error if the
// Message's Payload is []byte("null").
func (msg *Message) Response() (*ResponsePayload, error) {
	if msg.Type != Response {
		return nil, fmt.Errorf("invalid type %d for ResponsePayload", msg.Type)
	}
	resp := new(ResponsePayload)
	err := json.Unmarshal(msg.Payload, &resp)
	if err != nil {
		return nil, err
	}
	if resp == nil /* null JSON */ {
		return nil, errNullRespPayload
	}
	return resp, nil
}

// NewNotification encodes the payload and creates a Notification-type
// *Message.
func NewNotification(topic, route string, payload interface{}) (*Message, error) {
	if route == "" {
		return nil, fmt.Errorf("empty string not allowed for route of notification-type message")
	}
	encPayload, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:    Notification,
		Route:   route,
		Topic:   topic,
		Payload: encPayload,
	}, nil
}

// Unmarshal unmarshals the Payload field into the provided interface.
func (msg *Message) Unmarshal(payload interface{}) error {
	return json.Unmarshal(msg.Payload, payload)
}

// UnmarshalResult is a convenience method for decoding the Result field of a
// ResponsePayload. A non-nil ResponsePayload.Error is returned as the
// *Error itself so that callers can classify it.
func (msg *Message) UnmarshalResult(result interface{}) error {
	resp, err := msg.Response()
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	return json.Unmarshal(resp.Result, result)
}

// String prints the message as a JSON-encoded string.
func (msg *Message) String() string {
	b, err := json.Marshal(msg)
	if err != nil {
		return "[Message decode error]"
	}
	return string(b)
}

// Namespace describes the capabilities granted (or requested) for one
// capability namespace within a session.
type Namespace struct {
	// Chains are the CAIP chain identifiers, e.g. "chia:mainnet". Only
	// meaningful in a proposal.
	Chains []string `json:"chains,omitempty"`
	// Methods is the method allow-list.
	Methods []string `json:"methods"`
	// Accounts are granted account identifiers of the form
	// chain:network:fingerprint. Only meaningful in a settlement.
	Accounts []string `json:"accounts,omitempty"`
}

// Pair is the payload for a client-originating PairRoute request. The relay
// stores the proposal under the pairing topic until a wallet retrieves it.
type Pair struct {
	RequiredNamespaces map[string]*Namespace `json:"requiredNamespaces"`
	Expiry             uint64                `json:"expiry"` // unix seconds
}

// Settle is the payload for a wallet-originating SettleRoute notification
// delivered on the pairing topic.
type Settle struct {
	// Topic is the new session topic, distinct from the pairing topic.
	Topic      string                `json:"topic"`
	Namespaces map[string]*Namespace `json:"namespaces"`
	Expiry     uint64                `json:"expiry"` // unix seconds
}

// Reject is the payload for a wallet-originating RejectRoute notification.
type Reject struct {
	Reason *Error `json:"reason"`
}

// WalletRequest is the payload for a client-originating RequestRoute request.
// The session topic rides in the Message envelope.
type WalletRequest struct {
	ChainID string          `json:"chainId"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Delete is the payload for a DeleteRoute request or notification.
type Delete struct {
	Reason string `json:"reason,omitempty"`
}
