package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// Message type constants (Client → Server)
const (
	TypeSecureHello = 0x01
	TypeSharedKey   = 0x02
	TypeConnect     = 0x03
	TypeJoinRoom    = 0x04
	TypeLeaveRoom   = 0x05
	TypeSend        = 0x06
)

// Message type constants (Server → Client)
const (
	TypeAck              = 0x81
	TypeSecureHelloReply = 0x82
	TypeDirectMessage    = 0x83
	TypeRoomEvent        = 0x84
	TypeJoinAck          = 0x85
	TypeLeaveAck         = 0x86
	TypeConnectAck       = 0x87
	TypeError            = 0x88
)

// Recipient kinds
const (
	RecipientRoom = 0x01
	RecipientUser = 0x02
)

// Room operation kinds
const (
	OpMessage    = 0x01
	OpUserJoined = 0x02
	OpUserLeft   = 0x03
)

var (
	// ErrMalformed indicates a well-framed payload that does not decode to a value.
	ErrMalformed = errors.New("malformed payload")
)

// Request is a message sent by the client to the server.
type Request interface {
	Type() uint8
	EncodeTo(w io.Writer) error
	decodeFrom(r io.Reader) error
	isRequest()
}

// Response is a message sent by the server to the client.
type Response interface {
	Type() uint8
	EncodeTo(w io.Writer) error
	decodeFrom(r io.Reader) error
	isResponse()
}

func (*SecureHelloRequest) isRequest() {}
func (*SharedKeyRequest) isRequest()   {}
func (*ConnectRequest) isRequest()     {}
func (*JoinRoomRequest) isRequest()    {}
func (*LeaveRoomRequest) isRequest()   {}
func (*SendRequest) isRequest()        {}

func (*AckResponse) isResponse()           {}
func (*SecureHelloResponse) isResponse()   {}
func (*DirectMessageResponse) isResponse() {}
func (*RoomEvent) isResponse()             {}
func (*JoinAckResponse) isResponse()       {}
func (*LeaveAckResponse) isResponse()      {}
func (*ConnectAckResponse) isResponse()    {}
func (*ErrorResponse) isResponse()         {}

// SecureHelloRequest (0x01) - Client ephemeral public key
type SecureHelloRequest struct {
	PublicKey []byte
}

func (m *SecureHelloRequest) Type() uint8 { return TypeSecureHello }

func (m *SecureHelloRequest) EncodeTo(w io.Writer) error {
	return WriteBytes(w, m.PublicKey)
}

func (m *SecureHelloRequest) decodeFrom(r io.Reader) (err error) {
	m.PublicKey, err = ReadBytes(r)
	return err
}

// SharedKeyRequest (0x02) - Symmetric key sealed under the combined key
type SharedKeyRequest struct {
	Encrypted []byte
}

func (m *SharedKeyRequest) Type() uint8 { return TypeSharedKey }

func (m *SharedKeyRequest) EncodeTo(w io.Writer) error {
	return WriteBytes(w, m.Encrypted)
}

func (m *SharedKeyRequest) decodeFrom(r io.Reader) (err error) {
	m.Encrypted, err = ReadBytes(r)
	return err
}

// ConnectRequest (0x03) - Claim a nickname
type ConnectRequest struct {
	Nickname string
}

func (m *ConnectRequest) Type() uint8 { return TypeConnect }

func (m *ConnectRequest) EncodeTo(w io.Writer) error {
	return WriteString(w, m.Nickname)
}

func (m *ConnectRequest) decodeFrom(r io.Reader) (err error) {
	m.Nickname, err = ReadString(r)
	return err
}

// JoinRoomRequest (0x04) - Join (and create if needed) a room
type JoinRoomRequest struct {
	Room string
}

func (m *JoinRoomRequest) Type() uint8 { return TypeJoinRoom }

func (m *JoinRoomRequest) EncodeTo(w io.Writer) error {
	return WriteString(w, m.Room)
}

func (m *JoinRoomRequest) decodeFrom(r io.Reader) (err error) {
	m.Room, err = ReadString(r)
	return err
}

// LeaveRoomRequest (0x05) - Leave a room
type LeaveRoomRequest struct {
	Room string
}

func (m *LeaveRoomRequest) Type() uint8 { return TypeLeaveRoom }

func (m *LeaveRoomRequest) EncodeTo(w io.Writer) error {
	return WriteString(w, m.Room)
}

func (m *LeaveRoomRequest) decodeFrom(r io.Reader) (err error) {
	m.Room, err = ReadString(r)
	return err
}

// SendRequest (0x06) - Text addressed to a room or a user
type SendRequest struct {
	To      Recipient
	Content string
}

func (m *SendRequest) Type() uint8 { return TypeSend }

func (m *SendRequest) EncodeTo(w io.Writer) error {
	if err := m.To.EncodeTo(w); err != nil {
		return err
	}
	return WriteString(w, m.Content)
}

func (m *SendRequest) decodeFrom(r io.Reader) error {
	if err := m.To.decodeFrom(r); err != nil {
		return err
	}
	content, err := ReadString(r)
	if err != nil {
		return err
	}
	m.Content = content
	return nil
}

// AckResponse (0x81) - Generic acknowledgement
type AckResponse struct{}

func (m *AckResponse) Type() uint8                  { return TypeAck }
func (m *AckResponse) EncodeTo(w io.Writer) error   { return nil }
func (m *AckResponse) decodeFrom(r io.Reader) error { return nil }

// SecureHelloResponse (0x82) - Server ephemeral public key
type SecureHelloResponse struct {
	PublicKey []byte
}

func (m *SecureHelloResponse) Type() uint8 { return TypeSecureHelloReply }

func (m *SecureHelloResponse) EncodeTo(w io.Writer) error {
	return WriteBytes(w, m.PublicKey)
}

func (m *SecureHelloResponse) decodeFrom(r io.Reader) (err error) {
	m.PublicKey, err = ReadBytes(r)
	return err
}

// DirectMessageResponse (0x83) - A message from one user to another
type DirectMessageResponse struct {
	From    string
	Content string
}

func (m *DirectMessageResponse) Type() uint8 { return TypeDirectMessage }

func (m *DirectMessageResponse) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.From); err != nil {
		return err
	}
	return WriteString(w, m.Content)
}

func (m *DirectMessageResponse) decodeFrom(r io.Reader) (err error) {
	if m.From, err = ReadString(r); err != nil {
		return err
	}
	m.Content, err = ReadString(r)
	return err
}

// RoomEvent (0x84) - Something that happened in a room
type RoomEvent struct {
	Room string
	Op   RoomOp
}

func (m *RoomEvent) Type() uint8 { return TypeRoomEvent }

func (m *RoomEvent) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.Room); err != nil {
		return err
	}
	return m.Op.EncodeTo(w)
}

func (m *RoomEvent) decodeFrom(r io.Reader) (err error) {
	if m.Room, err = ReadString(r); err != nil {
		return err
	}
	return m.Op.decodeFrom(r)
}

// JoinAckResponse (0x85) - Room joined, with the members present before the joiner
type JoinAckResponse struct {
	Room    string
	Members []string
}

func (m *JoinAckResponse) Type() uint8 { return TypeJoinAck }

func (m *JoinAckResponse) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.Room); err != nil {
		return err
	}
	return WriteStringList(w, m.Members)
}

func (m *JoinAckResponse) decodeFrom(r io.Reader) (err error) {
	if m.Room, err = ReadString(r); err != nil {
		return err
	}
	m.Members, err = ReadStringList(r)
	return err
}

// LeaveAckResponse (0x86) - Room left
type LeaveAckResponse struct {
	Nickname string
}

func (m *LeaveAckResponse) Type() uint8 { return TypeLeaveAck }

func (m *LeaveAckResponse) EncodeTo(w io.Writer) error {
	return WriteString(w, m.Nickname)
}

func (m *LeaveAckResponse) decodeFrom(r io.Reader) (err error) {
	m.Nickname, err = ReadString(r)
	return err
}

// ConnectAckResponse (0x87) - Nickname accepted
type ConnectAckResponse struct {
	Message string
}

func (m *ConnectAckResponse) Type() uint8 { return TypeConnectAck }

func (m *ConnectAckResponse) EncodeTo(w io.Writer) error {
	return WriteString(w, m.Message)
}

func (m *ConnectAckResponse) decodeFrom(r io.Reader) (err error) {
	m.Message, err = ReadString(r)
	return err
}

// ErrorResponse (0x88) - Recoverable protocol error
type ErrorResponse struct {
	Message string
}

func (m *ErrorResponse) Type() uint8 { return TypeError }

func (m *ErrorResponse) EncodeTo(w io.Writer) error {
	return WriteString(w, m.Message)
}

func (m *ErrorResponse) decodeFrom(r io.Reader) (err error) {
	m.Message, err = ReadString(r)
	return err
}

// Recipient addresses a Send request to a room or to a user.
type Recipient struct {
	Kind uint8
	Name string
}

// RoomRecipient returns a recipient for a room.
func RoomRecipient(name string) Recipient {
	return Recipient{Kind: RecipientRoom, Name: name}
}

// UserRecipient returns a recipient for a user.
func UserRecipient(nickname string) Recipient {
	return Recipient{Kind: RecipientUser, Name: nickname}
}

func (rc Recipient) IsRoom() bool { return rc.Kind == RecipientRoom }
func (rc Recipient) IsUser() bool { return rc.Kind == RecipientUser }

func (rc Recipient) EncodeTo(w io.Writer) error {
	if rc.Kind != RecipientRoom && rc.Kind != RecipientUser {
		return fmt.Errorf("invalid recipient kind 0x%02X", rc.Kind)
	}
	if err := WriteUint8(w, rc.Kind); err != nil {
		return err
	}
	return WriteString(w, rc.Name)
}

func (rc *Recipient) decodeFrom(r io.Reader) error {
	kind, err := ReadUint8(r)
	if err != nil {
		return err
	}
	if kind != RecipientRoom && kind != RecipientUser {
		return fmt.Errorf("unknown recipient kind 0x%02X", kind)
	}
	name, err := ReadString(r)
	if err != nil {
		return err
	}
	rc.Kind = kind
	rc.Name = name
	return nil
}

// RoomOp is the payload of a RoomEvent. Nickname is set for
// OpUserJoined and OpUserLeft; From and Content for OpMessage.
type RoomOp struct {
	Kind     uint8
	From     string
	Content  string
	Nickname string
}

// MessageOp returns a chat message operation.
func MessageOp(from, content string) RoomOp {
	return RoomOp{Kind: OpMessage, From: from, Content: content}
}

// UserJoinedOp returns a join notification.
func UserJoinedOp(nickname string) RoomOp {
	return RoomOp{Kind: OpUserJoined, Nickname: nickname}
}

// UserLeftOp returns a leave notification.
func UserLeftOp(nickname string) RoomOp {
	return RoomOp{Kind: OpUserLeft, Nickname: nickname}
}

func (op RoomOp) EncodeTo(w io.Writer) error {
	if err := WriteUint8(w, op.Kind); err != nil {
		return err
	}
	switch op.Kind {
	case OpMessage:
		if err := WriteString(w, op.From); err != nil {
			return err
		}
		return WriteString(w, op.Content)
	case OpUserJoined, OpUserLeft:
		return WriteString(w, op.Nickname)
	default:
		return fmt.Errorf("invalid room op kind 0x%02X", op.Kind)
	}
}

func (op *RoomOp) decodeFrom(r io.Reader) error {
	kind, err := ReadUint8(r)
	if err != nil {
		return err
	}
	*op = RoomOp{Kind: kind}
	switch kind {
	case OpMessage:
		if op.From, err = ReadString(r); err != nil {
			return err
		}
		op.Content, err = ReadString(r)
		return err
	case OpUserJoined, OpUserLeft:
		op.Nickname, err = ReadString(r)
		return err
	default:
		return fmt.Errorf("unknown room op kind 0x%02X", kind)
	}
}

// EncodeRequest serializes a request as [Type (1 byte)][Fields]
func EncodeRequest(req Request) ([]byte, error) {
	return encodeTyped(req.Type(), req)
}

// EncodeResponse serializes a response as [Type (1 byte)][Fields]
func EncodeResponse(resp Response) ([]byte, error) {
	return encodeTyped(resp.Type(), resp)
}

func encodeTyped(msgType uint8, enc interface{ EncodeTo(io.Writer) error }) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := WriteUint8(buf, msgType); err != nil {
		return nil, err
	}
	if err := enc.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeRequest parses a serialized request. Any failure matches ErrMalformed.
func DecodeRequest(payload []byte) (Request, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformed)
	}

	var req Request
	switch payload[0] {
	case TypeSecureHello:
		req = &SecureHelloRequest{}
	case TypeSharedKey:
		req = &SharedKeyRequest{}
	case TypeConnect:
		req = &ConnectRequest{}
	case TypeJoinRoom:
		req = &JoinRoomRequest{}
	case TypeLeaveRoom:
		req = &LeaveRoomRequest{}
	case TypeSend:
		req = &SendRequest{}
	default:
		return nil, fmt.Errorf("%w: unknown request type 0x%02X", ErrMalformed, payload[0])
	}

	if err := decodeBody(payload[1:], req); err != nil {
		return nil, err
	}
	return req, nil
}

// DecodeResponse parses a serialized response. Any failure matches ErrMalformed.
func DecodeResponse(payload []byte) (Response, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformed)
	}

	var resp Response
	switch payload[0] {
	case TypeAck:
		resp = &AckResponse{}
	case TypeSecureHelloReply:
		resp = &SecureHelloResponse{}
	case TypeDirectMessage:
		resp = &DirectMessageResponse{}
	case TypeRoomEvent:
		resp = &RoomEvent{}
	case TypeJoinAck:
		resp = &JoinAckResponse{}
	case TypeLeaveAck:
		resp = &LeaveAckResponse{}
	case TypeConnectAck:
		resp = &ConnectAckResponse{}
	case TypeError:
		resp = &ErrorResponse{}
	default:
		return nil, fmt.Errorf("%w: unknown response type 0x%02X", ErrMalformed, payload[0])
	}

	if err := decodeBody(payload[1:], resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func decodeBody(body []byte, dec interface{ decodeFrom(io.Reader) error }) error {
	buf := bytes.NewReader(body)
	if err := dec.decodeFrom(buf); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if buf.Len() != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformed, buf.Len())
	}
	return nil
}

// TypeName returns a human-readable name for a message type, used in logs and metrics
func TypeName(msgType uint8) string {
	switch msgType {
	case TypeSecureHello:
		return "SECURE_HELLO"
	case TypeSharedKey:
		return "SHARED_KEY"
	case TypeConnect:
		return "CONNECT"
	case TypeJoinRoom:
		return "JOIN_ROOM"
	case TypeLeaveRoom:
		return "LEAVE_ROOM"
	case TypeSend:
		return "SEND"
	case TypeAck:
		return "ACK"
	case TypeSecureHelloReply:
		return "SECURE_HELLO_REPLY"
	case TypeDirectMessage:
		return "DIRECT_MESSAGE"
	case TypeRoomEvent:
		return "ROOM_EVENT"
	case TypeJoinAck:
		return "JOIN_ACK"
	case TypeLeaveAck:
		return "LEAVE_ACK"
	case TypeConnectAck:
		return "CONNECT_ACK"
	case TypeError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}
