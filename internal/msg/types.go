// Package msg defines the message vocabulary spoken between devices,
// the rendezvous broker, and the signaling server: type identifiers,
// message bodies, and the acknowledgement error codes.
//
// Type identifiers are part of the wire protocol and must never be
// renumbered. Bodies are CBOR-encoded; fields may be added but not
// removed or retyped.
package msg

// Message type identifiers.
const (
	TypeLoginDevice          uint32 = 1001
	TypeLoginDeviceAck       uint32 = 1002
	TypeAllocateDeviceID     uint32 = 1005
	TypeAllocateDeviceIDAck  uint32 = 1006
	TypeSignalingMessage     uint32 = 2001
	TypeSignalingMessageAck  uint32 = 2002
	TypeJoinRoom             uint32 = 2003
	TypeJoinRoomAck          uint32 = 2004
	TypeRequestConnection    uint32 = 3001
	TypeRequestConnectionAck uint32 = 3002
	TypeOpenConnection       uint32 = 3003
	TypeOpenConnectionAck    uint32 = 3004
	TypeCloseConnection      uint32 = 3005
	TypeKeepAlive            uint32 = 4001
	TypeKeepAliveAck         uint32 = 4002
)

// ErrorCode is the failure taxonomy carried in acknowledgements.
// State conflicts and persistence failures surface here, never as
// dropped connections.
type ErrorCode uint32

const (
	Success ErrorCode = 0

	LoginDeviceInvalidID     ErrorCode = 1001
	LoginDeviceInvalidCookie ErrorCode = 1002
	LoginDeviceInvalidStatus ErrorCode = 1003

	AllocateDeviceIDNoAvailableID ErrorCode = 1101

	RequestConnectionPeerNotOnline     ErrorCode = 3001
	RequestConnectionInvalidStatus     ErrorCode = 3002
	RequestConnectionCreateOrderFailed ErrorCode = 3003

	JoinRoomFailed         ErrorCode = 2001
	SignalingPeerNotOnline ErrorCode = 2002
)

// LoginDevice re-identifies a device using its long-lived device ID and
// rotating cookie. Sent by both roles; AllowControl and OS are only
// meaningful from controlled devices.
type LoginDevice struct {
	DeviceID     int64  `cbor:"device_id"`
	Cookie       string `cbor:"cookie"`
	VersionMajor int    `cbor:"version_major"`
	VersionMinor int    `cbor:"version_minor"`
	VersionPatch int    `cbor:"version_patch"`
	AllowControl bool   `cbor:"allow_control"`
	OS           string `cbor:"os"`
}

// LoginDeviceAck reports the login outcome. When the presented identity
// was unknown or the cookie stale, the controlling-side broker issues a
// replacement identity in NewDeviceID/NewCookie.
type LoginDeviceAck struct {
	ErrCode     ErrorCode `cbor:"err_code"`
	NewDeviceID int64     `cbor:"new_device_id,omitempty"`
	NewCookie   string    `cbor:"new_cookie,omitempty"`
}

// AllocateDeviceID requests a fresh identity from the pool.
type AllocateDeviceID struct{}

type AllocateDeviceIDAck struct {
	ErrCode  ErrorCode `cbor:"err_code"`
	DeviceID int64     `cbor:"device_id,omitempty"`
	Cookie   string    `cbor:"cookie,omitempty"`
}

// RequestConnection asks the broker to pair the sender (controlling)
// with the controlled device identified by DeviceID. StreamingParams is
// an opaque blob negotiated end to end; the broker forwards it
// untouched.
type RequestConnection struct {
	DeviceID        int64  `cbor:"device_id"`
	RequestID       int64  `cbor:"request_id"`
	AccessToken     string `cbor:"access_token,omitempty"`
	Cookie          string `cbor:"cookie,omitempty"`
	ClientVersion   string `cbor:"client_version,omitempty"`
	RequiredVersion string `cbor:"required_version,omitempty"`
	StreamingParams []byte `cbor:"streaming_params,omitempty"`
	TransportType   int    `cbor:"transport_type,omitempty"`
}

// RequestConnectionAck closes the loop back to the controlling device,
// either immediately (peer offline, order conflict) or after the
// controlled device answered OpenConnection.
type RequestConnectionAck struct {
	ErrCode         ErrorCode `cbor:"err_code"`
	RequestID       int64     `cbor:"request_id"`
	DeviceID        int64     `cbor:"device_id,omitempty"`
	SignalingAddr   string    `cbor:"signaling_addr,omitempty"`
	SignalingPort   int       `cbor:"signaling_port,omitempty"`
	RoomID          string    `cbor:"room_id,omitempty"`
	ClientID        string    `cbor:"client_id,omitempty"`
	AuthToken       string    `cbor:"auth_token,omitempty"`
	P2PUsername     string    `cbor:"p2p_username,omitempty"`
	P2PPassword     string    `cbor:"p2p_password,omitempty"`
	ReflexServers   []string  `cbor:"reflex_servers,omitempty"`
	StreamingParams []byte    `cbor:"streaming_params,omitempty"`
	TransportType   int       `cbor:"transport_type,omitempty"`
}

// OpenConnection is pushed to the controlled device with the freshly
// issued room credentials.
type OpenConnection struct {
	SignalingAddr   string   `cbor:"signaling_addr"`
	SignalingPort   int      `cbor:"signaling_port"`
	RoomID          string   `cbor:"room_id"`
	ServiceID       string   `cbor:"service_id"`
	AuthToken       string   `cbor:"auth_token"`
	P2PUsername     string   `cbor:"p2p_username"`
	P2PPassword     string   `cbor:"p2p_password"`
	ClientDeviceID  int64    `cbor:"client_device_id"`
	AccessToken     string   `cbor:"access_token,omitempty"`
	ClientVersion   string   `cbor:"client_version,omitempty"`
	RequiredVersion string   `cbor:"required_version,omitempty"`
	StreamingParams []byte   `cbor:"streaming_params,omitempty"`
	TransportType   int      `cbor:"transport_type,omitempty"`
	ReflexServers   []string `cbor:"reflex_servers,omitempty"`
	RelayServers    []string `cbor:"relay_servers,omitempty"`
}

// OpenConnectionAck is the controlled device's answer, forwarded to
// the controlling peer as a RequestConnectionAck.
type OpenConnectionAck struct {
	ErrCode         ErrorCode `cbor:"err_code"`
	StreamingParams []byte    `cbor:"streaming_params,omitempty"`
	TransportType   int       `cbor:"transport_type,omitempty"`
}

// CloseConnection tears down the active order for a room. Either side
// may send it; the broker verifies the sender owns its side of the
// order.
type CloseConnection struct {
	RoomID string `cbor:"room_id"`
}

// KeepAlive is answered with KeepAliveAck and otherwise ignored.
type KeepAlive struct{}

type KeepAliveAck struct{}

// JoinRoom registers a signaling session under a room identifier.
type JoinRoom struct {
	RoomID    string `cbor:"room_id"`
	SessionID string `cbor:"session_id"`
}

type JoinRoomAck struct {
	ErrCode ErrorCode `cbor:"err_code"`
}

// SignalingMessage carries an opaque payload relayed verbatim to the
// other occupant of the sender's room.
type SignalingMessage struct {
	Payload []byte `cbor:"payload"`
}

type SignalingMessageAck struct {
	ErrCode ErrorCode `cbor:"err_code"`
}
