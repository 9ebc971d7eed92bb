package psrp

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// Destination identifies who a message is addressed to, per MS-PSRP's
// destination field.
type Destination uint32

const (
	DestinationClient Destination = 0x00000001
	DestinationServer Destination = 0x00000002
)

func (d Destination) String() string {
	switch d {
	case DestinationClient:
		return "Client"
	case DestinationServer:
		return "Server"
	default:
		return fmt.Sprintf("Destination(0x%08X)", uint32(d))
	}
}

// MessageType is the fixed 32-bit tag identifying a PSRP message's body
// shape.
type MessageType uint32

// Message type tags. Session-level tags (no pool/pipeline scope) live in
// the 0x0001_xxxx range, pool-scoped tags in 0x0002_1xxx, and
// pipeline-scoped tags in 0x0004_1xxx, mirroring MS-PSRP's grouping.
const (
	SessionCapability   MessageType = 0x00010002
	InitRunspacePool    MessageType = 0x00010004
	PublicKey           MessageType = 0x00010005
	EncryptedSessionKey MessageType = 0x00010006
	PublicKeyRequest    MessageType = 0x00010007

	SetMaxRunspaces        MessageType = 0x00021002
	SetMinRunspaces        MessageType = 0x00021003
	RunspaceAvailability   MessageType = 0x00021004
	RunspacePoolState      MessageType = 0x00021007
	CreatePipeline         MessageType = 0x00021006
	GetAvailableRunspaces  MessageType = 0x00021008
	UserEvent              MessageType = 0x00021009
	ApplicationPrivateData MessageType = 0x0002100A
	GetCommandMetadata     MessageType = 0x0002100B
	RunspacePoolInitData   MessageType = 0x0002100C
	ResetRunspaceState     MessageType = 0x0002100D
	DisconnectRunspacePool MessageType = 0x00021102
	ReconnectRunspacePool  MessageType = 0x00021103
	ConnectRunspacePool    MessageType = 0x00021104
	HostCall               MessageType = 0x00021100
	HostResponse           MessageType = 0x00021101

	PipelineInput        MessageType = 0x00041002
	EndOfPipelineInput   MessageType = 0x00041003
	PipelineOutput       MessageType = 0x00041004
	ErrorRecord          MessageType = 0x00041005
	PipelineState        MessageType = 0x00041006
	DebugRecord          MessageType = 0x00041007
	VerboseRecord        MessageType = 0x00041008
	WarningRecord        MessageType = 0x00041009
	ProgressRecord       MessageType = 0x00041010
	InformationRecord    MessageType = 0x00041011
	PipelineHostCall     MessageType = 0x00041100
	PipelineHostResponse MessageType = 0x00041101
)

var messageTypeNames = map[MessageType]string{
	SessionCapability:      "SESSION_CAPABILITY",
	InitRunspacePool:       "INIT_RUNSPACEPOOL",
	PublicKey:              "PUBLIC_KEY",
	EncryptedSessionKey:    "ENCRYPTED_SESSION_KEY",
	PublicKeyRequest:       "PUBLIC_KEY_REQUEST",
	SetMaxRunspaces:        "SET_MAX_RUNSPACES",
	SetMinRunspaces:        "SET_MIN_RUNSPACES",
	RunspaceAvailability:   "RUNSPACE_AVAILABILITY",
	RunspacePoolState:      "RUNSPACEPOOL_STATE",
	CreatePipeline:         "CREATE_PIPELINE",
	GetAvailableRunspaces:  "GET_AVAILABLE_RUNSPACES",
	UserEvent:              "USER_EVENT",
	ApplicationPrivateData: "APPLICATION_PRIVATE_DATA",
	GetCommandMetadata:     "GET_COMMAND_METADATA",
	RunspacePoolInitData:   "RUNSPACEPOOL_INIT_DATA",
	ResetRunspaceState:     "RESET_RUNSPACE_STATE",
	DisconnectRunspacePool: "DISCONNECT_RUNSPACEPOOL",
	ReconnectRunspacePool:  "RECONNECT_RUNSPACEPOOL",
	ConnectRunspacePool:    "CONNECT_RUNSPACEPOOL",
	HostCall:               "RUNSPACEPOOL_HOST_CALL",
	HostResponse:           "RUNSPACEPOOL_HOST_RESPONSE",
	PipelineInput:          "PIPELINE_INPUT",
	EndOfPipelineInput:     "END_OF_PIPELINE_INPUT",
	PipelineOutput:         "PIPELINE_OUTPUT",
	ErrorRecord:            "ERROR_RECORD",
	PipelineState:          "PIPELINE_STATE",
	DebugRecord:            "DEBUG_RECORD",
	VerboseRecord:          "VERBOSE_RECORD",
	WarningRecord:          "WARNING_RECORD",
	ProgressRecord:         "PROGRESS_RECORD",
	InformationRecord:      "INFORMATION_RECORD",
	PipelineHostCall:       "PIPELINE_HOST_CALL",
	PipelineHostResponse:   "PIPELINE_HOST_RESPONSE",
}

// Known reports whether t is a message type this codec recognizes.
func (t MessageType) Known() bool {
	_, ok := messageTypeNames[t]
	return ok
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MessageType(0x%08X)", uint32(t))
}

// Message is a single PSRP protocol message: a destination, a type tag, the
// runspace pool and pipeline it targets, and a CLIXML body. PipelineID is
// the zero UUID when the message targets the pool itself.
type Message struct {
	Destination Destination
	Type        MessageType
	RunspaceID  uuid.UUID
	PipelineID  uuid.UUID
	Body        []byte

	// Unsupported is non-nil when Type was not recognized at decode time.
	// Callers should treat Body as an opaque preview rather than CLIXML.
	Unsupported *UnsupportedInfo
}

// UnsupportedInfo describes a message whose type tag the codec did not
// recognize. The caller downgrades such a message to a diagnostic event
// instead of aborting the session, per the "never tear down the session on
// unknown type" rule.
type UnsupportedInfo struct {
	RawType MessageType
	Preview string
}

// IsPoolScoped reports whether m targets the pool itself rather than a
// specific pipeline.
func (m Message) IsPoolScoped() bool {
	return m.PipelineID == uuid.Nil
}

const headerLen = 4 + 4 + 16 + 16

// Encode renders m as MS-PSRP's message framing: 4-byte destination, 4-byte
// message type (both little-endian), a 16-byte runspace pool UUID and a
// 16-byte pipeline UUID (little-endian per MS-DTYP GUID encoding), followed
// by the raw body bytes.
func Encode(m Message) ([]byte, error) {
	out := make([]byte, headerLen+len(m.Body))
	binary.LittleEndian.PutUint32(out[0:4], uint32(m.Destination))
	binary.LittleEndian.PutUint32(out[4:8], uint32(m.Type))
	putGUID(out[8:24], m.RunspaceID)
	putGUID(out[24:40], m.PipelineID)
	copy(out[headerLen:], m.Body)
	return out, nil
}

// Decode parses MS-PSRP message framing out of data. A message type the
// codec does not recognize is returned with Unsupported populated rather
// than as an error.
func Decode(data []byte) (Message, error) {
	if len(data) < headerLen {
		return Message{}, codecErrf("message header", fmt.Sprintf("need %d bytes, got %d", headerLen, len(data)))
	}

	m := Message{
		Destination: Destination(binary.LittleEndian.Uint32(data[0:4])),
		Type:        MessageType(binary.LittleEndian.Uint32(data[4:8])),
		RunspaceID:  getGUID(data[8:24]),
		PipelineID:  getGUID(data[24:40]),
	}
	m.Body = append([]byte(nil), data[headerLen:]...)

	if !m.Type.Known() {
		preview := m.Body
		if len(preview) > 64 {
			preview = preview[:64]
		}
		m.Unsupported = &UnsupportedInfo{RawType: m.Type, Preview: string(preview)}
	}

	return m, nil
}

// putGUID writes id into dst (16 bytes) in MS-DTYP's mixed-endian GUID
// wire form: the first three fields little-endian, the last two
// byte-for-byte.
func putGUID(dst []byte, id uuid.UUID) {
	binary.LittleEndian.PutUint32(dst[0:4], binary.BigEndian.Uint32(id[0:4]))
	binary.LittleEndian.PutUint16(dst[4:6], binary.BigEndian.Uint16(id[4:6]))
	binary.LittleEndian.PutUint16(dst[6:8], binary.BigEndian.Uint16(id[6:8]))
	copy(dst[8:16], id[8:16])
}

func getGUID(src []byte) uuid.UUID {
	var id uuid.UUID
	binary.BigEndian.PutUint32(id[0:4], binary.LittleEndian.Uint32(src[0:4]))
	binary.BigEndian.PutUint16(id[4:6], binary.LittleEndian.Uint16(src[4:6]))
	binary.BigEndian.PutUint16(id[6:8], binary.LittleEndian.Uint16(src[6:8]))
	copy(id[8:16], src[8:16])
	return id
}
