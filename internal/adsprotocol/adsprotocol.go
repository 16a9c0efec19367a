// Package adsprotocol implements the Beckhoff ADS wire protocol: the 32-byte
// AMS/TCP header, command IDs, well-known index groups, and the primitive
// value codec used to decode and encode PLC data. Every multi-byte field on
// the wire is little-endian, per the real ADS specification.
package adsprotocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// ============================================================================
// AMS/TCP HEADER (6-byte TCP header + 32-byte AMS header)
// ============================================================================

// AMSHeaderSize is the fixed size of the AMS header that follows the 6-byte
// AMS/TCP length prefix.
const AMSHeaderSize = 32

// Command identifies the ADS operation carried by a frame.
type Command uint16

const (
	CommandReadDeviceInfo  Command = 0x0001
	CommandRead            Command = 0x0002
	CommandWrite           Command = 0x0003
	CommandReadState       Command = 0x0004
	CommandWriteControl    Command = 0x0005
	CommandAddNotification Command = 0x0006
	CommandDelNotification Command = 0x0007
	CommandNotification    Command = 0x0008
	CommandReadWrite       Command = 0x0009
)

func (c Command) String() string {
	switch c {
	case CommandReadDeviceInfo:
		return "ReadDeviceInfo"
	case CommandRead:
		return "Read"
	case CommandWrite:
		return "Write"
	case CommandReadState:
		return "ReadState"
	case CommandWriteControl:
		return "WriteControl"
	case CommandAddNotification:
		return "AddNotification"
	case CommandDelNotification:
		return "DelNotification"
	case CommandNotification:
		return "Notification"
	case CommandReadWrite:
		return "ReadWrite"
	default:
		return fmt.Sprintf("Unknown(0x%04X)", uint16(c))
	}
}

// StateFlags marks request/response and whether the frame carries an error.
type StateFlags uint16

const (
	StateFlagResponse StateFlags = 1 << 0
	StateFlagNoReturn StateFlags = 1 << 2
	StateFlagADSCmd   StateFlags = 1 << 4
)

// Well-known index groups for symbolic and raw access.
const (
	IndexGroupSymbolValueByHandle uint32 = 0xF005
	IndexGroupSymbolHandleByName  uint32 = 0xF003
	IndexGroupReleaseHandle       uint32 = 0xF006
	IndexGroupSymbolUploadInfo2   uint32 = 0xF00F
	IndexGroupSymbolDownloadInfo  uint32 = 0xF009
)

// AMSAddress identifies a peer by its AMS NetID and port.
type AMSAddress struct {
	NetID [6]byte
	Port  uint16
}

// AMSHeader is the 32-byte AMS header carried after the 6-byte AMS/TCP
// length prefix on every ADS frame.
type AMSHeader struct {
	Target      AMSAddress
	Source      AMSAddress
	Command     Command
	StateFlags  StateFlags
	DataLength  uint32
	ErrorCode   uint32
	InvokeID    uint32
}

// Marshal serializes the 6-byte AMS/TCP prefix + 32-byte AMS header +
// payload into one wire frame.
func Marshal(h AMSHeader, payload []byte) []byte {
	buf := new(bytes.Buffer)
	h.DataLength = uint32(len(payload))

	amsBuf := new(bytes.Buffer)
	amsBuf.Write(h.Target.NetID[:])
	binary.Write(amsBuf, binary.LittleEndian, h.Target.Port)
	amsBuf.Write(h.Source.NetID[:])
	binary.Write(amsBuf, binary.LittleEndian, h.Source.Port)
	binary.Write(amsBuf, binary.LittleEndian, h.Command)
	binary.Write(amsBuf, binary.LittleEndian, h.StateFlags)
	binary.Write(amsBuf, binary.LittleEndian, h.DataLength)
	binary.Write(amsBuf, binary.LittleEndian, h.ErrorCode)
	binary.Write(amsBuf, binary.LittleEndian, h.InvokeID)

	// 6-byte AMS/TCP prefix: 2 reserved bytes + 4-byte total length.
	binary.Write(buf, binary.LittleEndian, uint16(0))
	binary.Write(buf, binary.LittleEndian, uint32(amsBuf.Len()+len(payload)))
	buf.Write(amsBuf.Bytes())
	buf.Write(payload)
	return buf.Bytes()
}

// Unmarshal parses a full AMS/TCP frame (prefix + header + payload) and
// returns the header and the remaining payload bytes.
func Unmarshal(data []byte) (AMSHeader, []byte, error) {
	if len(data) < 6+AMSHeaderSize {
		return AMSHeader{}, nil, fmt.Errorf("adsprotocol: frame too short: %d bytes", len(data))
	}
	r := bytes.NewReader(data[6:])

	var h AMSHeader
	if _, err := r.Read(h.Target.NetID[:]); err != nil {
		return AMSHeader{}, nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &h.Target.Port); err != nil {
		return AMSHeader{}, nil, err
	}
	if _, err := r.Read(h.Source.NetID[:]); err != nil {
		return AMSHeader{}, nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &h.Source.Port); err != nil {
		return AMSHeader{}, nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &h.Command); err != nil {
		return AMSHeader{}, nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &h.StateFlags); err != nil {
		return AMSHeader{}, nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &h.DataLength); err != nil {
		return AMSHeader{}, nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &h.ErrorCode); err != nil {
		return AMSHeader{}, nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &h.InvokeID); err != nil {
		return AMSHeader{}, nil, err
	}

	payload := data[6+AMSHeaderSize:]
	if uint32(len(payload)) < h.DataLength {
		return AMSHeader{}, nil, fmt.Errorf("adsprotocol: payload shorter than declared length: have %d, want %d", len(payload), h.DataLength)
	}
	return h, payload[:h.DataLength], nil
}

// ============================================================================
// PRIMITIVE VALUE CODEC
// ============================================================================

// DataType names a PLC primitive type for decode/encode dispatch.
type DataType string

const (
	TypeBool   DataType = "BOOL"
	TypeByte   DataType = "BYTE"
	TypeWord   DataType = "WORD"
	TypeDWord  DataType = "DWORD"
	TypeInt    DataType = "INT"
	TypeDInt   DataType = "DINT"
	TypeReal   DataType = "REAL"
	TypeLReal  DataType = "LREAL"
	TypeString DataType = "STRING"
)

// SizeString is the on-wire width of a default TwinCAT STRING: 80
// characters plus the NUL terminator. Reads and notifications must request
// exactly this many bytes; the device bounds-checks against the symbol's
// declared size.
const SizeString = 81

// Size returns the on-wire byte width of type t, or -1 for unknown types.
func Size(t DataType) int {
	switch t {
	case TypeBool, TypeByte:
		return 1
	case TypeWord, TypeInt:
		return 2
	case TypeDWord, TypeDInt, TypeReal:
		return 4
	case TypeLReal:
		return 8
	case TypeString:
		return SizeString
	default:
		return -1
	}
}

// Decode reads a Go value of the appropriate type out of raw little-endian
// bytes. STRING values are read up to the first NUL or the end of data.
func Decode(t DataType, raw []byte) (any, error) {
	switch t {
	case TypeBool:
		if len(raw) < 1 {
			return nil, fmt.Errorf("adsprotocol: BOOL needs 1 byte, got %d", len(raw))
		}
		return raw[0] != 0, nil
	case TypeByte:
		if len(raw) < 1 {
			return nil, fmt.Errorf("adsprotocol: BYTE needs 1 byte, got %d", len(raw))
		}
		return raw[0], nil
	case TypeWord:
		if len(raw) < 2 {
			return nil, fmt.Errorf("adsprotocol: WORD needs 2 bytes, got %d", len(raw))
		}
		return binary.LittleEndian.Uint16(raw), nil
	case TypeInt:
		if len(raw) < 2 {
			return nil, fmt.Errorf("adsprotocol: INT needs 2 bytes, got %d", len(raw))
		}
		return int16(binary.LittleEndian.Uint16(raw)), nil
	case TypeDWord:
		if len(raw) < 4 {
			return nil, fmt.Errorf("adsprotocol: DWORD needs 4 bytes, got %d", len(raw))
		}
		return binary.LittleEndian.Uint32(raw), nil
	case TypeDInt:
		if len(raw) < 4 {
			return nil, fmt.Errorf("adsprotocol: DINT needs 4 bytes, got %d", len(raw))
		}
		return int32(binary.LittleEndian.Uint32(raw)), nil
	case TypeReal:
		if len(raw) < 4 {
			return nil, fmt.Errorf("adsprotocol: REAL needs 4 bytes, got %d", len(raw))
		}
		return math.Float32frombits(binary.LittleEndian.Uint32(raw)), nil
	case TypeLReal:
		if len(raw) < 8 {
			return nil, fmt.Errorf("adsprotocol: LREAL needs 8 bytes, got %d", len(raw))
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(raw)), nil
	case TypeString:
		end := bytes.IndexByte(raw, 0)
		if end < 0 {
			end = len(raw)
		}
		return string(raw[:end]), nil
	default:
		return nil, fmt.Errorf("adsprotocol: unsupported data type %q", t)
	}
}

// Encode serializes a Go value into little-endian wire bytes for type t.
func Encode(t DataType, value any) ([]byte, error) {
	switch t {
	case TypeBool:
		v, ok := value.(bool)
		if !ok {
			return nil, typeMismatch(t, value)
		}
		if v {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case TypeByte:
		v, ok := asUint64(value)
		if !ok {
			return nil, typeMismatch(t, value)
		}
		return []byte{byte(v)}, nil
	case TypeWord:
		v, ok := asUint64(value)
		if !ok {
			return nil, typeMismatch(t, value)
		}
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, uint16(v))
		return b, nil
	case TypeInt:
		v, ok := asInt64(value)
		if !ok {
			return nil, typeMismatch(t, value)
		}
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, uint16(int16(v)))
		return b, nil
	case TypeDWord:
		v, ok := asUint64(value)
		if !ok {
			return nil, typeMismatch(t, value)
		}
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, uint32(v))
		return b, nil
	case TypeDInt:
		v, ok := asInt64(value)
		if !ok {
			return nil, typeMismatch(t, value)
		}
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, uint32(int32(v)))
		return b, nil
	case TypeReal:
		v, ok := asFloat64(value)
		if !ok {
			return nil, typeMismatch(t, value)
		}
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
		return b, nil
	case TypeLReal:
		v, ok := asFloat64(value)
		if !ok {
			return nil, typeMismatch(t, value)
		}
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, math.Float64bits(v))
		return b, nil
	case TypeString:
		v, ok := value.(string)
		if !ok {
			return nil, typeMismatch(t, value)
		}
		return append([]byte(v), 0), nil
	default:
		return nil, fmt.Errorf("adsprotocol: unsupported data type %q", t)
	}
}

func typeMismatch(t DataType, value any) error {
	return fmt.Errorf("adsprotocol: value %v (%T) does not fit %s", value, value, t)
}

func asUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case uint32:
		return uint64(n), true
	case uint16:
		return uint64(n), true
	case uint8:
		return uint64(n), true
	case int:
		return uint64(n), true
	case float64:
		return uint64(n), true
	default:
		return 0, false
	}
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int16:
		return int64(n), true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func asFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
