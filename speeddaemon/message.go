package speeddaemon

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Message types.
//
// Each message starts with a single u8 specifying the message type, followed by the message contents.
const (
	ErrorMessageType         uint8 = 0x10
	PlateMessageType         uint8 = 0x20
	TicketMessageType        uint8 = 0x21
	WantHeartbeatMessageType uint8 = 0x40
	HeartbeatMessageType     uint8 = 0x41
	IAmCameraMessageType     uint8 = 0x80
	IAmDispatcherMessageType uint8 = 0x81
)

var ErrStringTooLong = errors.New("string exceeds 255 bytes")

// An ErrorMessage is sent by the server to a client that did something the protocol declares an error.
//
// The connection is closed immediately after it is sent.
type ErrorMessage struct {
	Msg string
}

func (m *ErrorMessage) Error() string {
	return m.Msg
}

func (m *ErrorMessage) MarshalBinary() ([]byte, error) {
	buf := bytes.NewBuffer([]byte{ErrorMessageType})
	if err := writeString(buf, m.Msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// A PlateMessage is sent by a camera to report an observed plate.
type PlateMessage struct {
	Plate     string
	Timestamp uint32
}

func readPlateMessage(r io.Reader) (*PlateMessage, error) {
	plate, err := readString(r)
	if err != nil {
		return nil, fmt.Errorf("error reading plate: %w", err)
	}
	m := &PlateMessage{Plate: plate}
	if err := readField(r, &m.Timestamp); err != nil {
		return nil, fmt.Errorf("error reading timestamp: %w", err)
	}
	return m, nil
}

func (m *PlateMessage) MarshalBinary() ([]byte, error) {
	buf := bytes.NewBuffer([]byte{PlateMessageType})
	if err := writeString(buf, m.Plate); err != nil {
		return nil, err
	}
	_ = binary.Write(buf, binary.BigEndian, m.Timestamp)
	return buf.Bytes(), nil
}

// A TicketMessage is sent by the server to a dispatcher for a car caught speeding.
//
// Mile1 and Timestamp1 refer to the earlier of the two observations, Mile2 and Timestamp2 to the later one.
// Speed is in hundredths of miles per hour.
type TicketMessage struct {
	Plate      string
	Road       uint16
	Mile1      uint16
	Timestamp1 uint32
	Mile2      uint16
	Timestamp2 uint32
	Speed      uint16
}

func readTicketMessage(r io.Reader) (*TicketMessage, error) {
	plate, err := readString(r)
	if err != nil {
		return nil, fmt.Errorf("error reading plate: %w", err)
	}
	m := &TicketMessage{Plate: plate}
	fields := []any{&m.Road, &m.Mile1, &m.Timestamp1, &m.Mile2, &m.Timestamp2, &m.Speed}
	for _, f := range fields {
		if err := readField(r, f); err != nil {
			return nil, fmt.Errorf("error reading ticket: %w", err)
		}
	}
	return m, nil
}

func (m *TicketMessage) MarshalBinary() ([]byte, error) {
	buf := bytes.NewBuffer([]byte{TicketMessageType})
	if err := writeString(buf, m.Plate); err != nil {
		return nil, err
	}
	_ = binary.Write(buf, binary.BigEndian, struct {
		Road       uint16
		Mile1      uint16
		Timestamp1 uint32
		Mile2      uint16
		Timestamp2 uint32
		Speed      uint16
	}{m.Road, m.Mile1, m.Timestamp1, m.Mile2, m.Timestamp2, m.Speed})
	return buf.Bytes(), nil
}

// A WantHeartbeatMessage requests heartbeats every Interval deciseconds. An Interval of 0 requests none.
type WantHeartbeatMessage struct {
	Interval uint32
}

func readWantHeartbeatMessage(r io.Reader) (*WantHeartbeatMessage, error) {
	m := &WantHeartbeatMessage{}
	if err := readField(r, &m.Interval); err != nil {
		return nil, fmt.Errorf("error reading interval: %w", err)
	}
	return m, nil
}

func (m *WantHeartbeatMessage) MarshalBinary() ([]byte, error) {
	buf := bytes.NewBuffer([]byte{WantHeartbeatMessageType})
	_ = binary.Write(buf, binary.BigEndian, m.Interval)
	return buf.Bytes(), nil
}

type HeartbeatMessage struct{}

func (m *HeartbeatMessage) MarshalBinary() ([]byte, error) {
	return []byte{HeartbeatMessageType}, nil
}

// An IAmCameraMessage identifies the client as a camera.
type IAmCameraMessage struct {
	Road  uint16
	Mile  uint16
	Limit uint16
}

func readIAmCameraMessage(r io.Reader) (*IAmCameraMessage, error) {
	m := &IAmCameraMessage{}
	if err := readField(r, m); err != nil {
		return nil, fmt.Errorf("error reading camera: %w", err)
	}
	return m, nil
}

func (m *IAmCameraMessage) MarshalBinary() ([]byte, error) {
	buf := bytes.NewBuffer([]byte{IAmCameraMessageType})
	_ = binary.Write(buf, binary.BigEndian, m)
	return buf.Bytes(), nil
}

// An IAmDispatcherMessage identifies the client as a ticket dispatcher for Roads.
type IAmDispatcherMessage struct {
	Roads []uint16
}

func readIAmDispatcherMessage(r io.Reader) (*IAmDispatcherMessage, error) {
	var n uint8
	if err := readField(r, &n); err != nil {
		return nil, fmt.Errorf("error reading numroads: %w", err)
	}
	m := &IAmDispatcherMessage{Roads: make([]uint16, n)}
	if err := readField(r, m.Roads); err != nil {
		return nil, fmt.Errorf("error reading roads: %w", err)
	}
	return m, nil
}

func (m *IAmDispatcherMessage) MarshalBinary() ([]byte, error) {
	if len(m.Roads) > math.MaxUint8 {
		return nil, fmt.Errorf("too many roads: %d", len(m.Roads))
	}
	buf := bytes.NewBuffer([]byte{IAmDispatcherMessageType, uint8(len(m.Roads))})
	_ = binary.Write(buf, binary.BigEndian, m.Roads)
	return buf.Bytes(), nil
}

// readField reads a fixed-size big-endian value. The message type has already been consumed, so running out of
// input here always means the stream ended mid-frame.
func readField(r io.Reader, data any) error {
	if err := binary.Read(r, binary.BigEndian, data); err != nil {
		if errors.Is(err, io.EOF) {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	return nil
}

func readString(r io.Reader) (string, error) {
	var n uint8
	if err := readField(r, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		if errors.Is(err, io.EOF) {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}
	return string(b), nil
}

func writeString(buf *bytes.Buffer, s string) error {
	if len(s) > math.MaxUint8 {
		return fmt.Errorf("%w: %d", ErrStringTooLong, len(s))
	}
	buf.WriteByte(uint8(len(s)))
	buf.WriteString(s)
	return nil
}
