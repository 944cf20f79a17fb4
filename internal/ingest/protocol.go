// Package ingest receives sensor traffic over UDP and decodes the three
// inbound message kinds (hello, data, ack) into typed values the registry
// and ring-buffer store consume.
package ingest

import (
	"encoding/binary"
	"fmt"

	"github.com/banshee-data/vibesensor/internal/sensorid"
)

// Message type bytes on the wire.
const (
	MsgHello byte = 0x01
	MsgData  byte = 0x02
	MsgAck   byte = 0x03

	CmdIdentify byte = 0x10
)

// DefaultAccelScaleGPerLSB converts the int16 sample words in a data frame
// to g. Matches a +/-16 g MEMS part at 2048 LSB/g.
const DefaultAccelScaleGPerLSB = 1.0 / 2048.0

const (
	helloNameLen = 32
	helloFWLen   = 16
	helloLen     = 1 + sensorid.Length + 2 + 2 + helloNameLen + helloFWLen + 4
	dataHeader   = 1 + sensorid.Length + 4 + 8 + 2
	ackLen       = 1 + sensorid.Length + 4 + 1
)

// Hello is a decoded MSG_HELLO.
type Hello struct {
	SensorID           string
	ControlPort        uint16
	SampleRateHz       int
	Name               string
	FirmwareVersion    string
	QueueOverflowDrops uint32
}

// DataFrame is a decoded MSG_DATA: one block of tri-axial samples in g.
type DataFrame struct {
	SensorID string
	Seq      uint32
	T0Us     uint64
	X, Y, Z  []float32
}

// Ack is a decoded MSG_ACK.
type Ack struct {
	SensorID string
	CmdSeq   uint32
	Status   int
}

func cString(raw []byte) string {
	for i, b := range raw {
		if b == 0 {
			return string(raw[:i])
		}
	}
	return string(raw)
}

// ParseHello decodes a MSG_HELLO packet.
func ParseHello(pkt []byte) (Hello, error) {
	if len(pkt) < helloLen || pkt[0] != MsgHello {
		return Hello{}, fmt.Errorf("ingest: not a hello packet (%d bytes)", len(pkt))
	}
	id, err := sensorid.Canonical(pkt[1 : 1+sensorid.Length])
	if err != nil {
		return Hello{}, err
	}
	off := 1 + sensorid.Length
	h := Hello{
		SensorID:     id,
		ControlPort:  binary.LittleEndian.Uint16(pkt[off:]),
		SampleRateHz: int(binary.LittleEndian.Uint16(pkt[off+2:])),
	}
	off += 4
	h.Name = cString(pkt[off : off+helloNameLen])
	off += helloNameLen
	h.FirmwareVersion = cString(pkt[off : off+helloFWLen])
	off += helloFWLen
	h.QueueOverflowDrops = binary.LittleEndian.Uint32(pkt[off:])
	return h, nil
}

// ParseData decodes a MSG_DATA packet, converting the int16 sample words to
// g with the given scale (DefaultAccelScaleGPerLSB when zero). A frame whose
// declared sample count doesn't match its payload length is rejected whole;
// there are no partial decodes.
func ParseData(pkt []byte, scaleGPerLSB float64) (DataFrame, error) {
	if scaleGPerLSB <= 0 {
		scaleGPerLSB = DefaultAccelScaleGPerLSB
	}
	if len(pkt) < dataHeader || pkt[0] != MsgData {
		return DataFrame{}, fmt.Errorf("ingest: not a data packet (%d bytes)", len(pkt))
	}
	id, err := sensorid.Canonical(pkt[1 : 1+sensorid.Length])
	if err != nil {
		return DataFrame{}, err
	}
	off := 1 + sensorid.Length
	frame := DataFrame{
		SensorID: id,
		Seq:      binary.LittleEndian.Uint32(pkt[off:]),
		T0Us:     binary.LittleEndian.Uint64(pkt[off+4:]),
	}
	count := int(binary.LittleEndian.Uint16(pkt[off+12:]))
	off = dataHeader
	want := count * 3 * 2
	if len(pkt)-off != want {
		return DataFrame{}, fmt.Errorf("ingest: data payload %d bytes, want %d for %d samples", len(pkt)-off, want, count)
	}
	frame.X = make([]float32, count)
	frame.Y = make([]float32, count)
	frame.Z = make([]float32, count)
	for i := 0; i < count; i++ {
		frame.X[i] = float32(int16(binary.LittleEndian.Uint16(pkt[off:]))) * float32(scaleGPerLSB)
		frame.Y[i] = float32(int16(binary.LittleEndian.Uint16(pkt[off+2:]))) * float32(scaleGPerLSB)
		frame.Z[i] = float32(int16(binary.LittleEndian.Uint16(pkt[off+4:]))) * float32(scaleGPerLSB)
		off += 6
	}
	return frame, nil
}

// ParseAck decodes a MSG_ACK packet.
func ParseAck(pkt []byte) (Ack, error) {
	if len(pkt) < ackLen || pkt[0] != MsgAck {
		return Ack{}, fmt.Errorf("ingest: not an ack packet (%d bytes)", len(pkt))
	}
	id, err := sensorid.Canonical(pkt[1 : 1+sensorid.Length])
	if err != nil {
		return Ack{}, err
	}
	off := 1 + sensorid.Length
	return Ack{
		SensorID: id,
		CmdSeq:   binary.LittleEndian.Uint32(pkt[off:]),
		Status:   int(pkt[off+4]),
	}, nil
}

// EncodeIdentify builds an outbound CMD_IDENTIFY packet for a sensor.
func EncodeIdentify(sensorIDHex string, cmdSeq uint32, durationMs uint16) ([]byte, error) {
	id, err := sensorid.Normalize(sensorIDHex)
	if err != nil {
		return nil, err
	}
	raw := make([]byte, 0, 1+sensorid.Length+4+2)
	raw = append(raw, CmdIdentify)
	for i := 0; i < len(id); i += 2 {
		hi := hexNibble(id[i])
		lo := hexNibble(id[i+1])
		raw = append(raw, hi<<4|lo)
	}
	raw = binary.LittleEndian.AppendUint32(raw, cmdSeq)
	raw = binary.LittleEndian.AppendUint16(raw, durationMs)
	return raw, nil
}

func hexNibble(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return 0
	}
}
