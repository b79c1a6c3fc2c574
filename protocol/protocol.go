// Package protocol implements the framed host link to the actuator bus
// supervisor: length, sequence, VLQ payload, CRC16 and a sync byte.
package protocol

import "fmt"

// Frame layout: [len][seq][payload...][crc hi][crc lo][sync]
const (
	MessageHeaderSize  = 2
	MessageTrailerSize = 3
	MessageLengthMin   = MessageHeaderSize + MessageTrailerSize
	MessageLengthMax   = 64
	MessagePayloadMax  = MessageLengthMax - MessageLengthMin
	MessagePositionLen = 0
	MessagePositionSeq = 1
	MessageTrailerCRC  = 3
	MessageTrailerSync = 1
	MessageValueSync   = 0x7E

	// Host sequence numbers live in 0x10-0x1F
	MessageDest     = 0x10
	MessageSeqMask  = 0x0F
	MessageSeqShift = 4

	// MessageMax bounds one payload scratch buffer
	MessageMax = 512
)

// Message is one parsed frame. An empty payload is an ACK.
type Message struct {
	Length   uint8
	Sequence uint8
	Payload  []byte
	CRC      uint16
}

// IsAck reports whether m carries no payload
func (m *Message) IsAck() bool {
	return len(m.Payload) == 0
}

// NextSequence advances a host sequence number, wrapping within 0x10-0x1F
func NextSequence(seq uint8) uint8 {
	return ((seq + 1) & MessageSeqMask) | MessageDest
}

// EncodeFrame wraps payload into a complete frame
func EncodeFrame(seq uint8, payload []byte) ([]byte, error) {
	msgLen := MessageLengthMin + len(payload)
	if msgLen > MessageLengthMax {
		return nil, fmt.Errorf("message too long: %d bytes (max %d)", msgLen, MessageLengthMax)
	}

	frame := make([]byte, 0, msgLen)
	frame = append(frame, uint8(msgLen), seq)
	frame = append(frame, payload...)

	crc := CRC16(frame)
	frame = append(frame, uint8(crc>>8), uint8(crc&0xFF), MessageValueSync)
	return frame, nil
}

// EncodeMessage builds a payload of a VLQ command id followed by args
func EncodeMessage(cmdID uint16, args func(output OutputBuffer)) []byte {
	scratch := NewScratchOutput()
	EncodeVLQUint(scratch, uint32(cmdID))
	if args != nil {
		args(scratch)
	}
	return append([]byte(nil), scratch.Result()...)
}
