// Package bridge reaches the actuators through a bus supervisor MCU. The
// supervisor owns the motor bus; this side speaks the framed host link.
package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"kbotrt/protocol"
)

// Fixed ids used before the dictionary is known
const (
	identifyCmdID      = 1
	identifyResponseID = 0
	identifyChunk      = 40
)

var ErrNotConnected = errors.New("not connected to supervisor")

// Link is a connection to the supervisor with its dictionary loaded
type Link struct {
	transport *protocol.HostTransport
	dict      *Dictionary
	raw       []byte
}

// Connect wraps port, retrieves the dictionary and returns a ready link
func Connect(ctx context.Context, port io.ReadWriteCloser) (*Link, error) {
	l := &Link{transport: protocol.NewHostTransport(port)}
	if err := l.retrieveDictionary(ctx); err != nil {
		l.transport.Close()
		return nil, err
	}
	slog.Info("supervisor connected", "version", l.dict.Version, "commands", len(l.dict.Commands), "dictionary_bytes", len(l.raw))
	return l, nil
}

func (l *Link) retrieveDictionary(ctx context.Context) error {
	var buf bytes.Buffer
	offset := uint32(0)

	for i := 0; i < 1000; i++ {
		chunk, err := l.identify(ctx, offset)
		if err != nil {
			return fmt.Errorf("failed to retrieve dictionary chunk at offset %d: %w", offset, err)
		}
		buf.Write(chunk)
		offset += uint32(len(chunk))
		if len(chunk) < identifyChunk {
			break
		}
	}

	l.raw = buf.Bytes()
	dict, err := ParseDictionary(l.raw)
	if err != nil {
		return err
	}
	l.dict = dict
	return nil
}

// identify fetches one dictionary chunk starting at offset
func (l *Link) identify(ctx context.Context, offset uint32) ([]byte, error) {
	err := l.transport.SendCommand(ctx, identifyCmdID, func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, offset)
		protocol.EncodeVLQUint(out, identifyChunk)
	})
	if err != nil {
		return nil, err
	}

	for {
		id, payload, err := l.Receive(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to receive identify response: %w", err)
		}
		if id != identifyResponseID {
			slog.Debug("discarding response during identify", "id", id)
			continue
		}

		respOffset, err := protocol.DecodeVLQUint(&payload)
		if err != nil {
			return nil, fmt.Errorf("failed to decode response offset: %w", err)
		}
		if respOffset != offset {
			return nil, fmt.Errorf("offset mismatch: expected %d, got %d", offset, respOffset)
		}
		data, err := protocol.DecodeVLQBytes(&payload)
		if err != nil {
			return nil, fmt.Errorf("failed to decode response data: %w", err)
		}
		return append([]byte(nil), data...), nil
	}
}

// Dictionary returns the supervisor's dictionary
func (l *Link) Dictionary() *Dictionary {
	return l.dict
}

// Send issues a named command and waits for its ACK
func (l *Link) Send(ctx context.Context, name string, args func(out protocol.OutputBuffer)) error {
	if l.dict == nil {
		return ErrNotConnected
	}
	id, ok := l.dict.CommandID(name)
	if !ok {
		return fmt.Errorf("unknown command: %s", name)
	}
	return l.transport.SendCommand(ctx, id, args)
}

// Receive returns the next response id and its argument bytes
func (l *Link) Receive(ctx context.Context) (uint16, []byte, error) {
	msg, err := l.transport.ReceiveResponse(ctx)
	if err != nil {
		return 0, nil, err
	}
	payload := msg.Payload
	id, err := protocol.DecodeVLQUint(&payload)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to decode response id: %w", err)
	}
	return uint16(id), payload, nil
}

// Discard drops responses left over from an earlier exchange
func (l *Link) Discard() {
	if n := l.transport.DrainResponses(); n > 0 {
		slog.Debug("discarded stale supervisor responses", "count", n)
	}
}

// SetAckTimeout bounds each command's ACK wait
func (l *Link) SetAckTimeout(d time.Duration) {
	l.transport.SetAckTimeout(d)
}

// Stats returns framing error counters for the link
func (l *Link) Stats() protocol.ParserStats {
	return l.transport.Stats()
}

// Close closes the transport and the port
func (l *Link) Close() error {
	return l.transport.Close()
}
