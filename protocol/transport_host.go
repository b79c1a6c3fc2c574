package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var ErrTransportClosed = errors.New("transport closed")

// DefaultAckTimeout bounds how long SendCommand waits for the supervisor
const DefaultAckTimeout = 100 * time.Millisecond

// HostTransport sends commands to the supervisor and waits for ACKs.
// A background goroutine reads the port, splitting ACKs from responses.
type HostTransport struct {
	port io.ReadWriteCloser

	seq atomic.Uint32 // 0x10-0x1F

	parser   *Parser
	parserMu sync.Mutex

	ackChan      chan *Message
	responseChan chan *Message

	// sendMu serializes frame write and ACK wait so ACKs pair with sends
	sendMu sync.Mutex

	ackTimeout time.Duration

	closeOnce sync.Once
	stopChan  chan struct{}
	doneChan  chan struct{}
}

// NewHostTransport wraps port and starts the reader
func NewHostTransport(port io.ReadWriteCloser) *HostTransport {
	t := &HostTransport{
		port:         port,
		parser:       NewParser(),
		ackChan:      make(chan *Message, 1),
		responseChan: make(chan *Message, 64),
		ackTimeout:   DefaultAckTimeout,
		stopChan:     make(chan struct{}),
		doneChan:     make(chan struct{}),
	}
	t.seq.Store(MessageDest)

	go t.readLoop()
	return t
}

// SetAckTimeout changes the per-command ACK deadline
func (t *HostTransport) SetAckTimeout(d time.Duration) {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	t.ackTimeout = d
}

// SendCommand frames one command and waits for its ACK, ctx or the ACK
// timeout, whichever comes first
func (t *HostTransport) SendCommand(ctx context.Context, cmdID uint16, args func(output OutputBuffer)) error {
	payload := EncodeMessage(cmdID, args)

	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	seq := uint8(t.seq.Load())
	frame, err := EncodeFrame(seq, payload)
	if err != nil {
		return fmt.Errorf("failed to build command %d: %w", cmdID, err)
	}

	// Drop any ACK left over from a timed-out send
	select {
	case <-t.ackChan:
	default:
	}

	if err := t.write(frame); err != nil {
		return fmt.Errorf("failed to write command %d: %w", cmdID, err)
	}

	if err := t.waitForAck(ctx, seq); err != nil {
		return fmt.Errorf("command %d not acknowledged: %w", cmdID, err)
	}
	return nil
}

func (t *HostTransport) write(frame []byte) error {
	n, err := t.port.Write(frame)
	if err != nil {
		return err
	}
	if n != len(frame) {
		return fmt.Errorf("incomplete write: %d/%d bytes", n, len(frame))
	}
	return nil
}

// waitForAck expects the receiver to acknowledge with the next sequence
func (t *HostTransport) waitForAck(ctx context.Context, seq uint8) error {
	timer := time.NewTimer(t.ackTimeout)
	defer timer.Stop()

	want := NextSequence(seq)
	for {
		select {
		case ack := <-t.ackChan:
			if ack.Sequence != want {
				slog.Debug("ignoring stale ack", "want", want, "got", ack.Sequence)
				continue
			}
			t.seq.Store(uint32(want))
			return nil
		case <-timer.C:
			return fmt.Errorf("ack timeout after %v", t.ackTimeout)
		case <-ctx.Done():
			return ctx.Err()
		case <-t.stopChan:
			return ErrTransportClosed
		}
	}
}

// ReceiveResponse returns the next response frame
func (t *HostTransport) ReceiveResponse(ctx context.Context) (*Message, error) {
	select {
	case resp := <-t.responseChan:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.stopChan:
		return nil, ErrTransportClosed
	}
}

// DrainResponses discards queued responses and returns how many were dropped
func (t *HostTransport) DrainResponses() int {
	n := 0
	for {
		select {
		case <-t.responseChan:
			n++
		default:
			return n
		}
	}
}

func (t *HostTransport) readLoop() {
	defer close(t.doneChan)

	buf := make([]byte, 256)
	for {
		select {
		case <-t.stopChan:
			return
		default:
		}

		n, err := t.port.Read(buf)
		if n > 0 {
			t.parserMu.Lock()
			msgs := t.parser.Feed(buf[:n])
			t.parserMu.Unlock()
			for _, msg := range msgs {
				t.dispatch(msg)
			}
		}
		if err != nil {
			select {
			case <-t.stopChan:
				return
			default:
			}
			switch {
			case errors.Is(err, io.ErrClosedPipe):
				return
			case errors.Is(err, io.EOF):
				// Serial read timeout on a quiet line
				time.Sleep(time.Millisecond)
			default:
				slog.Warn("host link read failed", "error", err)
				time.Sleep(10 * time.Millisecond)
			}
		}
	}
}

func (t *HostTransport) dispatch(msg *Message) {
	if msg.IsAck() {
		select {
		case t.ackChan <- msg:
		default:
			slog.Debug("dropping unexpected ack", "seq", msg.Sequence)
		}
		return
	}

	select {
	case t.responseChan <- msg:
	default:
		// Full: drop the oldest so the newest state wins
		select {
		case <-t.responseChan:
		default:
		}
		t.responseChan <- msg
		slog.Warn("host link response queue overflow")
	}
}

// Stats returns the framing counters
func (t *HostTransport) Stats() ParserStats {
	t.parserMu.Lock()
	defer t.parserMu.Unlock()
	return t.parser.Stats()
}

// Sequence returns the sequence number of the next command
func (t *HostTransport) Sequence() uint8 {
	return uint8(t.seq.Load())
}

// Reset restarts sequencing and drops buffered input
func (t *HostTransport) Reset() {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	t.seq.Store(MessageDest)
	t.parserMu.Lock()
	t.parser.Reset()
	t.parserMu.Unlock()

	select {
	case <-t.ackChan:
	default:
	}
	t.DrainResponses()
}

// Close stops the reader and closes the port
func (t *HostTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.stopChan)
		if t.port != nil {
			err = t.port.Close()
		}
		<-t.doneChan
	})
	return err
}
