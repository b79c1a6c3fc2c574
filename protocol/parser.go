package protocol

// ParserStats counts framing problems seen on the link
type ParserStats struct {
	Frames     uint64
	CRCErrors  uint64
	LenErrors  uint64
	SyncErrors uint64
	Resyncs    uint64
	Discarded  uint64 // bytes skipped while hunting for sync
}

// Parser reassembles frames from an unframed byte stream. After a bad
// length, CRC or trailer it discards input up to the next sync byte.
type Parser struct {
	fifo         *FifoBuffer
	synchronized bool
	stats        ParserStats
}

func NewParser() *Parser {
	return &Parser{
		fifo:         NewFifoBuffer(4 * MessageMax),
		synchronized: true,
	}
}

// Feed consumes data and returns every complete frame found
func (p *Parser) Feed(data []byte) []*Message {
	var out []*Message
	for len(data) > 0 {
		n := p.fifo.Write(data)
		if n == 0 {
			p.fifo.Reset()
			p.synchronized = false
			continue
		}
		data = data[n:]
		out = append(out, p.parse()...)
	}
	return out
}

// Stats returns the framing counters
func (p *Parser) Stats() ParserStats {
	return p.stats
}

// Reset drops buffered input and assumes the next byte starts a frame
func (p *Parser) Reset() {
	p.fifo.Reset()
	p.synchronized = true
}

func (p *Parser) parse() []*Message {
	var out []*Message
	data := p.fifo.Data()

	for len(data) > 0 {
		if !p.synchronized {
			i := 0
			for i < len(data) && data[i] != MessageValueSync {
				i++
			}
			p.stats.Discarded += uint64(i)
			if i == len(data) {
				data = nil
				break
			}
			data = data[i+1:]
			p.synchronized = true
			p.stats.Resyncs++
			continue
		}

		if data[0] == MessageValueSync {
			data = data[1:]
			continue
		}
		if len(data) < MessageLengthMin {
			break
		}

		msgLen := int(data[MessagePositionLen])
		if msgLen < MessageLengthMin || msgLen > MessageLengthMax {
			p.stats.LenErrors++
			p.synchronized = false
			continue
		}
		if len(data) < msgLen {
			break
		}

		if data[msgLen-MessageTrailerSync] != MessageValueSync {
			p.stats.SyncErrors++
			p.synchronized = false
			continue
		}

		frameCRC := uint16(data[msgLen-MessageTrailerCRC])<<8 | uint16(data[msgLen-MessageTrailerCRC+1])
		if frameCRC != CRC16(data[:msgLen-MessageTrailerSize]) {
			p.stats.CRCErrors++
			p.synchronized = false
			continue
		}

		payload := make([]byte, msgLen-MessageLengthMin)
		copy(payload, data[MessageHeaderSize:msgLen-MessageTrailerSize])
		out = append(out, &Message{
			Length:   data[MessagePositionLen],
			Sequence: data[MessagePositionSeq],
			Payload:  payload,
			CRC:      frameCRC,
		})
		p.stats.Frames++
		data = data[msgLen:]
	}

	p.fifo.Pop(p.fifo.Available() - len(data))
	return out
}
