package session

import (
	"bytes"
	"strconv"
	"strings"
)

// rxPhase tracks which section of an inbound publication the engine is
// currently streaming.
type rxPhase int

const (
	rxIdle rxPhase = iota
	rxAwaiting
	rxTopic
	rxPayload
)

// rxAssembler rebuilds inbound publications from the engine's URC
// sequence:
//
//	+CMQTTRXSTART: <client>,<topic_len>,<payload_len>
//	+CMQTTRXTOPIC: <client>,<len>
//	<topic bytes>
//	+CMQTTRXPAYLOAD: <client>,<len>
//	<payload bytes>
//	+CMQTTRXEND: <client>
//
// Content lines arrive through the same event stream as the URCs. Lines
// outside an active sequence are ignored; a new RXSTART while a sequence
// is open abandons the partial message and starts over.
type rxAssembler struct {
	phase      rxPhase
	topicLen   int
	payloadLen int
	topic      bytes.Buffer
	payload    bytes.Buffer
}

// feed consumes one line and returns a complete message when the closing
// URC arrives.
func (a *rxAssembler) feed(line string) (Message, bool) {
	switch {
	case strings.HasPrefix(line, "+CMQTTRXSTART:"):
		a.reset()
		a.topicLen, a.payloadLen = parseRxStart(line)
		a.phase = rxAwaiting
		return Message{}, false

	case strings.HasPrefix(line, "+CMQTTRXTOPIC:"):
		if a.phase == rxIdle {
			return Message{}, false
		}
		a.phase = rxTopic
		return Message{}, false

	case strings.HasPrefix(line, "+CMQTTRXPAYLOAD:"):
		if a.phase == rxIdle {
			return Message{}, false
		}
		a.phase = rxPayload
		return Message{}, false

	case strings.HasPrefix(line, "+CMQTTRXEND:"):
		if a.phase == rxIdle {
			return Message{}, false
		}
		msg := Message{
			Topic:   a.topic.String(),
			Payload: append([]byte(nil), a.payload.Bytes()...),
		}
		a.reset()
		return msg, true
	}

	switch a.phase {
	case rxTopic:
		appendChunk(&a.topic, a.topicLen, line)
	case rxPayload:
		appendChunk(&a.payload, a.payloadLen, line)
	}
	return Message{}, false
}

func (a *rxAssembler) reset() {
	a.phase = rxIdle
	a.topicLen = 0
	a.payloadLen = 0
	a.topic.Reset()
	a.payload.Reset()
}

// appendChunk restores newlines the line scanner stripped: if the buffer
// already holds data but is short of the declared length, the chunk
// boundary was a newline inside the content.
func appendChunk(buf *bytes.Buffer, declared int, line string) {
	if buf.Len() > 0 && buf.Len() < declared {
		buf.WriteByte('\n')
	}
	buf.WriteString(line)
}

// parseRxStart extracts topic and payload lengths from an RXSTART line.
func parseRxStart(line string) (topicLen, payloadLen int) {
	rest := strings.TrimSpace(strings.TrimPrefix(line, "+CMQTTRXSTART:"))
	fields := strings.Split(rest, ",")
	if len(fields) != 3 {
		return 0, 0
	}
	topicLen, _ = strconv.Atoi(strings.TrimSpace(fields[1]))
	payloadLen, _ = strconv.Atoi(strings.TrimSpace(fields[2]))
	return topicLen, payloadLen
}
