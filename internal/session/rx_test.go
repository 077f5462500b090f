package session

import "testing"

func runAssembler(t *testing.T, lines []string) []Message {
	t.Helper()
	var asm rxAssembler
	var msgs []Message
	for _, line := range lines {
		if msg, ok := asm.feed(line); ok {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

func TestRxAssembler_SingleMessage(t *testing.T) {
	msgs := runAssembler(t, []string{
		"+CMQTTRXSTART: 0,12,7",
		"+CMQTTRXTOPIC: 0,12",
		"dev/x/topics",
		"+CMQTTRXPAYLOAD: 0,7",
		"payload",
		"+CMQTTRXEND: 0",
	})

	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Topic != "dev/x/topics" || string(msgs[0].Payload) != "payload" {
		t.Errorf("got %q / %q", msgs[0].Topic, msgs[0].Payload)
	}
}

func TestRxAssembler_MultiLinePayload(t *testing.T) {
	// 13 bytes: "line1\nline2\n" minus trailing; declared length covers
	// the embedded newline the line scanner stripped.
	msgs := runAssembler(t, []string{
		"+CMQTTRXSTART: 0,3,11",
		"+CMQTTRXTOPIC: 0,3",
		"t/p",
		"+CMQTTRXPAYLOAD: 0,11",
		"line1",
		"line2",
		"+CMQTTRXEND: 0",
	})

	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if string(msgs[0].Payload) != "line1\nline2" {
		t.Errorf("payload = %q, want embedded newline restored", msgs[0].Payload)
	}
}

func TestRxAssembler_RestartAbandonsPartial(t *testing.T) {
	msgs := runAssembler(t, []string{
		"+CMQTTRXSTART: 0,5,5",
		"+CMQTTRXTOPIC: 0,5",
		"stale",
		"+CMQTTRXSTART: 0,5,5",
		"+CMQTTRXTOPIC: 0,5",
		"fresh",
		"+CMQTTRXPAYLOAD: 0,5",
		"hello",
		"+CMQTTRXEND: 0",
	})

	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Topic != "fresh" {
		t.Errorf("partial message not abandoned, topic = %q", msgs[0].Topic)
	}
}

func TestRxAssembler_IgnoresLinesOutsideSequence(t *testing.T) {
	msgs := runAssembler(t, []string{
		"OK",
		"+CSQ: 20,99",
		"+CMQTTRXEND: 0",
		"random noise",
	})

	if len(msgs) != 0 {
		t.Fatalf("expected no messages from stray lines, got %d", len(msgs))
	}
}
