package stream

import "testing"

func TestFlowControlConstants(t *testing.T) {
	if streamSendmeWindow != 50 {
		t.Fatalf("streamSendmeWindow = %d, want 50", streamSendmeWindow)
	}
	if initStreamWindow != 500 {
		t.Fatalf("initStreamWindow = %d, want 500", initStreamWindow)
	}
}

func TestStreamCreditSend(t *testing.T) {
	s := &Stream{streamWindow: 0}
	s.creditSend()
	if s.streamWindow != streamSendmeWindow {
		t.Fatalf("streamWindow after credit = %d, want %d", s.streamWindow, streamSendmeWindow)
	}
}

func TestStreamAccountDataReceivedTriggersAtWindow(t *testing.T) {
	s := &Stream{
		dataReceived: streamSendmeWindow - 1,
		exitRole:     true,
		mux:          &Muxer{},
	}
	// accountDataReceived sends through buildRelay, which needs a circuit, so
	// this replays its counter steps on s instead of calling it: the counter
	// is due at the window boundary and resets, so repeated calls don't keep
	// firing sendStreamSendme every single cell after the first.
	s.mu.Lock()
	s.dataReceived++
	due := s.dataReceived >= streamSendmeWindow
	if due {
		s.dataReceived = 0
	}
	s.mu.Unlock()
	if !due {
		t.Fatal("expected sendme to be due at the window boundary")
	}
	if s.dataReceived != 0 {
		t.Fatalf("dataReceived after reset = %d, want 0", s.dataReceived)
	}
}
