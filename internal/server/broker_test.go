package server

import (
	"testing"
	"time"
)

func TestFormatSSE(t *testing.T) {
	got := string(formatSSE("source_changed", `{"source_id":"payments"}`))
	want := "event: source_changed\ndata: {\"source_id\":\"payments\"}\n\n"
	if got != want {
		t.Errorf("formatSSE = %q, want %q", got, want)
	}
}

func TestBrokerBroadcast(t *testing.T) {
	b := NewBroker(nil, testLogger())

	ch1 := b.Subscribe()
	ch2 := b.Subscribe()
	defer b.Unsubscribe(ch1)
	defer b.Unsubscribe(ch2)

	event := formatSSE("source_changed", "payments")
	b.broadcast(event)

	for _, ch := range []chan []byte{ch1, ch2} {
		select {
		case got := <-ch:
			if string(got) != string(event) {
				t.Errorf("received %q, want %q", got, event)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for broadcast")
		}
	}
}

func TestBrokerUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker(nil, testLogger())

	ch := b.Subscribe()
	b.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Error("expected channel to be closed after unsubscribe")
	}

	// Broadcasting after unsubscribe must not panic or block.
	b.broadcast([]byte("data: x\n\n"))
}

func TestBrokerDropsWhenSubscriberFull(t *testing.T) {
	b := NewBroker(nil, testLogger())

	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	// Fill the buffer past capacity; the overflow is dropped, not blocked.
	for i := 0; i < cap(ch)+10; i++ {
		b.broadcast([]byte("data: x\n\n"))
	}

	drained := 0
	for {
		select {
		case <-ch:
			drained++
		default:
			if drained != cap(ch) {
				t.Errorf("drained %d events, want %d", drained, cap(ch))
			}
			return
		}
	}
}
