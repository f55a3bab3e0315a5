package channel

import (
	"context"
	"errors"
	"testing"

	"notifyd/internal/notify"
	"notifyd/pkg/logx"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(NewConsole(logx.Nop())); err != nil {
		t.Fatalf("register: %v", err)
	}

	c, err := reg.Get("console")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.Key() != "console" {
		t.Fatalf("unexpected key %q", c.Key())
	}

	if _, err := reg.Get("pigeon"); err == nil {
		t.Fatalf("expected error for unregistered channel")
	}

	keys := reg.Keys()
	if len(keys) != 1 || keys[0] != "console" {
		t.Fatalf("unexpected keys: %v", keys)
	}
}

func TestConsoleAlwaysSucceeds(t *testing.T) {
	c := NewConsole(logx.Nop())
	err := c.Send(context.Background(), []notify.Recipient{{ID: "u1"}}, Envelope{
		Parts: map[string]string{PartSubject: "hi", PartBody: "there"},
	})
	if err != nil {
		t.Fatalf("console send: %v", err)
	}
}

func TestParseDataPart(t *testing.T) {
	data, err := parseDataPart("  {\"k\": \"v\"}\n")
	if err != nil {
		t.Fatalf("valid data part: %v", err)
	}
	if data["k"] != "v" {
		t.Fatalf("unexpected data: %v", data)
	}

	if data, err = parseDataPart("   \n"); err != nil || len(data) != 0 {
		t.Fatalf("empty part should be empty object, got %v, %v", data, err)
	}

	if _, err = parseDataPart("{broken"); !errors.Is(err, ErrMalformedPart) {
		t.Fatalf("expected ErrMalformedPart, got %v", err)
	}
}

func TestChatRoomID(t *testing.T) {
	for _, tc := range []struct {
		in   any
		want int64
	}{
		{int64(42), 42},
		{7, 7},
		{"-100123", -100123},
	} {
		got, err := chatRoomID(map[string]any{"chat_room_id": tc.in})
		if err != nil {
			t.Fatalf("chatRoomID(%v): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("chatRoomID(%v) = %d, want %d", tc.in, got, tc.want)
		}
	}

	if _, err := chatRoomID(map[string]any{}); err == nil {
		t.Fatalf("expected error for missing room id")
	}
	if _, err := chatRoomID(map[string]any{"chat_room_id": "abc"}); err == nil {
		t.Fatalf("expected error for non-numeric room id")
	}
}

func TestSMSNumbers(t *testing.T) {
	r := notify.Recipient{
		Phone: "+1000",
		Devices: []notify.Device{
			{Token: "+1001"},
			{Token: "push-token", Endpoint: "arn:aws:sns:..."},
			{Token: "+1002"},
		},
	}
	got := smsNumbers(r)
	if len(got) != 2 || got[0] != "+1001" || got[1] != "+1002" {
		t.Fatalf("unexpected numbers: %v", got)
	}

	got = smsNumbers(notify.Recipient{Phone: "+1000"})
	if len(got) != 1 || got[0] != "+1000" {
		t.Fatalf("expected phone fallback, got %v", got)
	}
}
