package gmcp

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		wantName string
		wantData any
	}{
		{
			name:     "object payload",
			payload:  `Room.Info {"name":"Square"}`,
			wantName: "Room.Info",
			wantData: map[string]any{"name": "Square"},
		},
		{
			name:     "no payload",
			payload:  "Core.Ping",
			wantName: "Core.Ping",
			wantData: nil,
		},
		{
			name:     "string payload",
			payload:  `Comm.Channel.Text "hello there"`,
			wantName: "Comm.Channel.Text",
			wantData: "hello there",
		},
		{
			name:     "number payload",
			payload:  "Char.Vitals.Hp 100",
			wantName: "Char.Vitals.Hp",
			wantData: json.Number("100"),
		},
		{
			name:     "array payload",
			payload:  `Room.Players ["a","b"]`,
			wantName: "Room.Players",
			wantData: []any{"a", "b"},
		},
		{
			name:     "null payload",
			payload:  "Char.Target null",
			wantName: "Char.Target",
			wantData: nil,
		},
		{
			name:     "nested payload",
			payload:  `Room.Info {"exits":{"n":123,"e":"plaza"},"coords":[1,2,3],"indoor":true}`,
			wantName: "Room.Info",
			wantData: map[string]any{
				"exits":  map[string]any{"n": json.Number("123"), "e": "plaza"},
				"coords": []any{json.Number("1"), json.Number("2"), json.Number("3")},
				"indoor": true,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Decode([]byte(tt.payload))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if ev.Name != tt.wantName {
				t.Errorf("Name = %q, want %q", ev.Name, tt.wantName)
			}
			want := Event{Name: tt.wantName, Data: tt.wantData}
			if !ev.Equal(want) {
				t.Errorf("Data = %#v, want %#v", ev.Data, tt.wantData)
			}
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"empty", ""},
		{"spaces only", "   "},
		{"bad name", "not a name! {}"},
		{"leading dot", ".Room {}"},
		{"double dot", "Room..Info {}"},
		{"broken json", `Room.Info {"name":`},
		{"bare word payload", "Room.Info notjson"},
		{"trailing garbage", `Room.Info {"a":1} extra`},
		{"two values", "Char.Vitals 1 2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.payload))
			var mp *MalformedPayloadError
			if !errors.As(err, &mp) {
				t.Fatalf("Decode(%q) err = %v, want MalformedPayloadError", tt.payload, err)
			}
		})
	}
}

func TestDecodeMalformedOffset(t *testing.T) {
	payload := `Room.Info {"name":?}`
	_, err := Decode([]byte(payload))
	var mp *MalformedPayloadError
	if !errors.As(err, &mp) {
		t.Fatalf("err = %v, want MalformedPayloadError", err)
	}
	if mp.Name != "Room.Info" {
		t.Errorf("Name = %q, want Room.Info", mp.Name)
	}
	// The '?' sits at byte 18 of the full payload; the reported offset
	// counts bytes read through the offending character.
	if mp.Offset < 18 || mp.Offset > 19 {
		t.Errorf("Offset = %d, want 18 or 19", mp.Offset)
	}
}

func TestRoundTrip(t *testing.T) {
	events := []struct {
		name string
		data any
	}{
		{"Core.Hello", map[string]any{"client": "bcproxy", "version": "1"}},
		{"Core.Ping", nil},
		{"Char.Vitals", map[string]any{"hp": 100, "sp": 50.5}},
		{"Room.Players", []any{"ulath", "killer orc"}},
		{"Comm.Channel.Text", "a plain string"},
		{"Char.Afflicted", true},
	}
	for _, tt := range events {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := New(tt.name, tt.data)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			back, err := Decode(Encode(ev))
			if err != nil {
				t.Fatalf("Decode(Encode(ev)): %v", err)
			}
			if !back.Equal(ev) {
				t.Errorf("round trip: got %#v, want %#v", back, ev)
			}
			if !bytes.Equal(back.Raw, ev.Raw) {
				t.Errorf("round trip raw: got %q, want %q", back.Raw, ev.Raw)
			}
		})
	}
}

func TestEncodeOpaquePreservesRaw(t *testing.T) {
	// An event decoded from the wire re-encodes byte-identically even if
	// the relay knows nothing about its name.
	wire := []byte(`Some.Future.Extension {"k":  [1,2 , 3]}`)
	ev, err := Decode(wire)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got := Encode(ev); !bytes.Equal(got, wire) {
		t.Errorf("Encode = %q, want %q", got, wire)
	}
}

func TestPackage(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"Room.Info", "Room"},
		{"Core", "Core"},
		{"Comm.Channel.Text", "Comm"},
	}
	for _, tt := range tests {
		ev := Event{Name: tt.name}
		if got := ev.Package(); got != tt.want {
			t.Errorf("Package(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestEventString(t *testing.T) {
	ev, err := New("Room.Info", map[string]any{"name": "Square"})
	if err != nil {
		t.Fatal(err)
	}
	if got := ev.String(); got != `Room.Info {"name":"Square"}` {
		t.Errorf("String = %q", got)
	}
	if got := (Event{Name: "Core.Ping"}).String(); got != "Core.Ping" {
		t.Errorf("String = %q", got)
	}
}
