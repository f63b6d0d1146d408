package protocol_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"pgregory.net/rapid"

	"github.com/vehbioztomurcuk/oeks-tt-v2/internal/artifact"
	"github.com/vehbioztomurcuk/oeks-tt-v2/internal/protocol"
)

func announce(t rapid.TB, typ, ts string) protocol.Message {
	t.Helper()
	body := map[string]string{"type": typ, "timestamp": ts}
	if typ == protocol.TypeVideoData {
		body["video_file"] = ts + ".webm"
	}
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return protocol.Message{Data: data}
}

func payload(b []byte) protocol.Message {
	return protocol.Message{Binary: true, Data: b}
}

// Property 1: N announces each immediately followed by its payload yield
// exactly N pairs in the same order.
func TestPairingProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 30).Draw(t, "n")
		var a protocol.Assembler

		var got []*protocol.Pair
		for i := 0; i < n; i++ {
			typ := rapid.SampledFrom([]string{protocol.TypeMetadata, protocol.TypeVideoData}).Draw(t, "type")
			ts := fmt.Sprintf("20250101_%06d", i)
			body := rapid.SliceOfN(rapid.Byte(), 0, 64).Draw(t, "payload")

			p, err := a.OnMessage(announce(t, typ, ts))
			if err != nil || p != nil {
				t.Fatalf("announce %d: pair=%v err=%v", i, p, err)
			}
			p, err = a.OnMessage(payload(body))
			if err != nil || p == nil {
				t.Fatalf("payload %d: pair=%v err=%v", i, p, err)
			}
			if !bytes.Equal(p.Payload, body) {
				t.Fatalf("payload %d mismatch", i)
			}
			got = append(got, p)
		}

		if len(got) != n {
			t.Fatalf("got %d pairs, want %d", len(got), n)
		}
		for i, p := range got {
			if want := fmt.Sprintf("20250101_%06d", i); p.Announce.CapturedAt != want {
				t.Fatalf("pair %d captured_at = %s, want %s", i, p.Announce.CapturedAt, want)
			}
		}
		if _, ok := a.Pending(); ok {
			t.Fatal("announce left pending")
		}
	})
}

// Property 2: announce A, announce B, payload P yields (B, P) and reports A
// as dropped.
func TestDesyncRecovery(t *testing.T) {
	var a protocol.Assembler

	if p, err := a.OnMessage(announce(t, protocol.TypeMetadata, "A")); p != nil || err != nil {
		t.Fatalf("A: %v %v", p, err)
	}

	p, err := a.OnMessage(announce(t, protocol.TypeMetadata, "B"))
	if p != nil {
		t.Fatalf("B produced a pair: %+v", p)
	}
	if !errors.Is(err, protocol.ErrDesync) {
		t.Fatalf("B error = %v, want ErrDesync", err)
	}
	var desync *protocol.DesyncError
	if !errors.As(err, &desync) || desync.Dropped.CapturedAt != "A" {
		t.Fatalf("dropped = %+v", desync)
	}

	p, err = a.OnMessage(payload([]byte("P")))
	if err != nil || p == nil {
		t.Fatalf("payload: %v %v", p, err)
	}
	if p.Announce.CapturedAt != "B" || string(p.Payload) != "P" {
		t.Errorf("pair = %+v", p)
	}
}

func TestOrphanPayload(t *testing.T) {
	var a protocol.Assembler
	if _, err := a.OnMessage(payload([]byte("x"))); !errors.Is(err, protocol.ErrOrphanPayload) {
		t.Fatalf("err = %v, want ErrOrphanPayload", err)
	}
	// The stream continues normally afterwards.
	if _, err := a.OnMessage(announce(t, protocol.TypeMetadata, "T")); err != nil {
		t.Fatalf("announce: %v", err)
	}
	if p, err := a.OnMessage(payload([]byte("y"))); err != nil || p == nil {
		t.Fatalf("payload: %v %v", p, err)
	}
}

func TestMalformedKeepsPending(t *testing.T) {
	var a protocol.Assembler
	if _, err := a.OnMessage(announce(t, protocol.TypeMetadata, "T")); err != nil {
		t.Fatalf("announce: %v", err)
	}
	if _, err := a.OnMessage(protocol.Message{Data: []byte("{not json")}); !errors.Is(err, protocol.ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
	p, err := a.OnMessage(payload([]byte("z")))
	if err != nil || p == nil || p.Announce.CapturedAt != "T" {
		t.Fatalf("pair = %+v, err = %v", p, err)
	}
}

func TestAuthAfterAuthentication(t *testing.T) {
	var a protocol.Assembler
	_, err := a.OnMessage(protocol.Message{Data: []byte(`{"type":"auth","api_key":"k","staff_id":"x"}`)})
	if !errors.Is(err, protocol.ErrUnexpectedFrame) {
		t.Fatalf("err = %v, want ErrUnexpectedFrame", err)
	}
}

func TestReset(t *testing.T) {
	var a protocol.Assembler
	if _, err := a.OnMessage(announce(t, protocol.TypeMetadata, "T")); err != nil {
		t.Fatalf("announce: %v", err)
	}
	a.Reset()
	if _, err := a.OnMessage(payload([]byte("late"))); !errors.Is(err, protocol.ErrOrphanPayload) {
		t.Fatalf("payload after Reset err = %v, want ErrOrphanPayload", err)
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    protocol.Frame
		wantErr error
	}{
		{
			name: "auth",
			in:   `{"type":"auth","api_key":"k","staff_id":"alice","name":"Alice","division":"Ops"}`,
			want: protocol.Auth{APIKey: "k", StaffID: "alice", Name: "Alice", Division: "Ops"},
		},
		{
			name: "metadata",
			in:   `{"type":"metadata","staff_id":"alice","timestamp":"20250101_120000","activity_status":"idle","size":10}`,
			want: protocol.Announce{Kind: artifact.KindImage, CapturedAt: "20250101_120000", SubjectID: "alice", ActivityStatus: "idle"},
		},
		{
			name: "video",
			in:   `{"type":"video_data","video_file":"clip.mp4","timestamp":"20250101_120000"}`,
			want: protocol.Announce{Kind: artifact.KindVideo, CapturedAt: "20250101_120000", Filename: "clip.mp4"},
		},
		{name: "missing timestamp", in: `{"type":"metadata"}`, wantErr: protocol.ErrMalformed},
		{name: "numeric timestamp", in: `{"type":"metadata","timestamp":20250101}`, wantErr: protocol.ErrMalformed},
		{name: "missing type", in: `{"timestamp":"x"}`, wantErr: protocol.ErrMalformed},
		{name: "unknown type", in: `{"type":"ping"}`, wantErr: protocol.ErrUnknownFrame},
		{name: "garbage", in: `garbage`, wantErr: protocol.ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := protocol.Decode([]byte(tt.in))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got != tt.want {
				t.Errorf("Decode = %#v, want %#v", got, tt.want)
			}
		})
	}
}
