package viewerproto_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"brickstream.ai/internal/viewerproto"
)

func TestSchemas_ValidateMessages(t *testing.T) {
	compile := func(name string) *jsonschema.Schema {
		t.Helper()
		p := filepath.Join("..", "..", "schemas", name)
		s, err := jsonschema.Compile(p)
		if err != nil {
			t.Fatalf("compile %s: %v", name, err)
		}
		return s
	}

	// Round-trip through JSON so the validator sees the wire form.
	wire := func(v any) any {
		t.Helper()
		b, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var out any
		if err := json.Unmarshal(b, &out); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return out
	}

	validate := func(s *jsonschema.Schema, v any) {
		t.Helper()
		if err := s.Validate(wire(v)); err != nil {
			t.Fatalf("validate: %v", err)
		}
	}

	validate(compile("viewer_subscribe.schema.json"), viewerproto.SubscribeMsg{
		Type:            viewerproto.TypeSubscribe,
		ProtocolVersion: viewerproto.Version,
		EveryN:          2,
	})

	validate(compile("viewer_frame.schema.json"), viewerproto.FrameMsg{
		Type:            viewerproto.TypeFrame,
		ProtocolVersion: viewerproto.Version,
		Frame:           9,
		Width:           640,
		Height:          360,
		Hits:            1000,
		Requested:       4,
		DurationMS:      3.5,
		PNGBytes:        2048,
	})

	validate(compile("viewer_bootstrap.schema.json"), viewerproto.BootstrapResponse{
		ProtocolVersion: viewerproto.Version,
		RunID:           "5f1c",
		Grid:            viewerproto.GridParams{Dims: [3]int{32, 16, 32}, BrickSize: 8},
		Image:           viewerproto.ImageParams{Width: 640, Height: 360, Format: "png"},
	})

	bad := compile("viewer_subscribe.schema.json")
	if err := bad.Validate(wire(map[string]any{"type": "HELLO", "protocol_version": "1.0"})); err == nil {
		t.Fatalf("HELLO accepted as SUBSCRIBE")
	}
}
