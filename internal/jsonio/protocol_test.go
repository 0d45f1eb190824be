package jsonio

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/HyphaGroup/agentbridge/internal/message"
)

func TestDecodeInbound(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    Inbound
		wantErr bool
	}{
		{"new task", `{"type":"newTask","text":"fix the bug","images":["a.png"]}`, Inbound{Type: TypeNewTask, Text: "fix the bug", Images: []string{"a.png"}}, false},
		{"yes button", `{"type":"askResponse","askResponse":"yesButtonClicked"}`, Inbound{Type: TypeAskResponse, AskResponse: message.AskResponseYes}, false},
		{"message response", `{"type":"askResponse","askResponse":"messageResponse","text":"use main.go"}`, Inbound{Type: TypeAskResponse, AskResponse: message.AskResponseMessage, Text: "use main.go"}, false},
		{"empty task", `{"type":"newTask"}`, Inbound{}, true},
		{"bad ask response", `{"type":"askResponse","askResponse":"maybe"}`, Inbound{}, true},
		{"unknown type", `{"type":"explode"}`, Inbound{}, true},
		{"missing type", `{"text":"hi"}`, Inbound{}, true},
		{"not json", `newTask hi`, Inbound{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeInbound([]byte(tt.line))
			if tt.wantErr {
				var perr *message.ParseError
				if !errors.As(err, &perr) {
					t.Fatalf("DecodeInbound() error = %v, want *ParseError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeInbound() error = %v", err)
			}
			if got.Type != tt.want.Type || got.Text != tt.want.Text || got.AskResponse != tt.want.AskResponse || len(got.Images) != len(tt.want.Images) {
				t.Errorf("DecodeInbound() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestReadInbound_DropsMalformedLines(t *testing.T) {
	input := strings.Join([]string{
		`{"type":"newTask","text":"one"}`,
		`garbage`,
		``,
		`{"type":"askResponse","askResponse":"noButtonClicked"}`,
		`{"type":"newTask","text":"fails"}`,
		`{"type":"newTask","text":"three"}`,
	}, "\n")

	var got []string
	err := ReadInbound(context.Background(), strings.NewReader(input), func(_ context.Context, in Inbound) error {
		got = append(got, in.Type+":"+in.Text+in.AskResponse)
		if in.Text == "fails" {
			return errors.New("handler failed")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ReadInbound() error = %v", err)
	}
	want := []string{"newTask:one", "askResponse:noButtonClicked", "newTask:fails", "newTask:three"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("handled = %v, want %v", got, want)
	}
}

func TestHasConfigurationError(t *testing.T) {
	encode := func(m message.CliMessage) []byte {
		data, err := json.Marshal(message.FromCli(m))
		if err != nil {
			t.Fatalf("Marshal() error = %v", err)
		}
		return data
	}

	tests := []struct {
		name string
		line []byte
		want bool
	}{
		{"healthy welcome", encode(Welcome(1, "s", "ext", nil)), false},
		{"welcome with instructions", encode(Welcome(1, "s", "ext", []string{"set extension.bundle"})), true},
		{"other record", encode(ModeChanged(2, "ask")), false},
		{"not json", []byte("{"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HasConfigurationError(tt.line); got != tt.want {
				t.Errorf("HasConfigurationError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLoadImages(t *testing.T) {
	dir := t.TempDir()
	png := filepath.Join(dir, "shot.PNG")
	if err := os.WriteFile(png, []byte{0x89, 'P', 'N', 'G'}, 0o644); err != nil {
		t.Fatal(err)
	}
	txt := filepath.Join(dir, "notes.txt")
	_ = os.WriteFile(txt, []byte("x"), 0o644)

	urls, failures := LoadImages([]string{png, "data:image/gif;base64,R0lG", txt, filepath.Join(dir, "missing.jpg")})

	if len(urls) != 2 {
		t.Fatalf("urls = %v, want 2", urls)
	}
	if !strings.HasPrefix(urls[0], "data:image/png;base64,") {
		t.Errorf("urls[0] = %q, want png data URL", urls[0])
	}
	if len(failures) != 2 {
		t.Fatalf("failures = %v, want 2", failures)
	}
	if !errors.Is(failures[0].Err, ErrUnsupportedImage) {
		t.Errorf("failures[0] = %v, want ErrUnsupportedImage", failures[0].Err)
	}
	if !errors.Is(failures[1].Err, os.ErrNotExist) {
		t.Errorf("failures[1] = %v, want not exist", failures[1].Err)
	}
}
