package internal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"

	"github.com/starford/draftsync/internal/apperr"
	"github.com/starford/draftsync/internal/restclient"
)

func TestLogCommandErrorLevel(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"server error", fmt.Errorf("reconcile: save: %w", &restclient.HTTPError{Status: 503, Message: "down"}), "ERROR"},
		{"client http error", &restclient.HTTPError{Status: 418, Message: "teapot"}, "WARN"},
		{"sentinel", fmt.Errorf("%w: gone", apperr.ErrNotFound), "WARN"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logCommandError(slog.New(slog.NewJSONHandler(&buf, nil)), "save 1 x", tt.err)
			var rec map[string]any
			if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
				t.Fatalf("decode log line %q: %v", buf.String(), err)
			}
			if rec["level"] != tt.want {
				t.Errorf("level = %v, want %s", rec["level"], tt.want)
			}
			if rec["command"] != "save 1 x" {
				t.Errorf("command = %v", rec["command"])
			}
		})
	}
}
