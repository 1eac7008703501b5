package serialport

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/dustin/go-humanize"
	"tailscale.com/tsweb"
)

// AttachAdminRoutes attaches serial debugging endpoints to the /debug/ page
// of mux. They are only reachable from localhost or over Tailscale.
func (t *Transport) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.KVFunc("Serial bytes read", func() any {
		return humanize.Bytes(t.Stats().BytesRead)
	})
	debug.KVFunc("Serial bytes buffered", func() any {
		return humanize.Comma(int64(t.Stats().Buffered))
	})

	debug.HandleFunc("serial-stats", "Serial transport counters", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(t.Stats())
	})

	// Write raw bytes, given as hex, to the sensor.
	debug.HandleSilentFunc("send-command-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		raw := strings.ReplaceAll(strings.TrimSpace(r.FormValue("command")), " ", "")
		if raw == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		cmd, err := hex.DecodeString(raw)
		if err != nil {
			http.Error(w, "Command must be hex encoded", http.StatusBadRequest)
			return
		}
		if err := t.SendCommand(cmd); err != nil {
			http.Error(w, "Failed to write command", http.StatusInternalServerError)
			return
		}
		io.WriteString(w, fmt.Sprintf("Wrote % x to serial port", cmd))
	})
}
