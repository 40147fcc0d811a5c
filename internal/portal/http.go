package portal

import (
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"raingauge/internal/credentials"
)

const (
	// BodyLimit is the size of the buffer the form body is read into. Bytes
	// past it are read and discarded.
	BodyLimit = 100

	maxTimeoutRetries = 3

	formPage = `<html><body><h1>WiFi setup</h1>` +
		`<form action="/config" method="POST">` +
		`<label>SSID: </label><input type="text" name="ssid"><br>` +
		`<label>Password: </label><input type="password" name="password"><br>` +
		`<input type="submit" value="Save">` +
		`</form></body></html>`

	savedMessage = "Configuration saved. Restarting the device..."
)

type CredentialSaver interface {
	Save(c credentials.Credentials) error
}

type Restarter interface {
	Restart(reason string)
}

type handler struct {
	store        CredentialSaver
	restarter    Restarter
	restartDelay time.Duration
	log          zerolog.Logger
}

// NewHandler builds the portal's HTTP routes. Every path other than
// POST /config serves the setup form.
func NewHandler(store CredentialSaver, restarter Restarter, restartDelay time.Duration, log zerolog.Logger) http.Handler {
	h := &handler{store: store, restarter: restarter, restartDelay: restartDelay, log: log}

	r := mux.NewRouter()
	r.HandleFunc("/config", h.handleConfig).Methods(http.MethodPost)
	r.HandleFunc("/", h.handleForm).Methods(http.MethodGet)
	r.NotFoundHandler = http.HandlerFunc(h.handleForm)
	r.MethodNotAllowedHandler = http.HandlerFunc(h.handleForm)
	return r
}

func (h *handler) handleForm(w http.ResponseWriter, r *http.Request) {
	h.log.Debug().Str("method", r.Method).Str("host", r.Host).Str("path", r.URL.Path).Msg("Serving setup form")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, formPage)
}

func (h *handler) handleConfig(w http.ResponseWriter, r *http.Request) {
	body, err := readBounded(r.Body, r.ContentLength)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to read setup form")
		http.Error(w, "failed to read request", http.StatusInternalServerError)
		return
	}

	creds := ParseForm(body)
	h.log.Info().Str("ssid", creds.SSID).Int("passphrase_len", len(creds.Passphrase)).Msg("Received credentials")

	if err := h.store.Save(creds); err != nil {
		h.log.Error().Err(err).Msg("Failed to save credentials")
		http.Error(w, "failed to save configuration", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, savedMessage)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	time.AfterFunc(h.restartDelay, func() {
		h.restarter.Restart("credentials saved")
	})
}

// readBounded reads up to contentLength bytes (or to EOF when unknown),
// keeping the first BodyLimit. Timeouts are retried a few times.
func readBounded(r io.Reader, contentLength int64) ([]byte, error) {
	buf := make([]byte, BodyLimit)
	kept := 0
	var consumed int64
	chunk := make([]byte, BodyLimit)
	timeouts := 0

	for contentLength < 0 || consumed < contentLength {
		want := int64(len(chunk))
		if contentLength >= 0 && contentLength-consumed < want {
			want = contentLength - consumed
		}

		n, err := r.Read(chunk[:want])
		if n > 0 {
			consumed += int64(n)
			kept += copy(buf[kept:], chunk[:n])
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			break
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() && timeouts < maxTimeoutRetries {
			timeouts++
			continue
		}
		return nil, err
	}

	return buf[:kept], nil
}
