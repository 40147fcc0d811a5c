package portal

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/dns/dnsmessage"

	"raingauge/internal/credentials"
	"raingauge/internal/nvs"
)

type memStore struct {
	mu    sync.Mutex
	saved []credentials.Credentials
	err   error
}

func (m *memStore) Save(c credentials.Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.saved = append(m.saved, c)
	return nil
}

type restartRecorder struct {
	reasons chan string
}

func newRestartRecorder() *restartRecorder {
	return &restartRecorder{reasons: make(chan string, 4)}
}

func (r *restartRecorder) Restart(reason string) {
	r.reasons <- reason
}

func TestParseForm(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("s", 40)
	longPass := strings.Repeat("p", 70)

	tests := []struct {
		name string
		body string
		want credentials.Credentials
	}{
		{"basic", "ssid=HomeWifi&password=secret123", credentials.Credentials{SSID: "HomeWifi", Passphrase: "secret123"}},
		{"password stops at whitespace", "ssid=Net1&password=pass1234 trailing", credentials.Credentials{SSID: "Net1", Passphrase: "pass1234"}},
		{"leading whitespace skipped", "ssid=Net1&password=  pass1234\r\n", credentials.Credentials{SSID: "Net1", Passphrase: "pass1234"}},
		{"ssid truncated", "ssid=" + long + "&password=pw", credentials.Credentials{SSID: long[:31], Passphrase: "pw"}},
		{"password truncated", "ssid=a&password=" + longPass, credentials.Credentials{SSID: "a", Passphrase: longPass[:63]}},
		{"not url decoded", "ssid=My%20Net&password=a%26b", credentials.Credentials{SSID: "My%20Net", Passphrase: "a%26b"}},
		{"missing password", "ssid=OnlySSID", credentials.Credentials{SSID: "OnlySSID"}},
		{"wrong prefix", "name=x&password=y", credentials.Credentials{}},
		{"empty", "", credentials.Credentials{}},
		{"nul padding", "ssid=a&password=b\x00\x00", credentials.Credentials{SSID: "a", Passphrase: "b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseForm([]byte(tt.body)))
		})
	}
}

func TestCaptureReply(t *testing.T) {
	t.Parallel()

	query := []byte{0x12, 0x34, 0x01, 0x00, 0x00, 0x01}
	reply := CaptureReply(query)

	assert.Equal(t, []byte{0x12, 0x34, 0x84, 0x00, 0x00, 0x01}, reply)
	assert.Equal(t, byte(0x01), query[2], "query is not modified")

	short := []byte{0xAB, 0xCD}
	assert.Equal(t, short, CaptureReply(short))
}

func TestQuestionName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "example.com.", questionName(buildQuery(t, "example.com.")))
	assert.Empty(t, questionName([]byte{0x01, 0x02, 0x03}))
}

func buildQuery(t *testing.T, name string) []byte {
	t.Helper()
	msg := dnsmessage.Message{
		Header: dnsmessage.Header{ID: 0x1234, RecursionDesired: true},
		Questions: []dnsmessage.Question{{
			Name:  dnsmessage.MustNewName(name),
			Type:  dnsmessage.TypeA,
			Class: dnsmessage.ClassINET,
		}},
	}
	packet, err := msg.Pack()
	require.NoError(t, err)
	return packet
}

func TestFormServedForAnyPath(t *testing.T) {
	t.Parallel()

	h := NewHandler(&memStore{}, newRestartRecorder(), time.Millisecond, zerolog.Nop())

	for _, target := range []string{"/", "/generate_204", "/hotspot-detect.html", "/config"} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code, target)
		assert.Contains(t, rec.Body.String(), `action="/config"`, target)
		assert.Contains(t, rec.Body.String(), `name="ssid"`, target)
		assert.Contains(t, rec.Body.String(), `name="password"`, target)
	}
}

func TestPostConfigSavesAndRestarts(t *testing.T) {
	t.Parallel()

	store := &memStore{}
	restarter := newRestartRecorder()
	h := NewHandler(store, restarter, time.Millisecond, zerolog.Nop())

	req := httptest.NewRequest(http.MethodPost, "/config", strings.NewReader("ssid=HomeWifi&password=secret123"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, savedMessage, rec.Body.String())
	require.Len(t, store.saved, 1)
	assert.Equal(t, credentials.Credentials{SSID: "HomeWifi", Passphrase: "secret123"}, store.saved[0])

	select {
	case reason := <-restarter.reasons:
		assert.Equal(t, "credentials saved", reason)
	case <-time.After(time.Second):
		t.Fatal("restart was not triggered")
	}
}

func TestPostConfigRoundTripThroughStore(t *testing.T) {
	t.Parallel()

	kv, err := nvs.New(t.TempDir())
	require.NoError(t, err)
	store := credentials.NewStore(kv, zerolog.Nop())

	h := NewHandler(store, newRestartRecorder(), time.Hour, zerolog.Nop())
	req := httptest.NewRequest(http.MethodPost, "/config", strings.NewReader("ssid=Net1&password=pass1234"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	got, ok := store.Load()
	require.True(t, ok)
	assert.Equal(t, credentials.Credentials{SSID: "Net1", Passphrase: "pass1234"}, got)
}

func TestPostConfigSaveFailure(t *testing.T) {
	t.Parallel()

	restarter := newRestartRecorder()
	h := NewHandler(&memStore{err: errors.New("disk full")}, restarter, time.Millisecond, zerolog.Nop())

	req := httptest.NewRequest(http.MethodPost, "/config", strings.NewReader("ssid=a&password=b"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	select {
	case <-restarter.reasons:
		t.Fatal("restart must not follow a failed save")
	case <-time.After(20 * time.Millisecond):
	}
}

type failingReader struct{ err error }

func (f failingReader) Read([]byte) (int, error) { return 0, f.err }

func TestPostConfigReadErrorStoresNothing(t *testing.T) {
	t.Parallel()

	store := &memStore{}
	h := NewHandler(store, newRestartRecorder(), time.Millisecond, zerolog.Nop())

	req := httptest.NewRequest(http.MethodPost, "/config", failingReader{err: errors.New("connection reset")})
	req.ContentLength = 30
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Empty(t, store.saved)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

// timeoutOnceReader fails with a timeout on the first read and then serves
// its payload.
type timeoutOnceReader struct {
	timedOut bool
	r        io.Reader
}

func (t *timeoutOnceReader) Read(p []byte) (int, error) {
	if !t.timedOut {
		t.timedOut = true
		return 0, timeoutErr{}
	}
	return t.r.Read(p)
}

func TestReadBoundedRetriesTimeouts(t *testing.T) {
	t.Parallel()

	payload := "ssid=a&password=b"
	body, err := readBounded(&timeoutOnceReader{r: strings.NewReader(payload)}, int64(len(payload)))
	require.NoError(t, err)
	assert.Equal(t, payload, string(body))
}

func TestReadBoundedGivesUpOnPersistentTimeouts(t *testing.T) {
	t.Parallel()

	_, err := readBounded(failingReader{err: timeoutErr{}}, 10)
	require.Error(t, err)
}

func TestReadBoundedKeepsFirstBytes(t *testing.T) {
	t.Parallel()

	payload := strings.Repeat("x", 3*BodyLimit)
	body, err := readBounded(strings.NewReader(payload), int64(len(payload)))
	require.NoError(t, err)
	assert.Len(t, body, BodyLimit)

	body, err = readBounded(strings.NewReader("abcdef"), 3)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(body), "reads stop at the declared length")
}

func TestGatewayServesDNSAndHTTP(t *testing.T) {
	t.Parallel()

	store := &memStore{}
	g := NewGateway(Config{
		DNSListen:    "127.0.0.1:0",
		HTTPListen:   "127.0.0.1:0",
		PortalIP:     "192.168.4.1",
		RestartDelay: time.Hour,
	}, store, newRestartRecorder(), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, g.Activate(ctx))
	assert.ErrorIs(t, g.Activate(ctx), ErrAlreadyActive)

	dnsAddr, httpAddr := g.Addrs()
	require.NotNil(t, dnsAddr)
	require.NotNil(t, httpAddr)

	conn, err := net.Dial("udp", dnsAddr.String())
	require.NoError(t, err)
	defer conn.Close()

	query := buildQuery(t, "connectivitycheck.gstatic.com.")
	_, err = conn.Write(query)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	reply := make([]byte, maxDNSPacket)
	n, err := conn.Read(reply)
	require.NoError(t, err)
	assert.Equal(t, CaptureReply(query), reply[:n])

	resp, err := http.Get("http://" + httpAddr.String() + "/generate_204")
	require.NoError(t, err)
	page, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(page), "<form")

	cancel()
	select {
	case <-g.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not stop")
	}
}
