package uplink

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raingauge/internal/nodeerr"
	"raingauge/internal/report"
)

func TestURLFormat(t *testing.T) {
	t.Parallel()

	s := NewHTTPSender(Config{
		Endpoint:    "http://api.thingspeak.com/update",
		APIKeyParam: "api_key",
		APIKey:      "KEY123",
	}, zerolog.Nop())

	got, err := s.URL(45.6389)
	require.NoError(t, err)
	assert.Equal(t, "http://api.thingspeak.com/update?api_key=KEY123&field1=45.64", got)
}

func TestSendSuccess(t *testing.T) {
	t.Parallel()

	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte("1"))
	}))
	defer srv.Close()

	s := NewHTTPSender(Config{Endpoint: srv.URL + "/update", APIKeyParam: "api_key", APIKey: "K"}, zerolog.Nop())
	err := s.Send(context.Background(), report.NewMeasurement(2, 6.52, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, "api_key=K&field1=13.04", gotQuery)
}

func TestSendNonSuccessIsTransportError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := NewHTTPSender(Config{Endpoint: srv.URL}, zerolog.Nop())
	err := s.Send(context.Background(), report.Measurement{Value: 1})
	require.Error(t, err)
	assert.True(t, nodeerr.Is(err, nodeerr.TransportError))
	assert.Contains(t, err.Error(), "500")
}

func TestSendUnreachableIsTransportError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL
	srv.Close()

	s := NewHTTPSender(Config{Endpoint: endpoint, Timeout: time.Second}, zerolog.Nop())
	err := s.Send(context.Background(), report.Measurement{Value: 1})
	require.Error(t, err)
	assert.True(t, nodeerr.Is(err, nodeerr.TransportError))
}
