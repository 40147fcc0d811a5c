package uplink

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"raingauge/internal/nodeerr"
	"raingauge/internal/report"
)

type Config struct {
	Endpoint    string
	APIKeyParam string
	APIKey      string
	Field       string
	Timeout     time.Duration
}

// HTTPSender reports a measurement as a bare GET with the value in the query.
type HTTPSender struct {
	cfg    Config
	client *http.Client
	log    zerolog.Logger
}

func NewHTTPSender(cfg Config, log zerolog.Logger) *HTTPSender {
	if cfg.Field == "" {
		cfg.Field = "field1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &HTTPSender{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log,
	}
}

// URL builds <endpoint>?<api-key-param>=<key>&<field>=<value with 2 decimals>.
func (s *HTTPSender) URL(value float64) (string, error) {
	u, err := url.Parse(s.cfg.Endpoint)
	if err != nil {
		return "", nodeerr.NewConfigError("invalid uplink endpoint", err)
	}

	q := u.Query()
	if s.cfg.APIKeyParam != "" {
		q.Set(s.cfg.APIKeyParam, s.cfg.APIKey)
	}
	q.Set(s.cfg.Field, strconv.FormatFloat(value, 'f', 2, 64))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *HTTPSender) Send(ctx context.Context, m report.Measurement) error {
	target, err := s.URL(m.Value)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nodeerr.NewTransportError("build request", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nodeerr.NewTransportError("request failed", err)
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nodeerr.NewTransportError(fmt.Sprintf("uplink returned %d", resp.StatusCode), nil)
	}

	s.log.Debug().Int("status", resp.StatusCode).Str("field", s.cfg.Field).Msg("Uplink accepted report")
	return nil
}
