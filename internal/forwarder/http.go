package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"avl-relay/internal/codec"
	"avl-relay/internal/pipeline"
)

type HTTPConfig struct {
	URL     string
	Timeout time.Duration
	Source  pipeline.Source
	// Client overrides the default client; its own Timeout is left alone.
	Client *http.Client
}

// HTTPForwarder POSTs each record as JSON to the collector URL.
type HTTPForwarder struct {
	url     string
	timeout time.Duration
	source  pipeline.Source
	client  *http.Client
	logger  *slog.Logger
	now     func() time.Time
}

func NewHTTP(cfg HTTPConfig, logger *slog.Logger) *HTTPForwarder {
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	src := cfg.Source
	if src.Name == "" {
		src.Name = DefaultSource.Name
	}
	if src.Version == "" {
		src.Version = DefaultSource.Version
	}
	return &HTTPForwarder{
		url:     cfg.URL,
		timeout: cfg.Timeout,
		source:  src,
		client:  client,
		logger:  logger.With("component", "forwarder", "transport", "http"),
		now:     time.Now,
	}
}

// Forward posts every record of pkt once, so a packet with N records costs N
// collector calls. The packet counts as delivered only when all records got
// a 2xx.
func (f *HTTPForwarder) Forward(ctx context.Context, pkt *codec.Packet, raw []byte) error {
	var errs []error
	for i, payload := range pipeline.BuildPayloads(pkt, raw, f.source, f.now()) {
		if err := f.post(ctx, payload); err != nil {
			errs = append(errs, &DeliveryError{IMEI: pkt.IMEI, Record: i, Status: statusOf(err), Err: err})
			continue
		}
		f.logger.Debug("record forwarded", "imei", pkt.IMEI, "record", i)
	}
	return errors.Join(errs...)
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.code, e.body)
}

func statusOf(err error) int {
	var se *statusError
	if errors.As(err, &se) {
		return se.code
	}
	return 0
}

func (f *HTTPForwarder) post(ctx context.Context, payload pipeline.Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Source", f.source.Name)
	req.Header.Set("X-Server-ID", f.source.ServerID)

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &statusError{code: resp.StatusCode, body: string(snippet)}
	}
	return nil
}

func (f *HTTPForwarder) Close() error {
	f.client.CloseIdleConnections()
	return nil
}
