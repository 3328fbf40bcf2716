package recognition

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/jpeg"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"anpr-monitor/internal/domain/anpr"
)

const jpegQuality = 90

// Client talks to the inference service that hosts the plate detector,
// the tracker and the OCR model. Frames are sent as JPEG bodies.
type Client struct {
	endpoint string
	http     *http.Client
	log      zerolog.Logger
}

func NewClient(endpoint string, timeout time.Duration, log zerolog.Logger) *Client {
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     &http.Client{Timeout: timeout},
		log:      log,
	}
}

type trackResponse struct {
	Detections []anpr.Detection `json:"detections"`
}

type ocrResponse struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Tracker keeps tracker identities for one stream. Each Tracker opens its own
// session so a restarted worker never inherits stale track ids.
type Tracker struct {
	client  *Client
	channel string
	session string
}

func (c *Client) Tracker(channel string) *Tracker {
	return &Tracker{
		client:  c,
		channel: channel,
		session: uuid.NewString(),
	}
}

func (t *Tracker) Track(ctx context.Context, frame *anpr.Frame) ([]anpr.Detection, error) {
	var resp trackResponse
	headers := map[string]string{
		"X-Stream-Channel": t.channel,
		"X-Stream-Session": t.session,
	}
	if err := t.client.post(ctx, "/v1/track", frame, headers, &resp); err != nil {
		return nil, fmt.Errorf("track request failed: %w", err)
	}
	return resp.Detections, nil
}

// Read implements Reader.
func (c *Client) Read(ctx context.Context, crop *anpr.Frame) (string, float64, error) {
	var resp ocrResponse
	if err := c.post(ctx, "/v1/ocr", crop, nil, &resp); err != nil {
		return "", 0, fmt.Errorf("ocr request failed: %w", err)
	}
	return resp.Text, resp.Confidence, nil
}

func (c *Client) post(ctx context.Context, path string, frame *anpr.Frame, headers map[string]string, out interface{}) error {
	if err := frame.Validate(); err != nil {
		return err
	}

	var body bytes.Buffer
	if err := jpeg.Encode(&body, frame.Image(), &jpeg.Options{Quality: jpegQuality}); err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "image/jpeg")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.log.Debug().Str("path", path).Int("status", resp.StatusCode).Msg("inference request rejected")
		return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}
