// Package detector wraps the object detector that labels camera frames.
package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/banshee-data/wastesort/internal/camera"
	"github.com/banshee-data/wastesort/internal/httputil"
	"github.com/banshee-data/wastesort/internal/waste"
)

// Detector returns the labelled boxes found in a frame.
type Detector interface {
	Detect(ctx context.Context, frame camera.Frame) ([]waste.Detection, error)
}

// DefaultHTTPTimeout bounds one detection round trip.
const DefaultHTTPTimeout = 10 * time.Second

// HTTP posts frames to a detection service.
type HTTP struct {
	URL    string
	Client httputil.HTTPClient
}

// NewHTTP returns a client for the service at baseURL. Frames are posted to
// <baseURL>/predict.
func NewHTTP(baseURL string) *HTTP {
	return &HTTP{
		URL:    strings.TrimRight(baseURL, "/"),
		Client: &http.Client{Timeout: DefaultHTTPTimeout},
	}
}

type predictResponse struct {
	Detections []struct {
		Label      string     `json:"label"`
		Confidence float64    `json:"confidence"`
		Box        [4]float64 `json:"box"`
	} `json:"detections"`
}

func (d *HTTP) Detect(ctx context.Context, frame camera.Frame) ([]waste.Detection, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	name := frame.Name
	if name == "" {
		name = "frame.jpg"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	h.Set("Content-Type", "image/jpeg")

	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("create form part: %w", err)
	}
	if _, err := part.Write(frame.Data); err != nil {
		return nil, fmt.Errorf("write image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL+"/predict", &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	var client httputil.HTTPClient = http.DefaultClient
	if d.Client != nil {
		client = d.Client
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("bad status: %s, error: %s", resp.Status, bytes.TrimSpace(body))
	}

	var pr predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, fmt.Errorf("decode detections: %w", err)
	}
	out := make([]waste.Detection, 0, len(pr.Detections))
	for _, det := range pr.Detections {
		out = append(out, waste.Detection{
			Label:      det.Label,
			Confidence: det.Confidence,
			Box:        waste.Box{X1: det.Box[0], Y1: det.Box[1], X2: det.Box[2], Y2: det.Box[3]},
		})
	}
	return out, nil
}
