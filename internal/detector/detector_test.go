package detector

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/wastesort/internal/camera"
	"github.com/banshee-data/wastesort/internal/httputil"
	"github.com/banshee-data/wastesort/internal/waste"
)

func TestHTTPDetect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/predict", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		data, _ := io.ReadAll(file)
		assert.Equal(t, "jpegbytes", string(data))
		assert.Equal(t, "f1.jpg", header.Filename)
		assert.Equal(t, "image/jpeg", header.Header.Get("Content-Type"))

		json.NewEncoder(w).Encode(map[string]any{
			"detections": []map[string]any{
				{"label": "banana", "confidence": 0.9, "box": []float64{1, 2, 3, 4}},
			},
		})
	}))
	defer srv.Close()

	d := NewHTTP(srv.URL + "/")
	dets, err := d.Detect(context.Background(), camera.Frame{Name: "f1.jpg", Data: []byte("jpegbytes")})
	require.NoError(t, err)
	assert.Equal(t, []waste.Detection{{
		Label:      "banana",
		Confidence: 0.9,
		Box:        waste.Box{X1: 1, Y1: 2, X2: 3, Y2: 4},
	}}, dets)
}

func TestHTTPDetectBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTP(srv.URL).Detect(context.Background(), camera.Frame{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not loaded")
}

func TestHTTPDetectBadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "not json")
	}))
	defer srv.Close()

	_, err := NewHTTP(srv.URL).Detect(context.Background(), camera.Frame{})
	assert.Error(t, err)
}

func TestReplay(t *testing.T) {
	fixture := strings.Join([]string{
		"# warm up",
		"banana,0.91",
		"",
		"cell phone, 0.77 ; cup,0.6",
	}, "\n")
	r, err := ParseReplay(strings.NewReader(fixture))
	require.NoError(t, err)
	assert.Equal(t, 3, r.Len())

	ctx := context.Background()
	dets, err := r.Detect(ctx, camera.Frame{})
	require.NoError(t, err)
	assert.Equal(t, []waste.Detection{{Label: "banana", Confidence: 0.91}}, dets)

	dets, err = r.Detect(ctx, camera.Frame{})
	require.NoError(t, err)
	assert.Empty(t, dets)

	dets, err = r.Detect(ctx, camera.Frame{})
	require.NoError(t, err)
	assert.Equal(t, []waste.Detection{
		{Label: "cell phone", Confidence: 0.77},
		{Label: "cup", Confidence: 0.6},
	}, dets)

	_, err = r.Detect(ctx, camera.Frame{})
	assert.ErrorIs(t, err, ErrReplayDone)
}

func TestParseReplayErrors(t *testing.T) {
	for _, bad := range []string{"banana", ",0.5", "banana,high", "banana,1.5"} {
		_, err := ParseReplay(strings.NewReader(bad))
		assert.Error(t, err, bad)
	}
}

func TestLoadReplayFixture(t *testing.T) {
	r, err := LoadReplay("../../config/replay.example.txt")
	require.NoError(t, err)
	assert.Positive(t, r.Len())
}

func TestHTTPDetectTransportError(t *testing.T) {
	mock := httputil.NewMockHTTPClient().AddErrorResponse(errors.New("no route to host"))
	d := &HTTP{URL: "http://detector.local", Client: mock}

	_, err := d.Detect(context.Background(), camera.Frame{Data: []byte{0xff, 0xd8}})
	require.Error(t, err)
	require.Len(t, mock.Requests(), 1)
	req := mock.Requests()[0]
	assert.Equal(t, "http://detector.local/predict", req.URL.String())
	assert.True(t, strings.HasPrefix(req.Header.Get("Content-Type"), "multipart/form-data"))
}

func TestHTTPDetectEmpty(t *testing.T) {
	mock := httputil.NewMockHTTPClient().AddResponse(http.StatusOK, `{"detections":[]}`)
	d := &HTTP{URL: "http://detector.local", Client: mock}

	dets, err := d.Detect(context.Background(), camera.Frame{})
	require.NoError(t, err)
	assert.Empty(t, dets)
}
