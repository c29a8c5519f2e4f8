package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/wastesort/internal/capacity"
	"github.com/banshee-data/wastesort/internal/controller"
	"github.com/banshee-data/wastesort/internal/hardware"
	"github.com/banshee-data/wastesort/internal/lid"
	"github.com/banshee-data/wastesort/internal/timeutil"
	"github.com/banshee-data/wastesort/internal/waste"
)

var epoch = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

type fixedCapacity []capacity.Reading

func (f fixedCapacity) Latest() []capacity.Reading { return f }

type fixedStatus controller.Status

func (f fixedStatus) Status() controller.Status { return controller.Status(f) }

type memoryEvents struct {
	events []lid.Event
	err    error
	limit  int
	bin    waste.BinID
}

func (m *memoryEvents) RecentLidEvents(bin waste.BinID, limit int) ([]lid.Event, error) {
	m.bin, m.limit = bin, limit
	return m.events, m.err
}

type fixture struct {
	srv    *Server
	mux    *http.ServeMux
	sim    *hardware.Simulator
	clock  *timeutil.MockClock
	events *memoryEvents
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := timeutil.NewMockClock(epoch)
	sim := hardware.NewSimulator(clock)
	bank, err := lid.NewBank(nil, sim, lid.WithClock(clock))
	require.NoError(t, err)

	d := 5.0
	events := &memoryEvents{}
	srv := &Server{
		Lids: bank,
		Capacity: fixedCapacity{
			capacity.NewReading(waste.BinOrganic, 25, &d, epoch),
			capacity.NewReading(waste.BinInorganic, 25, nil, epoch),
		},
		Status: fixedStatus{State: controller.Listening},
		Events: events,
	}
	mux := srv.ServeMux()
	srv.AttachAdminRoutes(mux)
	return &fixture{srv: srv, mux: mux, sim: sim, clock: clock, events: events}
}

func (f *fixture) do(t *testing.T, method, target string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if form != nil {
		req = httptest.NewRequest(method, target, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	LoggingMiddleware(f.mux).ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[map[string]any](t, rec)
	assert.Equal(t, "LISTENING", body["server"].(map[string]any)["state"])
	assert.Len(t, body["lids"], 3)
	assert.Len(t, body["capacity"], 2)
	assert.Contains(t, body, "version")
}

func TestCapacity(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/capacity", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[[]map[string]any](t, rec)
	require.Len(t, body, 2)
	assert.Equal(t, "organik", body[0]["bin"])
	assert.Equal(t, float64(80), body[0]["fill_percent"])
	assert.Equal(t, "NEARLY_FULL", body[0]["tier"])
	assert.Nil(t, body[1]["distance_cm"])
	assert.Equal(t, "SAFE", body[1]["tier"])
}

func TestManualOpenClose(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/lids/b3/open", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OPEN", decode[map[string]any](t, rec)["position"])
	angle, _ := f.sim.Angle(waste.BinHazardous)
	assert.Equal(t, hardware.OpenAngle, angle)

	rec = f.do(t, http.MethodPost, "/api/lids/B3/close", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "CLOSED", decode[map[string]any](t, rec)["position"])
	assert.Zero(t, f.clock.PendingTimers())
}

func TestManualAngle(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/lids/organik/angle", url.Values{"angle": {"55"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(55), decode[map[string]any](t, rec)["angle"])

	rec = f.do(t, http.MethodPost, "/api/lids/organik/angle", url.Values{"angle": {"150"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/lids/organik/angle", url.Values{"angle": {"wide"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLidErrors(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/lids/kaca/open", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.sim.FailDrives(errors.New("servo stalled"))
	rec = f.do(t, http.MethodPost, "/api/lids/b3/open", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/lids/b3/open", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestListLids(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/lids", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	lids := decode[[]map[string]any](t, rec)
	require.Len(t, lids, 3)
	for _, l := range lids {
		assert.Equal(t, "CLOSED", l["position"])
	}
}

func TestEvents(t *testing.T) {
	f := newFixture(t)
	f.events.events = []lid.Event{
		{Bin: waste.BinHazardous, Action: lid.ActionOpen, Source: lid.SourceRemote, Angle: 80, At: epoch},
	}

	rec := f.do(t, http.MethodGet, "/api/events?limit=5000&bin=b3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, maxEventLimit, f.events.limit)
	assert.Equal(t, waste.BinHazardous, f.events.bin)
	body := decode[[]map[string]any](t, rec)
	require.Len(t, body, 1)
	assert.Equal(t, "remote", body[0]["source"])

	rec = f.do(t, http.MethodGet, "/api/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, defaultEventLimit, f.events.limit)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/events?limit=-1", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/events?bin=kaca", nil).Code)

	f.events.err = errors.New("disk full")
	assert.Equal(t, http.StatusInternalServerError, f.do(t, http.MethodGet, "/api/events", nil).Code)
}

func TestEventsDisabled(t *testing.T) {
	f := newFixture(t)
	f.srv.Events = nil
	rec := f.do(t, http.MethodGet, "/api/events", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCapacityChart(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/debug/capacity", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "Bin fill level")
	assert.Contains(t, rec.Body.String(), "organik")
}
