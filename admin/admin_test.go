package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lauditd/lauditd/cfg"
	"github.com/lauditd/lauditd/changelog"
	"github.com/lauditd/lauditd/exporter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDevice = "lustre-MDT0000"

type fakeStatus struct {
	status exporter.Status
}

func (f *fakeStatus) Status() exporter.Status {
	return f.status
}

func newTestLog(t *testing.T) *changelog.Log {
	t.Helper()
	l, err := changelog.NewLog(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func newTestServer(t *testing.T, store ChangelogStore, exp StatusProvider) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	RegisterRoutes(mux, NewAdminHandlers(store, exp))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string, header http.Header) (int, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var decoded map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp.StatusCode, decoded
}

func data(t *testing.T, body map[string]interface{}) map[string]interface{} {
	t.Helper()
	d, ok := body["data"].(map[string]interface{})
	require.True(t, ok, "response has no data object: %v", body)
	return d
}

func recordJSON(name string) string {
	return fmt.Sprintf(`{"type":"CREAT","flags":0,"target":"[0x200000007:0x1:0x0]","parent":"[0x200000007:0x1:0x0]","name":%q}`, name)
}

func TestStatus(t *testing.T) {
	exp := &fakeStatus{status: exporter.Status{
		Device:    testDevice,
		Consumer:  "cl1",
		State:     exporter.StateSinkRecovery,
		HighWater: 41,
		UpdatedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}}
	srv := newTestServer(t, nil, exp)

	code, body := do(t, http.MethodGet, srv.URL+"/admin/status", "", nil)
	require.Equal(t, http.StatusOK, code)

	d := data(t, body)
	assert.Equal(t, testDevice, d["device"])
	assert.Equal(t, "cl1", d["consumer"])
	assert.Equal(t, "SINK_RECOVERY", d["state"])
	assert.Equal(t, float64(41), d["high_water"])
}

func TestUnavailableWithoutBackends(t *testing.T) {
	srv := newTestServer(t, nil, nil)

	code, body := do(t, http.MethodGet, srv.URL+"/admin/status", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.NotEmpty(t, body["error"])

	code, _ = do(t, http.MethodGet, srv.URL+"/admin/changelog/"+testDevice+"/users", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestConsumerLifecycle(t *testing.T) {
	l := newTestLog(t)
	srv := newTestServer(t, l, nil)
	base := srv.URL + "/admin/changelog/" + testDevice

	code, body := do(t, http.MethodPost, base+"/users", "", nil)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "cl1", data(t, body)["id"])

	code, body = do(t, http.MethodPost, base+"/records", "["+recordJSON("a")+","+recordJSON("b")+"]", nil)
	require.Equal(t, http.StatusCreated, code)
	d := data(t, body)
	assert.Equal(t, float64(2), d["count"])
	assert.Equal(t, float64(1), d["first"])
	assert.Equal(t, float64(2), d["last"])

	code, body = do(t, http.MethodGet, base+"/users", "", nil)
	require.Equal(t, http.StatusOK, code)
	d = data(t, body)
	assert.Equal(t, float64(2), d["last_index"])
	users, ok := d["users"].([]interface{})
	require.True(t, ok)
	require.Len(t, users, 1)
	user := users[0].(map[string]interface{})
	assert.Equal(t, "cl1", user["id"])
	assert.Equal(t, float64(0), user["checkpoint"])
	assert.Equal(t, float64(2), user["backlog"])

	code, _ = do(t, http.MethodDelete, base+"/users/cl1", "", nil)
	assert.Equal(t, http.StatusOK, code)

	code, _ = do(t, http.MethodDelete, base+"/users/cl1", "", nil)
	assert.Equal(t, http.StatusNotFound, code)

	remaining, err := l.Users(testDevice)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestAppendRecords_JSONLines(t *testing.T) {
	l := newTestLog(t)
	srv := newTestServer(t, l, nil)

	lines := recordJSON("a") + "\n" + recordJSON("b") + "\n" + recordJSON("c") + "\n"
	code, body := do(t, http.MethodPost, srv.URL+"/admin/changelog/"+testDevice+"/records", lines, nil)
	require.Equal(t, http.StatusCreated, code)

	d := data(t, body)
	assert.Equal(t, float64(3), d["count"])
	assert.Equal(t, float64(3), d["last"])
	assert.Equal(t, uint64(3), l.LastIndex(testDevice))
}

func TestAppendRecords_Rejected(t *testing.T) {
	l := newTestLog(t)
	srv := newTestServer(t, l, nil)
	url := srv.URL + "/admin/changelog/" + testDevice + "/records"

	tests := []struct {
		name string
		body string
	}{
		{"empty body", ""},
		{"empty array", "[]"},
		{"unknown field", `{"type":"CREAT","bogus":1}`},
		{"unknown type", `{"type":"NOPE"}`},
		{"bad fid", `{"type":"CREAT","target":"nonsense"}`},
		{"truncated", `[` + recordJSON("a")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := do(t, http.MethodPost, url, tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, code)
			assert.NotEmpty(t, body["error"])
		})
	}

	assert.Equal(t, uint64(0), l.LastIndex(testDevice))
}

func TestAuthMiddleware(t *testing.T) {
	original := cfg.Config.Admin.Secret
	cfg.Config.Admin.Secret = "s3cret"
	defer func() { cfg.Config.Admin.Secret = original }()

	l := newTestLog(t)
	srv := newTestServer(t, l, &fakeStatus{})
	url := srv.URL + "/admin/changelog/" + testDevice + "/users"

	code, _ := do(t, http.MethodGet, url, "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = do(t, http.MethodGet, url, "", http.Header{SecretHeader: {"wrong"}})
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = do(t, http.MethodGet, url, "", http.Header{"Authorization": {"Basic s3cret"}})
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = do(t, http.MethodGet, url, "", http.Header{SecretHeader: {"s3cret"}})
	assert.Equal(t, http.StatusOK, code)

	code, _ = do(t, http.MethodGet, url, "", http.Header{"Authorization": {"Bearer s3cret"}})
	assert.Equal(t, http.StatusOK, code)

	// Status stays readable without credentials
	code, _ = do(t, http.MethodGet, srv.URL+"/admin/status", "", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestServer_StartStop(t *testing.T) {
	srv := NewServer(NewAdminHandlers(nil, &fakeStatus{status: exporter.Status{Device: testDevice}}))
	require.Nil(t, srv.Addr())

	require.NoError(t, srv.Start("127.0.0.1", 0))
	require.NotNil(t, srv.Addr())

	code, body := do(t, http.MethodGet, "http://"+srv.Addr().String()+"/admin/status", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, testDevice, data(t, body)["device"])

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))

	_, err := http.Get("http://" + srv.Addr().String() + "/admin/status")
	assert.Error(t, err)
}
