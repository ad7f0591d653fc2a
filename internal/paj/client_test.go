package paj

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

// newTestServer builds a vendor API double. The handler map routes by
// "METHOD /path"; everything is wrapped in the success envelope unless
// the handler writes its own response.
func newTestServer(t *testing.T, handlers map[string]http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()
	mux := http.NewServeMux()
	for pattern, h := range handlers {
		mux.HandleFunc(pattern, h)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client := NewClient(srv.URL, "user@example.com", "secret", nil)
	t.Cleanup(client.Close)
	return srv, client
}

func envelope(t *testing.T, w http.ResponseWriter, payload any) {
	t.Helper()
	if err := json.NewEncoder(w).Encode(map[string]any{"success": payload}); err != nil {
		t.Errorf("encode envelope: %v", err)
	}
}

func loginHandler(t *testing.T, logins *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if logins != nil {
			logins.Add(1)
		}
		if r.URL.Query().Get("email") != "user@example.com" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		envelope(t, w, map[string]any{"token": "tok123", "userID": 1})
	}
}

func TestLoginCachesToken(t *testing.T) {
	var logins atomic.Int32
	_, client := newTestServer(t, map[string]http.HandlerFunc{
		"POST /login": loginHandler(t, &logins),
		"GET /device": func(w http.ResponseWriter, r *http.Request) {
			if got := r.Header.Get("Authorization"); got != "Bearer tok123" {
				t.Errorf("Authorization = %q", got)
			}
			envelope(t, w, []any{})
		},
	})

	ctx := t.Context()
	if err := client.Login(ctx); err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := client.GetDevices(ctx); err != nil {
		t.Fatalf("get devices: %v", err)
	}
	if _, err := client.GetDevices(ctx); err != nil {
		t.Fatalf("get devices: %v", err)
	}
	if n := logins.Load(); n != 1 {
		t.Errorf("login called %d times, want 1", n)
	}
}

func TestLoginRejected(t *testing.T) {
	_, client := newTestServer(t, map[string]http.HandlerFunc{
		"POST /login": func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		},
	})

	err := client.Login(t.Context())
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("got %T (%v), want *AuthError", err, err)
	}
}

func TestGetDevicesTriState(t *testing.T) {
	_, client := newTestServer(t, map[string]http.HandlerFunc{
		"POST /login": loginHandler(t, nil),
		"GET /device": func(w http.ResponseWriter, _ *http.Request) {
			envelope(t, w, []map[string]any{
				{
					"id":       101,
					"name":     "Car",
					"imei":     "8612345",
					"modellid": 9012,
					"device_models": []map[string]any{{
						"model":              "EASY Finder 4G",
						"alarm_erschuetterung": 1,
						"alarm_sos":          1,
						"standalone_battery": 1,
					}},
					"alarmbewegung": 1,
					"alarmsos":      0,
					// alarmgeschwindigkeit intentionally absent
				},
				{
					// No device_models: must be skipped.
					"id":   102,
					"name": "Ghost",
				},
			})
		},
	})

	devices, err := client.GetDevices(t.Context())
	if err != nil {
		t.Fatalf("get devices: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("got %d devices, want 1 (model-less skipped)", len(devices))
	}

	d := devices[0]
	if d.ID != 101 || d.Model != "EASY Finder 4G" || !d.HasBattery {
		t.Errorf("device = %+v", d)
	}
	if !d.SupportsAlert(AlertShock) || !d.SupportsAlert(AlertSOS) {
		t.Error("model capability flags lost")
	}
	if d.SupportsAlert(AlertSpeed) {
		t.Error("unsupported capability reported")
	}

	// Tri-state: present 1, present 0, absent.
	if v, ok := d.AlertFlag(AlertShock); !ok || v != 1 {
		t.Errorf("shock flag = %d, %v", v, ok)
	}
	if v, ok := d.AlertFlag(AlertSOS); !ok || v != 0 {
		t.Errorf("sos flag = %d, %v", v, ok)
	}
	if _, ok := d.AlertFlag(AlertSpeed); ok {
		t.Error("absent field produced a flag")
	}
}

func TestGetAllLastPositions(t *testing.T) {
	_, client := newTestServer(t, map[string]http.HandlerFunc{
		"POST /login": loginHandler(t, nil),
		"POST /trackerdata/getalllastpositions": func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				DeviceIDs     []int `json:"deviceIDs"`
				FromLastPoint bool  `json:"fromLastPoint"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode request: %v", err)
			}
			if len(req.DeviceIDs) != 2 || req.FromLastPoint {
				t.Errorf("request payload: %+v", req)
			}
			envelope(t, w, []map[string]any{
				{"iddevice": 101, "lat": 48.13, "lng": 11.57, "speed": 42, "battery": 81, "direction": 270},
			})
		},
	})

	positions, err := client.GetAllLastPositions(t.Context(), []int{101, 102})
	if err != nil {
		t.Fatalf("get positions: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("got %d positions", len(positions))
	}
	p := positions[0]
	if p.DeviceID != 101 || p.Lat != 48.13 || p.Speed != 42 || p.Direction != 270 {
		t.Errorf("position = %+v", p)
	}
}

func TestGetLastSensorData(t *testing.T) {
	_, client := newTestServer(t, map[string]http.HandlerFunc{
		"POST /login": loginHandler(t, nil),
		"GET /sensordata/last/101": func(w http.ResponseWriter, _ *http.Request) {
			// 12.449 V in millivolts rounds to 12.4.
			envelope(t, w, map[string]any{"volt": 12449})
		},
		"GET /sensordata/last/102": func(w http.ResponseWriter, _ *http.Request) {
			// Empty array: no sensor hardware.
			envelope(t, w, []any{})
		},
	})

	reading, err := client.GetLastSensorData(t.Context(), 101)
	if err != nil {
		t.Fatalf("sensor data: %v", err)
	}
	if reading.DeviceID != 101 || reading.Voltage != 12.4 {
		t.Errorf("reading = %+v", reading)
	}

	_, err = client.GetLastSensorData(t.Context(), 102)
	if !errors.Is(err, ErrNoSensorData) {
		t.Errorf("got %v, want ErrNoSensorData", err)
	}
}

func TestGetDeviceNotifications(t *testing.T) {
	_, client := newTestServer(t, map[string]http.HandlerFunc{
		"POST /login": loginHandler(t, nil),
		"GET /notifications": func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("deviceID") != "101" || r.URL.Query().Get("isRead") != "0" {
				t.Errorf("query = %v", r.URL.Query())
			}
			envelope(t, w, []map[string]any{
				{"id": 7, "iddevice": 101, "meldungtyp": 4, "isread": 0, "meldung": "SOS!"},
			})
		},
	})

	notifications, err := client.GetDeviceNotifications(t.Context(), 101, 0)
	if err != nil {
		t.Fatalf("notifications: %v", err)
	}
	if len(notifications) != 1 {
		t.Fatalf("got %d notifications", len(notifications))
	}
	n := notifications[0]
	if n.Type != AlertSOS || n.Message != "SOS!" {
		t.Errorf("notification = %+v", n)
	}
}

func TestUpdateDevice(t *testing.T) {
	_, client := newTestServer(t, map[string]http.HandlerFunc{
		"POST /login": loginHandler(t, nil),
		"PUT /device/101": func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("alarmsos") != "1" {
				t.Errorf("query = %v", r.URL.Query())
			}
			envelope(t, w, "ok")
		},
	})

	if err := client.UpdateDevice(t.Context(), 101, map[string]int{"alarmsos": 1}); err != nil {
		t.Fatalf("update device: %v", err)
	}
}

func TestAPIErrorSurfaced(t *testing.T) {
	_, client := newTestServer(t, map[string]http.HandlerFunc{
		"POST /login": loginHandler(t, nil),
		"GET /device": func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "teapot", http.StatusTeapot)
		},
	})

	_, err := client.GetDevices(t.Context())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("got %T (%v), want *APIError", err, err)
	}
	if apiErr.Status != http.StatusTeapot {
		t.Errorf("status = %d", apiErr.Status)
	}
}

func TestMissingEnvelope(t *testing.T) {
	_, client := newTestServer(t, map[string]http.HandlerFunc{
		"POST /login": loginHandler(t, nil),
		"GET /device": func(w http.ResponseWriter, _ *http.Request) {
			// Raw payload without the success wrapper.
			_ = json.NewEncoder(w).Encode([]any{})
		},
	})

	if _, err := client.GetDevices(t.Context()); err == nil {
		t.Error("missing envelope accepted")
	}
}
