// Package paj implements a client for the PAJ GPS cloud REST API
// (connect.paj-gps.de). Every response is wrapped in a {"success": ...}
// envelope; a missing envelope is treated as a malformed response for
// that one call, never as a reason to crash.
package paj

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/nugget/pajbridge/internal/httpkit"
)

// DefaultBaseURL is the production PAJ GPS cloud endpoint.
const DefaultBaseURL = "https://connect.paj-gps.de/api/v1"

// tokenTTL is how long a bearer token is reused before a fresh login.
// The vendor does not document an expiry; 55 minutes stays safely under
// the observed one-hour server-side lifetime.
const tokenTTL = 55 * time.Minute

// AuthError indicates the vendor rejected the account credentials or
// the token refresh. The coordinator treats this as fatal for the whole
// refresh cycle.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return "authentication failed: " + e.Err.Error() }
func (e *AuthError) Unwrap() error { return e.Err }

// APIError is a well-formed non-200 response from the vendor.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("PAJ API error %d: %s", e.Status, e.Body)
}

// ErrNoSensorData means the device has no sensor hardware: the vendor
// answers the sensordata endpoint with an empty array instead of a
// value object. Expected for basic trackers, so callers should log it
// at low severity.
var ErrNoSensorData = errors.New("device has no sensor data")

// Client is a PAJ GPS cloud API client. It caches the bearer token and
// refreshes it transparently; all methods are safe for concurrent use.
type Client struct {
	baseURL    string
	email      string
	password   string
	httpClient *http.Client
	logger     *slog.Logger

	mu           sync.Mutex
	token        string
	tokenFetched time.Time
}

// NewClient creates a PAJ GPS client. An empty baseURL selects the
// production cloud.
func NewClient(baseURL, email, password string, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:  baseURL,
		email:    email,
		password: password,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(30*time.Second),
			httpkit.WithRetry(2, 2*time.Second),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
}

// Login ensures a valid bearer token, fetching a new one only when the
// cached token is missing or older than its TTL. Returns *AuthError
// when the vendor rejects the credentials.
func (c *Client) Login(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Since(c.tokenFetched) < tokenTTL {
		return nil
	}

	q := url.Values{}
	q.Set("email", c.email)
	q.Set("password", c.password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/login?"+q.Encode(), nil)
	if err != nil {
		return &AuthError{Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-CSRF-TOKEN", "")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &AuthError{Err: fmt.Errorf("login: %w", err)}
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return &AuthError{Err: &APIError{Status: resp.StatusCode, Body: body}}
	}

	var envelope struct {
		Success struct {
			Token  string `json:"token"`
			UserID any    `json:"userID"`
		} `json:"success"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return &AuthError{Err: fmt.Errorf("decode login response: %w", err)}
	}
	if envelope.Success.Token == "" {
		return &AuthError{Err: errors.New("login response contained no token")}
	}

	c.token = envelope.Success.Token
	c.tokenFetched = time.Now()
	c.logger.Debug("paj login token refreshed")
	return nil
}

// Close releases idle connections. The client must not be used after.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// --- Wire models ---

type wireDeviceModel struct {
	Model             string `json:"model"`
	AlarmShock        int    `json:"alarm_erschuetterung"`
	AlarmBattery      int    `json:"alarm_batteriestand"`
	AlarmSOS          int    `json:"alarm_sos"`
	AlarmSpeed        int    `json:"alarm_geschwindigkeit"`
	AlarmPowerCutoff  int    `json:"alarm_stromunterbrechung"`
	AlarmIgnition     int    `json:"alarm_zuendalarm"`
	AlarmDrop         int    `json:"alarm_drop"`
	AlarmVoltage      int    `json:"alarm_volt"`
	StandaloneBattery int    `json:"standalone_battery"`
}

// wireDevice uses *int for the root-level alert flags: the vendor omits
// or nulls a field when the hardware does not expose that alert, which
// is a different state than an explicit 0 (supported but disabled).
type wireDevice struct {
	ID               int               `json:"id"`
	Name             string            `json:"name"`
	IMEI             string            `json:"imei"`
	ModelID          int               `json:"modellid"`
	DeviceModels     []wireDeviceModel `json:"device_models"`
	AlarmShock       *int              `json:"alarmbewegung"`
	AlarmBattery     *int              `json:"alarmakkuwarnung"`
	AlarmSOS         *int              `json:"alarmsos"`
	AlarmSpeed       *int              `json:"alarmgeschwindigkeit"`
	AlarmPowerCutoff *int              `json:"alarmstromunterbrechung"`
	AlarmIgnition    *int              `json:"alarmzuendalarm"`
	AlarmDrop        *int              `json:"alarm_fall_enabled"`
	AlarmVoltage     *int              `json:"alarm_volt"`
}

func (w wireDevice) toDevice() (Device, bool) {
	if len(w.DeviceModels) == 0 {
		return Device{}, false
	}
	m := w.DeviceModels[0]

	d := Device{
		ID:         w.ID,
		Name:       w.Name,
		IMEI:       w.IMEI,
		Model:      m.Model,
		ModelID:    w.ModelID,
		HasBattery: m.StandaloneBattery == 1,
		Supports: map[AlertType]bool{
			AlertShock:       m.AlarmShock == 1,
			AlertBattery:     m.AlarmBattery == 1,
			AlertSOS:         m.AlarmSOS == 1,
			AlertSpeed:       m.AlarmSpeed == 1,
			AlertPowerCutoff: m.AlarmPowerCutoff == 1,
			AlertIgnition:    m.AlarmIgnition == 1,
			AlertDrop:        m.AlarmDrop == 1,
			AlertVoltage:     m.AlarmVoltage == 1,
		},
		AlertFlags: make(map[AlertType]int, 8),
	}

	flags := map[AlertType]*int{
		AlertShock:       w.AlarmShock,
		AlertBattery:     w.AlarmBattery,
		AlertSOS:         w.AlarmSOS,
		AlertSpeed:       w.AlarmSpeed,
		AlertPowerCutoff: w.AlarmPowerCutoff,
		AlertIgnition:    w.AlarmIgnition,
		AlertDrop:        w.AlarmDrop,
		AlertVoltage:     w.AlarmVoltage,
	}
	for t, v := range flags {
		if v != nil {
			d.AlertFlags[t] = *v
		}
	}
	return d, true
}

type wirePosition struct {
	DeviceID  int     `json:"iddevice"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Direction int     `json:"direction"`
	Speed     int     `json:"speed"`
	Battery   int     `json:"battery"`
}

type wireNotification struct {
	ID       int    `json:"id"`
	DeviceID int    `json:"iddevice"`
	Type     int    `json:"meldungtyp"`
	Read     int    `json:"isread"`
	Message  string `json:"meldung"`
}

// --- API calls ---

// GetDevices fetches the full device list. Devices without a
// device_models entry are skipped with a warning since their
// capabilities cannot be resolved.
func (c *Client) GetDevices(ctx context.Context) ([]Device, error) {
	var wire []wireDevice
	if err := c.get(ctx, "/device", nil, &wire); err != nil {
		return nil, err
	}

	devices := make([]Device, 0, len(wire))
	for _, w := range wire {
		d, ok := w.toDevice()
		if !ok {
			c.logger.Warn("device has no device_models, skipping", "device_id", w.ID)
			continue
		}
		devices = append(devices, d)
	}
	return devices, nil
}

// GetAllLastPositions fetches the last known position for every device
// in deviceIDs with a single bulk call.
func (c *Client) GetAllLastPositions(ctx context.Context, deviceIDs []int) ([]Position, error) {
	payload := map[string]any{
		"deviceIDs":     deviceIDs,
		"fromLastPoint": false,
	}
	var wire []wirePosition
	if err := c.post(ctx, "/trackerdata/getalllastpositions", payload, &wire); err != nil {
		return nil, err
	}

	positions := make([]Position, len(wire))
	for i, w := range wire {
		positions[i] = Position(w)
	}
	return positions, nil
}

// GetLastSensorData fetches the latest sensor values for one device.
// The vendor reports voltage in millivolts; the reading is converted to
// volts and rounded to one decimal. Returns ErrNoSensorData when the
// device has no sensor hardware.
func (c *Client) GetLastSensorData(ctx context.Context, deviceID int) (SensorReading, error) {
	var raw json.RawMessage
	if err := c.get(ctx, "/sensordata/last/"+strconv.Itoa(deviceID), nil, &raw); err != nil {
		return SensorReading{}, err
	}

	// An empty array here means "no sensor hardware", not an error
	// response. Anything else must be a value object.
	var asList []json.RawMessage
	if err := json.Unmarshal(raw, &asList); err == nil {
		return SensorReading{}, ErrNoSensorData
	}

	var values struct {
		Volt *float64 `json:"volt"`
	}
	if err := json.Unmarshal(raw, &values); err != nil {
		return SensorReading{}, fmt.Errorf("decode sensor data: %w", err)
	}

	reading := SensorReading{DeviceID: deviceID}
	if values.Volt != nil {
		reading.Voltage = math.Round(*values.Volt/1000*10) / 10
	}
	return reading, nil
}

// GetDeviceNotifications fetches one device's notifications filtered by
// read state (0 = unread, 1 = read).
func (c *Client) GetDeviceNotifications(ctx context.Context, deviceID, isRead int) ([]Notification, error) {
	q := url.Values{}
	q.Set("deviceID", strconv.Itoa(deviceID))
	q.Set("isRead", strconv.Itoa(isRead))

	var wire []wireNotification
	if err := c.get(ctx, "/notifications", q, &wire); err != nil {
		return nil, err
	}

	notifications := make([]Notification, len(wire))
	for i, w := range wire {
		notifications[i] = Notification{
			ID:       w.ID,
			DeviceID: w.DeviceID,
			Type:     AlertType(w.Type),
			Read:     w.Read,
			Message:  w.Message,
		}
	}
	return notifications, nil
}

// MarkNotificationsReadByDevice flips the read state of all of a
// device's notifications on the vendor side.
func (c *Client) MarkNotificationsReadByDevice(ctx context.Context, deviceID, isRead int) error {
	q := url.Values{}
	q.Set("deviceID", strconv.Itoa(deviceID))
	q.Set("isRead", strconv.Itoa(isRead))
	return c.put(ctx, "/notifications/markReadByDevice", q)
}

// UpdateDevice sets root-level device fields, e.g. {"alarmsos": 1} to
// enable the SOS alert. This is the alert-toggle write path.
func (c *Client) UpdateDevice(ctx context.Context, deviceID int, fields map[string]int) error {
	q := url.Values{}
	for field, value := range fields {
		q.Set(field, strconv.Itoa(value))
	}
	return c.put(ctx, "/device/"+strconv.Itoa(deviceID), q)
}

// --- Request plumbing ---

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, query, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	return c.do(ctx, http.MethodPost, path, nil, body, out)
}

func (c *Client) put(ctx context.Context, path string, query url.Values) error {
	return c.do(ctx, http.MethodPut, path, query, nil, nil)
}

// do performs an authenticated request and unwraps the {"success": ...}
// envelope into out. A 401 clears the cached token so the next Login
// fetches a fresh one.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	if err := c.Login(ctx); err != nil {
		return err
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		reqBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(reqBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-CSRF-TOKEN", "")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode == http.StatusUnauthorized {
		c.mu.Lock()
		c.token = ""
		c.mu.Unlock()
	}
	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 512)
		return &APIError{Status: resp.StatusCode, Body: errBody}
	}

	if out == nil {
		return nil
	}

	var envelope struct {
		Success json.RawMessage `json:"success"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if envelope.Success == nil {
		return fmt.Errorf("unexpected response shape for %s: no success envelope", path)
	}

	c.logger.Log(ctx, slog.Level(-8), "paj response", // config.LevelTrace
		"path", path,
		"payload", string(envelope.Success),
	)

	if err := json.Unmarshal(envelope.Success, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", path, err)
	}
	return nil
}
