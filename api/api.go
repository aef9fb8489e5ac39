// Package api wires the device's admin HTTP surface onto a web.Router.
package api

import (
	"embed"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/sidoh/esp8266-thermometer/firmware"
	"github.com/sidoh/esp8266-thermometer/sensors"
	"github.com/sidoh/esp8266-thermometer/settings"
	"github.com/sidoh/esp8266-thermometer/web"
)

//go:embed static
var staticFS embed.FS

// Response texts shared with clients and tests.
const (
	MsgInvalidJSON       = "Invalid JSON"
	MsgMissingCommand    = "JSON did not contain `command' key"
	MsgUnhandledCommand  = "Unhandled command"
	MsgOK                = "OK"
	MsgThermometerNeeded = "You must provide a thermometer name"
	MsgNoThermometer     = "Could not find the provided thermometer"
	MsgUpdateSuccessful  = "Update successful.  Device will now reboot.\n\n"
)

// Sensors is the read side of the sensor cache.
type Sensors interface {
	IDs() []string
	Known(id string) bool
	ValueOf(id string) float64
}

// Platform supplies the /about health figures.
type Platform interface {
	Voltage() float64
	SignalStrength() int
	FreeMemory() uint64
	SDKVersion() string
}

// Firmware is the image-write lifecycle behind /firmware.
type Firmware interface {
	Begin(size int64) error
	Write(p []byte) (int, error)
	Commit() (firmware.Result, error)
	Abort()
}

// Logger is the subset of the application logger the handlers need.
type Logger interface {
	Warn(msg string, context ...interface{})
	Info(msg string, context ...interface{})
}

// Config collects the handlers' collaborators.
type Config struct {
	Settings *settings.Store
	Sensors  Sensors
	Platform Platform
	Firmware Firmware
	// Restart ends the boot cycle once the current response is sent.
	Restart func(reason string)
	// Metrics, when set, is served at /metrics.
	Metrics http.Handler
	Version string
	Variant string
	Logger  Logger
}

// API holds the handlers.
type API struct {
	cfg Config
}

// New creates the handlers.
func New(cfg Config) *API {
	if cfg.Restart == nil {
		cfg.Restart = func(string) {}
	}
	return &API{cfg: cfg}
}

// Register adds every route to r.
func (a *API) Register(r *web.Router) {
	r.On(http.MethodGet, "/settings", a.handleGetSettings)
	r.OnBody(http.MethodPut, "/settings", a.handlePutSettings)

	r.On(http.MethodGet, "/about", a.handleAbout)
	r.OnUpload(http.MethodPost, "/firmware", a.handleFirmwareComplete, a.handleFirmwareChunk)

	r.On(http.MethodGet, "/thermometers/:thermometer", a.handleGetThermometer)
	r.On(http.MethodGet, "/thermometers", a.handleListThermometers)

	r.OnBody(http.MethodPost, "/commands", a.handleCommand)

	r.On(http.MethodGet, "/", serveStatic("static/index.html", "text/html"))
	r.On(http.MethodGet, "/style.css", serveStatic("static/style.css", "text/css"))
	r.On(http.MethodGet, "/script.js", serveStatic("static/script.js", "application/javascript"))

	if a.cfg.Metrics != nil {
		r.On(http.MethodGet, "/metrics", func(c *web.Context) {
			a.cfg.Metrics.ServeHTTP(c.Writer, c.Request)
		})
	}
}

func (a *API) handleGetSettings(c *web.Context) {
	doc, err := a.cfg.Settings.Document(false)
	if err != nil {
		c.Text(http.StatusInternalServerError, err.Error())
		return
	}
	c.Raw(http.StatusOK, "application/json", doc)
}

func (a *API) handlePutSettings(c *web.Context) {
	body, _ := c.Body()
	res, err := a.cfg.Settings.Patch(body)
	if err != nil {
		c.Text(http.StatusBadRequest, MsgInvalidJSON)
		return
	}
	// A failed save leaves the in-memory record authoritative.
	_ = a.cfg.Settings.Save()
	a.cfg.Logger.Info("Settings updated", "applied", len(res.Applied), "rejected", len(res.Rejected))
	a.handleGetSettings(c)
}

type about struct {
	Version        string  `json:"version"`
	Variant        string  `json:"variant"`
	Voltage        float64 `json:"voltage"`
	SignalStrength int     `json:"signal_strength"`
	FreeHeap       uint64  `json:"free_heap"`
	SDKVersion     string  `json:"sdk_version"`
}

func (a *API) handleAbout(c *web.Context) {
	// Measure memory before building the response.
	free := a.cfg.Platform.FreeMemory()
	c.JSON(http.StatusOK, about{
		Version:        a.cfg.Version,
		Variant:        a.cfg.Variant,
		Voltage:        a.cfg.Platform.Voltage(),
		SignalStrength: a.cfg.Platform.SignalStrength(),
		FreeHeap:       free,
		SDKVersion:     a.cfg.Platform.SDKVersion(),
	})
}

type thermometerSummary struct {
	ID          string  `json:"id"`
	Name        string  `json:"name,omitempty"`
	Temperature float64 `json:"temperature"`
}

func (a *API) handleListThermometers(c *web.Context) {
	aliases := a.cfg.Settings.Settings().DeviceAliases
	list := make([]thermometerSummary, 0)
	for _, id := range a.cfg.Sensors.IDs() {
		list = append(list, thermometerSummary{
			ID:          id,
			Name:        aliases[id],
			Temperature: a.cfg.Sensors.ValueOf(id),
		})
	}
	c.JSON(http.StatusOK, list)
}

type thermometerDetail struct {
	ID                 string  `json:"id"`
	Name               string  `json:"name"`
	CurrentTemperature float64 `json:"current_temperature"`
}

func (a *API) handleGetThermometer(c *web.Context) {
	token, ok := c.Param("thermometer")
	if !ok {
		c.Text(http.StatusBadRequest, MsgThermometerNeeded)
		return
	}
	res := sensors.Resolve(token, a.cfg.Settings.Settings().DeviceAliases)
	if !a.cfg.Sensors.Known(res.ID) {
		c.Text(http.StatusNotFound, MsgNoThermometer)
		return
	}
	c.JSON(http.StatusOK, thermometerDetail{
		ID:                 res.ID,
		Name:               res.Name,
		CurrentTemperature: a.cfg.Sensors.ValueOf(res.ID),
	})
}

func (a *API) handleCommand(c *web.Context) {
	body, _ := c.Body()
	var req map[string]json.RawMessage
	if err := json.Unmarshal(body, &req); err != nil || req == nil {
		c.Text(http.StatusBadRequest, MsgInvalidJSON)
		return
	}
	raw, ok := req["command"]
	if !ok {
		c.Text(http.StatusBadRequest, MsgMissingCommand)
		return
	}
	var command string
	_ = json.Unmarshal(raw, &command)

	if strings.EqualFold(command, "reboot") {
		c.Text(http.StatusOK, MsgOK)
		a.cfg.Logger.Info("Reboot requested")
		a.cfg.Restart("reboot command")
		return
	}
	c.Text(http.StatusBadRequest, MsgUnhandledCommand)
}

// handleFirmwareChunk maps the upload phases onto begin, write and commit.
func (a *API) handleFirmwareChunk(c *web.Context, filename string, offset int64, chunk []byte, final bool) error {
	if offset == 0 {
		if err := a.cfg.Firmware.Begin(announcedSize(c.Request)); err != nil {
			return err
		}
		a.cfg.Logger.Info("Receiving firmware image", "filename", filename)
	}
	if len(chunk) > 0 {
		if _, err := a.cfg.Firmware.Write(chunk); err != nil {
			a.cfg.Firmware.Abort()
			return err
		}
	}
	if final {
		if _, err := a.cfg.Firmware.Commit(); err != nil {
			return err
		}
	}
	return nil
}

func (a *API) handleFirmwareComplete(c *web.Context) {
	if err := c.UploadErr(); err != nil {
		a.cfg.Firmware.Abort()
		a.cfg.Logger.Warn("Firmware update failed", "error", err)
		c.Text(http.StatusInternalServerError, "Update failed: "+err.Error())
		return
	}
	c.Text(http.StatusOK, MsgUpdateSuccessful)
	a.cfg.Restart("firmware update")
}

// announcedSize is the image length for raw uploads; multipart bodies carry
// form framing so their length is unknown.
func announcedSize(req *http.Request) int64 {
	if strings.HasPrefix(req.Header.Get("Content-Type"), "multipart/") {
		return 0
	}
	if req.ContentLength > 0 {
		return req.ContentLength
	}
	return 0
}

func serveStatic(name, contentType string) web.HandlerFunc {
	return func(c *web.Context) {
		data, err := staticFS.ReadFile(name)
		if err != nil {
			c.Text(http.StatusNotFound, "Not found")
			return
		}
		c.Raw(http.StatusOK, contentType, data)
	}
}
