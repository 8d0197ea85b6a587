// Package inspect serves a small HTTP surface for observing and steering a running device.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/timzifer/tickset/actions"
	"github.com/timzifer/tickset/bridge"
	"github.com/timzifer/tickset/device"
	"github.com/timzifer/tickset/executor"
)

// Server exposes device state, executor control and metrics over HTTP.
type Server struct {
	logger  zerolog.Logger
	device  *device.Device
	handler http.Handler
	hub     *hub
	server  *http.Server
	ln      net.Listener
}

type stateResponse struct {
	Name     string           `json:"name"`
	State    string           `json:"state"`
	Control  executor.Status  `json:"control"`
	Metrics  executor.Metrics `json:"metrics"`
	Settings []settingState   `json:"settings"`
	Actions  []actions.Status `json:"actions"`
}

type settingState struct {
	Name    string      `json:"name"`
	ID      string      `json:"id"`
	UUID    string      `json:"uuid"`
	Kind    string      `json:"kind"`
	Value   interface{} `json:"value"`
	Payload string      `json:"payload"`
	Push    bool        `json:"push"`
}

type controlRequest struct {
	Action     string `json:"action"`
	DurationMS *int64 `json:"duration_ms,omitempty"`
}

type settingUpdateRequest struct {
	Payload *string `json:"payload"`
}

// New prepares the handlers. Metrics are served from gatherer, or the default
// Prometheus gatherer when nil.
func New(d *device.Device, logger zerolog.Logger, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{logger: logger.With().Str("component", "inspect").Logger(), device: d, hub: newHub()}
	s.watchSettings()
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/api/control", s.handleControl)
	mux.HandleFunc("/api/settings/", s.handleSettingUpdate)
	mux.HandleFunc("/api/stream", s.handleStream)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	s.handler = mux
	return s
}

// Handler returns the HTTP handler without starting a listener.
func (s *Server) Handler() http.Handler { return s.handler }

// Start listens on listen and serves in the background.
func (s *Server) Start(listen string) error {
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s.handler, ReadHeaderTimeout: 5 * time.Second}
	s.server = srv
	s.ln = ln

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("inspect server stopped")
		}
	}()

	s.logger.Info().Str("listen", ln.Addr().String()).Msg("inspect server started")
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s == nil || s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Close disconnects stream clients and shuts the listener down.
func (s *Server) Close() {
	if s == nil {
		return
	}
	s.hub.close()
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil && err != context.Canceled {
		s.logger.Error().Err(err).Msg("shutdown inspect server")
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, s.device.Name()); err != nil {
		s.logger.Error().Err(err).Msg("render inspect page")
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.logger, s.state())
}

func (s *Server) state() stateResponse {
	exec := s.device.Executor()
	return stateResponse{
		Name:     s.device.Name(),
		State:    exec.State().String(),
		Control:  exec.Status(),
		Metrics:  exec.Metrics(),
		Settings: s.settings(),
		Actions:  s.device.Actions(),
	}
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()
	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	exec := s.device.Executor()
	switch req.Action {
	case "run":
		exec.Resume()
	case "pause":
		exec.Pause()
	case "step":
		exec.Step()
	case "speed":
		if req.DurationMS == nil {
			http.Error(w, "duration required", http.StatusBadRequest)
			return
		}
		exec.SetInterval(time.Duration(*req.DurationMS) * time.Millisecond)
	default:
		http.Error(w, "unknown action", http.StatusBadRequest)
		return
	}
	writeJSON(w, s.logger, exec.Status())
}

func (s *Server) handleSettingUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/api/settings/")
	if name == "" || strings.Contains(name, "/") {
		http.NotFound(w, r)
		return
	}
	defer r.Body.Close()
	var req settingUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Payload == nil {
		http.Error(w, "payload required", http.StatusBadRequest)
		return
	}
	peer := bridge.PeerInfo{ID: "inspect", Address: r.RemoteAddr}
	if err := s.device.Apply(name, []byte(*req.Payload), peer); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	for _, state := range s.settings() {
		if state.Name == name {
			writeJSON(w, s.logger, state)
			return
		}
	}
	http.NotFound(w, r)
}

func (s *Server) settings() []settingState {
	reg := s.device.Registry()
	bindings := s.device.Bridge().Bindings()
	out := make([]settingState, 0, len(bindings))
	for _, b := range bindings {
		state := settingState{
			Name:    b.Name,
			ID:      fmt.Sprintf("0x%04x", b.ID),
			UUID:    b.UUID.String(),
			Kind:    string(b.Kind),
			Payload: b.Payload,
			Push:    b.Push,
		}
		if desc, err := reg.Get(b.Name); err == nil {
			state.Value = jsonValue(desc.Any())
		}
		out = append(out, state)
	}
	return out
}

// jsonValue keeps non-finite floats encodable.
func jsonValue(v interface{}) interface{} {
	switch f := v.(type) {
	case float32:
		if !finite(float64(f)) {
			return bridge.FormatFloat(float64(f), 32)
		}
	case float64:
		if !finite(f) {
			return bridge.FormatFloat(f, 64)
		}
	}
	return v
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func writeJSON(w http.ResponseWriter, logger zerolog.Logger, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error().Err(err).Msg("encode inspect response")
	}
}

var indexTemplate = template.Must(template.New("inspect").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.}} · tickset</title>
<style>
body { font-family: Arial, sans-serif; margin: 2rem; background: #f7f7f7; color: #222; }
table { border-collapse: collapse; background: #fff; }
th, td { border: 1px solid #ccc; padding: 0.3rem 0.6rem; text-align: left; }
.controls { display: flex; gap: 0.5rem; margin-bottom: 1rem; }
</style>
</head>
<body>
<h1>{{.}}</h1>
<div class="controls">
<button onclick="control('run')">Run</button>
<button onclick="control('pause')">Pause</button>
<button onclick="control('step')">Step</button>
<span id="status"></span>
</div>
<table>
<thead><tr><th>Name</th><th>ID</th><th>Kind</th><th>Value</th><th>Push</th><th>Write</th></tr></thead>
<tbody id="settings"></tbody>
</table>
<script>
async function control(action) {
  await fetch('/api/control', {method: 'POST', body: JSON.stringify({action})});
  refresh();
}
async function write(name) {
  const payload = document.getElementById('in-' + name).value;
  await fetch('/api/settings/' + encodeURIComponent(name), {method: 'POST', body: JSON.stringify({payload})});
  refresh();
}
async function refresh() {
  const state = await (await fetch('/api/state')).json();
  document.getElementById('status').textContent = state.state + ' / ' + state.control.mode + ' / ' + state.metrics.iterations + ' iterations';
  const rows = state.settings.map(s =>
    '<tr><td>' + s.name + '</td><td>' + s.id + '</td><td>' + s.kind + '</td><td>' + s.value +
    '</td><td>' + s.push + '</td><td><input id="in-' + s.name + '"><button onclick="write(\'' + s.name + '\')">Set</button></td></tr>');
  document.getElementById('settings').innerHTML = rows.join('');
}
refresh();
const stream = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/api/stream');
stream.onmessage = () => refresh();
setInterval(refresh, 5000);
</script>
</body>
</html>
`))
