package iotd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/chasefleming/elem-go"
	"github.com/chasefleming/elem-go/attrs"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/kradalby/iotd/events"
	"tailscale.com/util/eventbus"
)

const (
	maxLoggedEvents = 100
	streamBuffer    = 16
	wsWriteTimeout  = 5 * time.Second
)

// streamMessage is the payload of SSE and websocket updates.
type streamMessage struct {
	Type     string                   `json:"type"`
	Switch   *events.SwitchStateEvent `json:"switch,omitempty"`
	Presence *events.PresenceEvent    `json:"presence,omitempty"`
}

func (m streamMessage) deviceID() string {
	if m.Switch != nil {
		return m.Switch.DeviceID
	}
	if m.Presence != nil {
		return m.Presence.DeviceID
	}
	return ""
}

// WebServer serves the status page, control endpoints and live streams.
type WebServer struct {
	logger     *slog.Logger
	provider   DeviceProvider
	controller DeviceController
	pin        string
	qrCode     string
	metrics    http.Handler
	extra      map[string]http.Handler

	switchSub   *eventbus.Subscriber[events.SwitchStateEvent]
	presenceSub *eventbus.Subscriber[events.PresenceEvent]
	statusSub   *eventbus.Subscriber[events.ConnectionStatusEvent]

	streamMu sync.RWMutex
	streams  map[chan streamMessage]struct{}

	stateMu         sync.RWMutex
	currentSwitch   map[string]events.SwitchStateEvent
	currentPresence map[string]events.PresenceEvent
	statuses        map[string]events.ConnectionStatusEvent

	eventsMu sync.Mutex
	events   []string

	upgrader websocket.Upgrader

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWebServer creates a web server. metrics may be nil.
func NewWebServer(
	logger *slog.Logger,
	provider DeviceProvider,
	controller DeviceController,
	bus *events.Bus,
	pin string,
	qrCode string,
	metrics http.Handler,
) (*WebServer, error) {
	client, err := bus.Client(events.ClientWeb)
	if err != nil {
		return nil, fmt.Errorf("failed to get web eventbus client: %w", err)
	}

	return &WebServer{
		logger:          logger,
		provider:        provider,
		controller:      controller,
		pin:             pin,
		qrCode:          qrCode,
		metrics:         metrics,
		extra:           make(map[string]http.Handler),
		switchSub:       eventbus.Subscribe[events.SwitchStateEvent](client),
		presenceSub:     eventbus.Subscribe[events.PresenceEvent](client),
		statusSub:       eventbus.Subscribe[events.ConnectionStatusEvent](client),
		streams:         make(map[chan streamMessage]struct{}),
		currentSwitch:   make(map[string]events.SwitchStateEvent),
		currentPresence: make(map[string]events.PresenceEvent),
		statuses:        make(map[string]events.ConnectionStatusEvent),
		events:          make([]string, 0, maxLoggedEvents),
	}, nil
}

// Handle registers an additional handler. Call before Routes.
func (ws *WebServer) Handle(pattern string, h http.Handler) {
	ws.extra[pattern] = h
}

// Routes returns the HTTP handler for every endpoint.
func (ws *WebServer) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", ws.HandleIndex)
	r.Post("/toggle/{id}", ws.HandleToggle)
	r.Post("/brightness/{id}", ws.HandleBrightness)
	r.Post("/refresh", ws.HandleRefresh)
	r.Get("/events", ws.HandleSSE)
	r.Get("/ws", ws.HandleWebSocket)
	r.Get("/health", ws.HandleHealth)
	r.Get("/qrcode", ws.HandleQRCode)
	r.Get("/api/devices", ws.HandleDevices)
	r.Get("/debug/eventbus", ws.HandleEventBusDebug)
	if ws.metrics != nil {
		r.Handle("/metrics", ws.metrics)
	}
	for pattern, h := range ws.extra {
		r.Handle(pattern, h)
	}
	return r
}

// Start seeds the state cache and follows bus updates until ctx is done.
func (ws *WebServer) Start(ctx context.Context) {
	// The bus carries every device; only those the provider lists are shown.
	visible := make(map[string]bool)
	ws.stateMu.Lock()
	for _, s := range ws.provider.SwitchStates() {
		ws.currentSwitch[s.DeviceID] = s
		visible[s.DeviceID] = true
	}
	for _, p := range ws.provider.PresenceStates() {
		ws.currentPresence[p.DeviceID] = p
		visible[p.DeviceID] = true
	}
	ws.stateMu.Unlock()

	ctx, ws.cancel = context.WithCancel(ctx)
	ws.wg.Add(1)
	go func() {
		defer ws.wg.Done()
		for {
			select {
			case evt := <-ws.switchSub.Events():
				if !visible[evt.DeviceID] {
					continue
				}
				ws.stateMu.Lock()
				prev, seen := ws.currentSwitch[evt.DeviceID]
				ws.currentSwitch[evt.DeviceID] = evt
				ws.stateMu.Unlock()
				if seen && prev.Equals(evt) {
					continue
				}
				ws.LogEvent(fmt.Sprintf("%s: %s -> %s", evt.Name, evt.Previous, evt.Status))
				ws.broadcast(streamMessage{Type: "switch", Switch: &evt})
			case evt := <-ws.presenceSub.Events():
				if !visible[evt.DeviceID] {
					continue
				}
				ws.stateMu.Lock()
				ws.currentPresence[evt.DeviceID] = evt
				ws.stateMu.Unlock()
				ws.LogEvent(fmt.Sprintf("%s: present=%t", evt.Name, evt.Present))
				ws.broadcast(streamMessage{Type: "presence", Presence: &evt})
			case evt := <-ws.statusSub.Events():
				ws.stateMu.Lock()
				ws.statuses[evt.Component] = evt
				ws.stateMu.Unlock()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Close stops the update loop and releases subscribers.
func (ws *WebServer) Close() {
	if ws.cancel != nil {
		ws.cancel()
	}
	ws.wg.Wait()
	ws.switchSub.Close()
	ws.presenceSub.Close()
	ws.statusSub.Close()
}

// LogEvent adds an event to the log
func (ws *WebServer) LogEvent(event string) {
	ws.eventsMu.Lock()
	defer ws.eventsMu.Unlock()
	ws.events = append(ws.events, fmt.Sprintf("%s: %s", time.Now().Format("15:04:05"), event))
	if len(ws.events) > maxLoggedEvents {
		ws.events = ws.events[1:]
	}
}

func (ws *WebServer) recentEvents(n int) []string {
	ws.eventsMu.Lock()
	defer ws.eventsMu.Unlock()
	start := max(len(ws.events)-n, 0)
	out := slices.Clone(ws.events[start:])
	slices.Reverse(out)
	return out
}

// broadcast sends a message to all connected stream clients
func (ws *WebServer) broadcast(msg streamMessage) {
	ws.streamMu.RLock()
	defer ws.streamMu.RUnlock()

	for client := range ws.streams {
		select {
		case client <- msg:
		default:
			// Client channel is full, skip
		}
	}
}

func (ws *WebServer) subscribe() chan streamMessage {
	ch := make(chan streamMessage, streamBuffer)
	ws.streamMu.Lock()
	ws.streams[ch] = struct{}{}
	ws.streamMu.Unlock()
	return ch
}

func (ws *WebServer) unsubscribe(ch chan streamMessage) {
	ws.streamMu.Lock()
	delete(ws.streams, ch)
	ws.streamMu.Unlock()
}

func (ws *WebServer) switchStates() []events.SwitchStateEvent {
	ws.stateMu.RLock()
	defer ws.stateMu.RUnlock()
	out := make([]events.SwitchStateEvent, 0, len(ws.currentSwitch))
	for _, s := range ws.currentSwitch {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b events.SwitchStateEvent) int { return cmpString(a.DeviceID, b.DeviceID) })
	return out
}

func (ws *WebServer) presenceStates() []events.PresenceEvent {
	ws.stateMu.RLock()
	defer ws.stateMu.RUnlock()
	out := make([]events.PresenceEvent, 0, len(ws.currentPresence))
	for _, p := range ws.currentPresence {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b events.PresenceEvent) int { return cmpString(a.DeviceID, b.DeviceID) })
	return out
}

func cmpString(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// renderPage renders a basic HTML page
func (ws *WebServer) renderPage(title string, content elem.Node) string {
	page := elem.Html(nil,
		elem.Head(nil,
			elem.Title(nil, elem.Text(title)),
			elem.Script(attrs.Props{
				attrs.Src: "https://unpkg.com/htmx.org@2.0.4",
			}),
			elem.Style(nil, elem.Text(`
				body { font-family: system-ui; max-width: 800px; margin: 40px auto; padding: 0 20px; }
				h1 { color: #333; }
				.device { border: 1px solid #ddd; padding: 20px; margin: 10px 0; border-radius: 8px; display: flex; justify-content: space-between; align-items: center; }
				.device.on, .device.present { background: #e8f5e9; }
				.device.off, .device.absent { background: #ffebee; }
				.device.error, .device.unknown { background: #fff8e1; }
				.device-name { font-size: 1.2em; font-weight: 500; }
				.device-status { font-size: 0.9em; color: #666; }
				button { padding: 10px 20px; font-size: 1em; cursor: pointer; border: none; border-radius: 4px; }
				button.on { background: #4caf50; color: white; }
				button.off { background: #f44336; color: white; }
				.events { margin-top: 40px; padding: 20px; background: #f5f5f5; border-radius: 8px; max-height: 300px; overflow-y: auto; }
				.event { font-family: monospace; font-size: 0.9em; padding: 4px 0; }
			`)),
		),
		elem.Body(nil,
			content,
			elem.Script(nil, elem.Raw(`
				const source = new EventSource("/events");
				source.addEventListener("switch", (e) => {
					const s = JSON.parse(e.data).switch;
					const el = document.getElementById("status-" + s.device_id);
					if (el) { el.textContent = "Status: " + s.status; }
				});
				source.addEventListener("presence", (e) => {
					const p = JSON.parse(e.data).presence;
					const el = document.getElementById("status-" + p.device_id);
					if (el) { el.textContent = p.present ? "Present" : "Not present"; }
				});
			`)),
		),
	)
	return page.Render()
}

// renderSwitchCard renders a single switch card element
func (ws *WebServer) renderSwitchCard(s events.SwitchStateEvent) elem.Node {
	statusClass := "unknown"
	buttonClass := "off"
	buttonText := "Turn On"
	buttonAction := "on"

	switch s.Status {
	case "ON":
		statusClass = "on"
		buttonClass = "on"
		buttonText = "Turn Off"
		buttonAction = "off"
	case "OFF":
		statusClass = "off"
	case "ERROR":
		statusClass = "error"
	}

	details := fmt.Sprintf("Status: %s", s.Status)
	if s.Target != "" && s.Target != "UNCHANGED" {
		details += fmt.Sprintf(" | Target: %s", s.Target)
	}
	if s.PowerMW >= 0 {
		details += fmt.Sprintf(" | %.1f W", float64(s.PowerMW)/1000)
	}
	if s.Brightness > 0 {
		details += fmt.Sprintf(" | %d%%", s.Brightness)
	}

	return elem.Div(
		attrs.Props{
			attrs.ID:    "switch-" + s.DeviceID,
			attrs.Class: "device " + statusClass,
		},
		elem.Div(nil,
			elem.Div(attrs.Props{attrs.Class: "device-name"}, elem.Text(s.Name)),
			elem.Div(attrs.Props{attrs.ID: "status-" + s.DeviceID, attrs.Class: "device-status"}, elem.Text(details)),
		),
		elem.Form(
			attrs.Props{
				"hx-post":   "/toggle/" + s.DeviceID,
				"hx-target": "#switch-" + s.DeviceID,
				"hx-swap":   "outerHTML",
			},
			elem.Input(attrs.Props{attrs.Type: "hidden", attrs.Name: "action", attrs.Value: buttonAction}),
			elem.Button(
				attrs.Props{attrs.Type: "submit", attrs.Class: buttonClass},
				elem.Text(buttonText),
			),
		),
	)
}

func (ws *WebServer) renderPresenceCard(p events.PresenceEvent) elem.Node {
	class, text := "absent", "Not present"
	since := p.LastTimePresent
	if p.Present {
		class, text = "present", "Present"
		since = p.LastTimeNotPresent
	}
	if !since.IsZero() {
		text += fmt.Sprintf(" | since %s", since.Format("Jan 2 15:04:05"))
	}
	return elem.Div(
		attrs.Props{attrs.ID: "presence-" + p.DeviceID, attrs.Class: "device " + class},
		elem.Div(nil,
			elem.Div(attrs.Props{attrs.Class: "device-name"}, elem.Text(p.Name)),
			elem.Div(attrs.Props{attrs.ID: "status-" + p.DeviceID, attrs.Class: "device-status"}, elem.Text(text)),
		),
	)
}

// HandleIndex renders the main dashboard
func (ws *WebServer) HandleIndex(w http.ResponseWriter, r *http.Request) {
	switches := ws.switchStates()
	sources := ws.presenceStates()

	var switchElements []elem.Node
	for _, s := range switches {
		switchElements = append(switchElements, ws.renderSwitchCard(s))
	}
	var presenceElements []elem.Node
	for _, p := range sources {
		presenceElements = append(presenceElements, ws.renderPresenceCard(p))
	}
	var eventElements []elem.Node
	for _, e := range ws.recentEvents(20) {
		eventElements = append(eventElements, elem.Div(attrs.Props{attrs.Class: "event"}, elem.Text(e)))
	}

	content := elem.Div(nil,
		elem.H1(nil, elem.Text("iotd")),
		elem.P(nil, elem.Text(fmt.Sprintf("Managing %d switches and %d presence sources", len(switches), len(sources)))),
		elem.H2(nil, elem.Text("Switches")),
		elem.Div(nil, switchElements...),
		elem.H2(nil, elem.Text("Presence")),
		elem.Div(nil, presenceElements...),
		elem.Div(attrs.Props{attrs.Class: "events"},
			elem.H2(nil, elem.Text("Recent Events")),
			elem.Div(nil, eventElements...),
		),
	)

	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, ws.renderPage("iotd", content)); err != nil {
		ws.logger.Error("Failed to write response", "error", err)
	}
}

// HandleToggle handles switch toggle requests
func (ws *WebServer) HandleToggle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	action := r.FormValue("action")
	if action == "" {
		action = r.URL.Query().Get("state")
	}
	var on bool
	switch action {
	case "on":
		on = true
	case "off":
	default:
		http.Error(w, "action must be on or off", http.StatusBadRequest)
		return
	}

	if err := ws.controller.SetTarget(r.Context(), "web", id, on); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	ws.LogEvent(fmt.Sprintf("Web UI: Toggle %s → %v", id, on))

	if r.Header.Get("HX-Request") == "true" {
		ws.stateMu.RLock()
		state, ok := ws.currentSwitch[id]
		ws.stateMu.RUnlock()
		if !ok {
			state = events.SwitchStateEvent{DeviceID: id, Name: id, Status: "UNKNOWN", PowerMW: -1}
		}
		state.Target = "OFF"
		if on {
			state.Target = "ON"
		}

		w.Header().Set("Content-Type", "text/html")
		if _, err := fmt.Fprint(w, ws.renderSwitchCard(state).Render()); err != nil {
			ws.logger.Error("Failed to write response", "error", err)
		}
		return
	}

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// HandleBrightness sets a dimmer level from the "level" form value.
func (ws *WebServer) HandleBrightness(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	level, err := strconv.Atoi(r.FormValue("level"))
	if err != nil {
		http.Error(w, "level must be a number", http.StatusBadRequest)
		return
	}
	if err := ws.controller.SetBrightness(r.Context(), "web", id, level); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleRefresh asks every device to sync now.
func (ws *WebServer) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	ws.controller.RefreshAll(r.Context(), "web")
	w.WriteHeader(http.StatusNoContent)
}

// HandleSSE streams every switch and presence change as Server-Sent Events.
func (ws *WebServer) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := ws.subscribe()
	defer ws.unsubscribe(ch)

	for {
		select {
		case msg := <-ch:
			data, err := json.Marshal(msg)
			if err != nil {
				ws.logger.Error("Failed to marshal SSE event", "device_id", msg.deviceID(), "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Type, data); err != nil {
				ws.logger.Debug("Failed to write SSE event", "error", err)
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// HandleWebSocket streams the current state followed by every change as JSON
// messages.
func (ws *WebServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.logger.Debug("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := ws.subscribe()
	defer ws.unsubscribe(ch)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(msg streamMessage) error {
		if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
			return err
		}
		return conn.WriteJSON(msg)
	}

	for _, s := range ws.switchStates() {
		if err := write(streamMessage{Type: "switch", Switch: &s}); err != nil {
			return
		}
	}
	for _, p := range ws.presenceStates() {
		if err := write(streamMessage{Type: "presence", Presence: &p}); err != nil {
			return
		}
	}

	for {
		select {
		case msg := <-ch:
			if err := write(msg); err != nil {
				ws.logger.Debug("Failed to write websocket message", "error", err)
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// HandleHealth reports liveness and the number of devices.
func (ws *WebServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	payload := struct {
		Status   string `json:"status"`
		Switches int    `json:"switches"`
		Presence int    `json:"presence"`
	}{
		Status:   "ok",
		Switches: len(ws.switchStates()),
		Presence: len(ws.presenceStates()),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		ws.logger.Error("Failed to write health response", "error", err)
	}
}

// HandleQRCode serves the pairing QR code and PIN as text.
func (ws *WebServer) HandleQRCode(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if _, err := fmt.Fprintf(w, "%s\nPIN: %s\n", ws.qrCode, ws.pin); err != nil {
		ws.logger.Error("Failed to write response", "error", err)
	}
}

// HandleDevices returns the cached device state as JSON.
func (ws *WebServer) HandleDevices(w http.ResponseWriter, r *http.Request) {
	payload := struct {
		Switches []events.SwitchStateEvent `json:"switches"`
		Presence []events.PresenceEvent    `json:"presence"`
	}{
		Switches: ws.switchStates(),
		Presence: ws.presenceStates(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		ws.logger.Error("Failed to write devices response", "error", err)
	}
}

// HandleEventBusDebug renders component statuses and cached device state.
func (ws *WebServer) HandleEventBusDebug(w http.ResponseWriter, r *http.Request) {
	ws.stateMu.RLock()
	statuses := make([]events.ConnectionStatusEvent, 0, len(ws.statuses))
	for _, s := range ws.statuses {
		statuses = append(statuses, s)
	}
	ws.stateMu.RUnlock()
	slices.SortFunc(statuses, func(a, b events.ConnectionStatusEvent) int { return cmpString(a.Component, b.Component) })

	statusRows := []elem.Node{
		elem.Tr(nil,
			elem.Th(nil, elem.Text("Component")),
			elem.Th(nil, elem.Text("Status")),
			elem.Th(nil, elem.Text("Error")),
			elem.Th(nil, elem.Text("Updated")),
		),
	}
	for _, s := range statuses {
		statusRows = append(statusRows, elem.Tr(nil,
			elem.Td(nil, elem.Text(s.Component)),
			elem.Td(nil, elem.Text(string(s.Status))),
			elem.Td(nil, elem.Text(s.Error)),
			elem.Td(nil, elem.Text(s.Timestamp.Format(time.RFC3339))),
		))
	}

	deviceRows := []elem.Node{
		elem.Tr(nil,
			elem.Th(nil, elem.Text("ID")),
			elem.Th(nil, elem.Text("Module")),
			elem.Th(nil, elem.Text("State")),
			elem.Th(nil, elem.Text("Updated")),
		),
	}
	for _, s := range ws.switchStates() {
		deviceRows = append(deviceRows, elem.Tr(nil,
			elem.Td(nil, elem.Text(s.DeviceID)),
			elem.Td(nil, elem.Text(s.Name)),
			elem.Td(nil, elem.Text(s.Status)),
			elem.Td(nil, elem.Text(s.Timestamp.Format(time.RFC3339))),
		))
	}
	for _, p := range ws.presenceStates() {
		deviceRows = append(deviceRows, elem.Tr(nil,
			elem.Td(nil, elem.Text(p.DeviceID)),
			elem.Td(nil, elem.Text(p.Name)),
			elem.Td(nil, elem.Text(strconv.FormatBool(p.Present))),
			elem.Td(nil, elem.Text(p.Timestamp.Format(time.RFC3339))),
		))
	}

	table := attrs.Props{"border": "1", "cellpadding": "5", "style": "border-collapse: collapse; width: 100%;"}
	content := elem.Div(nil,
		elem.H1(nil, elem.Text("Event Bus")),
		elem.H2(nil, elem.Text("Component Status")),
		elem.Table(table, statusRows...),
		elem.H2(nil, elem.Text("Devices")),
		elem.Table(table, deviceRows...),
	)

	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, ws.renderPage("iotd event bus", content)); err != nil {
		ws.logger.Error("Failed to write response", "error", err)
	}
}
