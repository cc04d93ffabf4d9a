package iotd

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/brutella/hap"
	"github.com/chasefleming/elem-go"
	"github.com/chasefleming/elem-go/attrs"
)

// DebugHandler renders the HomeKit bridge state as an HTML page.
type DebugHandler struct {
	hm     *HAPManager
	server *hap.Server
	store  hap.Store
	logger *slog.Logger
}

// NewDebugHandler creates a new debug handler. server and store may be nil.
func NewDebugHandler(logger *slog.Logger, hm *HAPManager, server *hap.Server, store hap.Store) *DebugHandler {
	return &DebugHandler{
		hm:     hm,
		server: server,
		store:  store,
		logger: logger,
	}
}

func (h *DebugHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	info := h.hm.DebugInfo(h.server, h.store)

	rows := []elem.Node{
		elem.Tr(nil,
			elem.Th(nil, elem.Text("ID")),
			elem.Th(nil, elem.Text("Name")),
			elem.Th(nil, elem.Text("Type")),
			elem.Th(nil, elem.Text("Manufacturer")),
			elem.Th(nil, elem.Text("Serial")),
			elem.Th(nil, elem.Text("Firmware")),
			elem.Th(nil, elem.Text("Services")),
		),
	}
	for _, acc := range info.Accessories {
		rows = append(rows, elem.Tr(nil,
			elem.Td(nil, elem.Text(strconv.FormatUint(acc.ID, 10))),
			elem.Td(nil, elem.Text(acc.Name)),
			elem.Td(nil, elem.Text(acc.Type)),
			elem.Td(nil, elem.Text(acc.Manufacturer)),
			elem.Td(nil, elem.Text(acc.SerialNumber)),
			elem.Td(nil, elem.Text(acc.Firmware)),
			elem.Td(nil, renderServices(acc.Services)),
		))
	}

	content := elem.Div(nil,
		elem.H1(nil, elem.Text("HomeKit Debug")),
		renderServerInfo(info.Server),
		renderStats(info.Stats),
		renderPairings(info),
		elem.H2(nil, elem.Text("Registered Accessories")),
		elem.Table(attrs.Props{"border": "1", "cellpadding": "5", "style": "border-collapse: collapse; width: 100%;"},
			rows...,
		),
	)

	page := elem.Html(nil,
		elem.Head(nil,
			elem.Title(nil, elem.Text("HomeKit Debug")),
			elem.Style(nil, elem.Text(`
				body { font-family: sans-serif; padding: 20px; }
				th, td { border: 1px solid #ddd; padding: 8px; text-align: left; vertical-align: top; }
				th { background-color: #f2f2f2; }
				.service { margin-bottom: 10px; border-bottom: 1px solid #eee; padding-bottom: 5px; }
				.char { margin-left: 10px; font-size: 0.9em; color: #555; }
			`)),
		),
		elem.Body(nil, content),
	)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := fmt.Fprint(w, page.Render()); err != nil {
		h.logger.Error("Failed to write debug response", "error", err)
	}
}

func renderServices(services []ServiceInfo) elem.Node {
	var nodes []elem.Node
	for _, svc := range services {
		var chars []elem.Node
		for _, c := range svc.Characteristics {
			chars = append(chars, elem.Div(attrs.Props{attrs.Class: "char"}, elem.Text(c)))
		}
		nodes = append(nodes, elem.Div(attrs.Props{attrs.Class: "service"},
			elem.Strong(nil, elem.Text(svc.Type)),
			elem.Div(nil, chars...),
		))
	}
	return elem.Div(nil, nodes...)
}

func renderServerInfo(s *ServerInfo) elem.Node {
	if s == nil {
		return elem.Div(nil, elem.Text("Server info not available"))
	}
	return elem.Div(nil,
		elem.H2(nil, elem.Text("Server Info")),
		elem.Ul(nil,
			elem.Li(nil, elem.Text(fmt.Sprintf("Address: %s", s.Address))),
			elem.Li(nil, elem.Text(fmt.Sprintf("Paired: %v", s.Paired))),
		),
	)
}

func renderStats(s StatsInfo) elem.Node {
	return elem.Div(nil,
		elem.H2(nil, elem.Text("Statistics")),
		elem.Ul(nil,
			elem.Li(nil, elem.Text(fmt.Sprintf("Incoming Commands: %d", s.IncomingCommands))),
			elem.Li(nil, elem.Text(fmt.Sprintf("Outgoing Updates: %d", s.OutgoingUpdates))),
			elem.Li(nil, elem.Text(fmt.Sprintf("Last Activity: %s", s.LastActivity))),
		),
	)
}

func renderPairings(info HAPDebugInfo) elem.Node {
	if len(info.Pairings) == 0 {
		return elem.Div(nil,
			elem.H2(nil, elem.Text("Pairings")),
			elem.P(nil, elem.Text("No active pairings")),
		)
	}

	var items []elem.Node
	for _, p := range info.Pairings {
		items = append(items, elem.Li(nil, elem.Text(fmt.Sprintf("%s (%s)", p.Name, p.Permission))))
	}
	return elem.Div(nil,
		elem.H2(nil, elem.Text("Pairings")),
		elem.Ul(nil, items...),
	)
}
