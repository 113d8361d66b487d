package main

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/Readm/gnb_sim/core"
	"github.com/Readm/gnb_sim/hooks"
	"github.com/Readm/gnb_sim/logging"
)

// SlotTrace is the JSON summary of one cell slot streamed on /ws.
type SlotTrace struct {
	Cell     core.CellIndex `json:"cell"`
	Slot     string         `json:"slot"`
	SFN      uint32         `json:"sfn"`
	Lost     int            `json:"lost"`
	SSBs     int            `json:"ssbs"`
	SIBs     int            `json:"sibs"`
	DLGrants int            `json:"dl_grants"`
	ULGrants int            `json:"ul_grants"`
	DLBytes  int            `json:"dl_bytes"`
	PDCCHErr int            `json:"pdcch_failures"`
}

type wsHub struct {
	upgrader  websocket.Upgrader
	clients   map[*websocket.Conn]bool
	register  chan *websocket.Conn
	remove    chan *websocket.Conn
	broadcast chan []byte
	done      chan struct{}
	log       *logging.Logger
}

func newHub(log *logging.Logger) *wsHub {
	return &wsHub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:   make(map[*websocket.Conn]bool),
		register:  make(chan *websocket.Conn),
		remove:    make(chan *websocket.Conn),
		broadcast: make(chan []byte, 64),
		done:      make(chan struct{}),
		log:       log,
	}
}

func (h *wsHub) run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for conn := range h.clients {
				conn.Close()
			}
			return
		case conn := <-h.register:
			h.clients[conn] = true
		case conn := <-h.remove:
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
		case msg := <-h.broadcast:
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					h.log.Warnf("Failed to send trace to WebSocket client: %v", err)
					delete(h.clients, conn)
					conn.Close()
				}
			}
		}
	}
}

func (h *wsHub) handle(ws *WebServer, w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Errorf("WebSocket upgrade failed: %v", err)
		return
	}

	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	go func() {
		defer func() {
			select {
			case h.remove <- conn:
			case <-h.done:
			}
		}()
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					h.log.Warnf("WebSocket error: %v", err)
				}
				break
			}

			var req controlRequest
			if err := json.Unmarshal(message, &req); err == nil {
				if cmd, err := ws.processControlRequest(&req); err == nil {
					ws.queueCommand(*cmd)
				}
			}
		}
	}()
}

// publish hands msg to the hub. Slow consumers lose traces rather than stall a cell.
func (h *wsHub) publish(msg []byte) bool {
	select {
	case h.broadcast <- msg:
		return true
	default:
		return false
	}
}

func newSlotTrace(ctx *hooks.SlotContext) SlotTrace {
	t := SlotTrace{Cell: ctx.Cell, Slot: ctx.Slot.String(), SFN: ctx.Slot.SFN(), Lost: ctx.Lost}
	if res := ctx.Result; res != nil {
		t.SSBs = len(res.DL.SSBs)
		t.SIBs = len(res.DL.SIBs)
		t.DLGrants = len(res.DL.UEGrants)
		t.ULGrants = len(res.UL.PUSCHs)
		t.PDCCHErr = res.Failed.PDCCH
		for _, g := range res.DL.UEGrants {
			t.DLBytes += g.TBSBytes
		}
	}
	return t
}

func (h *wsHub) traceHook(every int) hooks.SlotHook {
	if every <= 0 {
		every = 1
	}
	return func(ctx *hooks.SlotContext) error {
		if int(ctx.Slot.Count())%every != 0 {
			return nil
		}
		data, err := json.Marshal(newSlotTrace(ctx))
		if err != nil {
			return err
		}
		h.publish(data)
		return nil
	}
}
