package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Simplereally/rapid-chat/internal/approval"
	"github.com/Simplereally/rapid-chat/internal/bus"
	"github.com/Simplereally/rapid-chat/internal/stream"
	"github.com/Simplereally/rapid-chat/internal/websocket"
	"github.com/Simplereally/rapid-chat/pkg/logger"
)

// WSHandler handles inbound websocket messages from attached clients. A
// browser tab drives its session entirely over the socket: send, stop,
// and approval decisions all arrive here.
type WSHandler struct {
	manager     *stream.Manager
	coordinator *approval.Coordinator
	logger      *logger.Logger
}

// NewWSHandler creates a websocket message handler
func NewWSHandler(manager *stream.Manager, coordinator *approval.Coordinator, log *logger.Logger) *WSHandler {
	return &WSHandler{
		manager:     manager,
		coordinator: coordinator,
		logger:      log.Named("ws-handler"),
	}
}

// HandleMessage dispatches one inbound client message
func (h *WSHandler) HandleMessage(client *websocket.Client, messageType string, data map[string]any) error {
	sessionID, _ := data["session_id"].(string)
	if sessionID == "" {
		return fmt.Errorf("session_id is required")
	}

	switch messageType {
	case websocket.MessageTypeSendChat:
		text, _ := data["text"].(string)
		if text == "" {
			return fmt.Errorf("text is required")
		}
		producer := h.manager.GetOrCreate(sessionID)
		if producer == nil {
			return fmt.Errorf("session %s is owned by another runtime", sessionID)
		}
		producer.SendMessage(text)
		return nil

	case websocket.MessageTypeStop:
		producer, ok := h.manager.ProducerFor(sessionID)
		if !ok {
			return fmt.Errorf("no producer for session %s", sessionID)
		}
		producer.Stop()
		return nil

	case websocket.MessageTypeDecision:
		approvalID, _ := data["approval_id"].(string)
		if approvalID == "" {
			return fmt.Errorf("approval_id is required")
		}
		approved, ok := data["approved"].(bool)
		if !ok {
			return fmt.Errorf("approved (true/false) is required")
		}
		return h.coordinator.Decide(context.Background(), sessionID, approvalID, approved)

	default:
		return fmt.Errorf("unknown message type: %s", messageType)
	}
}

// WSBridge relays sync envelopes from the bus to attached websocket
// clients, which is how browser tabs observe sessions owned by the server.
type WSBridge struct {
	bus         bus.Bus
	wsServer    *websocket.Server
	logger      *logger.Logger
	unsubscribe func()
}

// NewWSBridge creates a bus-to-websocket relay
func NewWSBridge(b bus.Bus, wsServer *websocket.Server, log *logger.Logger) *WSBridge {
	return &WSBridge{
		bus:      b,
		wsServer: wsServer,
		logger:   log.Named("ws-bridge"),
	}
}

// Start begins relaying envelopes
func (b *WSBridge) Start() {
	b.unsubscribe = b.bus.Subscribe(b.relay)
}

// Stop detaches from the bus
func (b *WSBridge) Stop() {
	if b.unsubscribe != nil {
		b.unsubscribe()
		b.unsubscribe = nil
	}
}

// relay converts one envelope into a websocket broadcast. Decision
// envelopes stay on the bus; clients only receive state.
func (b *WSBridge) relay(env bus.Envelope) {
	var msgType string
	switch env.Kind {
	case bus.KindSnapshot:
		msgType = websocket.MessageTypeSnapshot
	case bus.KindCompleted:
		msgType = websocket.MessageTypeCompleted
	default:
		return
	}

	raw, err := json.Marshal(env)
	if err != nil {
		b.logger.Error("Failed to encode envelope", Error(err))
		return
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		b.logger.Error("Failed to decode envelope", Error(err))
		return
	}

	b.wsServer.Broadcast(&websocket.Message{Type: msgType, Data: data})
}
