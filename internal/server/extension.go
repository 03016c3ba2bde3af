package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/neboloop/cdp-relay/internal/registry"
	"github.com/neboloop/cdp-relay/internal/transport"
)

// registerDeadline is how long the dispatcher waits for the mandatory
// first device:register control frame (spec 6: "within 5s, else closed").
const registerDeadline = 5 * time.Second

// controlEnvelope is the extension-side wrapper for non-CDP control
// messages: device:register and device:heartbeat.
type controlEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type registerData struct {
	DeviceID   string              `json:"deviceId"`
	DeviceInfo registry.DeviceInfo `json:"deviceInfo"`
}

// handleExtension implements /extension: the device-registration endpoint.
func (s *Server) handleExtension(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("extension upgrade failed", zap.Error(err))
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(registerDeadline))
	_, data, err := conn.ReadMessage()
	if err != nil {
		s.log.Info("extension registration not received in time", zap.Error(err))
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	var env controlEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "device:register" {
		s.log.Info("extension first frame was not device:register", zap.String("type", env.Type))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected device:register"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	var reg registerData
	if err := json.Unmarshal(env.Data, &reg); err != nil || reg.DeviceID == "" {
		_ = conn.Close()
		return
	}

	tr := transport.NewWSTransport(conn)
	device, onFrame := s.bridge.RegisterDevice(reg.DeviceID, reg.DeviceInfo, tr)
	tr.OnMessage(func(msg []byte) {
		if handled := s.handleExtensionControlFrame(reg.DeviceID, msg); handled {
			return
		}
		onFrame(msg)
	})

	s.log.Info("device registered", zap.String("device_id", reg.DeviceID), zap.Time("since", device.RegisteredAt))
	tr.Run()
}

// handleExtensionControlFrame answers device:heartbeat without forwarding
// it to the CDP bridge. Returns true only for device:heartbeat; any other
// frame, including other control types, is left for the bridge.
func (s *Server) handleExtensionControlFrame(deviceID string, data []byte) bool {
	var env controlEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
		return false
	}
	if env.Type != "device:heartbeat" {
		return false
	}
	s.reg.Heartbeat(deviceID)
	if tr, ok := s.reg.GetTransport(deviceID); ok {
		_ = tr.Send(controlEnvelope{Type: "device:heartbeat:ack"})
	}
	return true
}
