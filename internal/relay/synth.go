package relay

import "github.com/neboloop/cdp-relay/internal/registry"

// synthesizable lists the CDP methods the bridge answers itself instead of
// forwarding to the extension (spec 4.3.4). This set is a narrow
// compatibility shim: Playwright and MCP browser tools issue these before
// (or instead of) addressing a specific tab.
var synthesizable = map[string]bool{
	"Browser.getVersion":        true,
	"Target.setAutoAttach":      true,
	"Target.setDiscoverTargets": true,
	"Target.getTargets":         true,
	"Target.getTargetInfo":      true,
	"Target.attachToTarget":     true,
}

// synthReply answers a synthesizable method from local registry state. The
// returned postEvents are emitted to the requesting client after the
// response, matching Playwright's expectation that a response precedes any
// events it implies (CDP clients correlate by id first).
func (b *Bridge) synthReply(c *client, device *registry.Device, req *frame) (wireFrame, []wireFrame) {
	switch req.Method {
	case "Browser.getVersion":
		return okResponse(req.ID, req.SessionID, browserVersionPayload(device)), nil

	case "Target.setAutoAttach":
		c.mu.Lock()
		c.autoAttachArmed = true
		c.mu.Unlock()
		resp := okResponse(req.ID, req.SessionID, map[string]any{})
		if req.SessionID == "" {
			return resp, b.existingTargetEvents(device, true)
		}
		return resp, nil

	case "Target.setDiscoverTargets":
		discover := false
		if params, ok := req.Params.(map[string]any); ok {
			discover, _ = params["discover"].(bool)
		}
		resp := okResponse(req.ID, req.SessionID, map[string]any{})
		if discover {
			return resp, b.existingTargetEvents(device, false)
		}
		return resp, nil

	case "Target.getTargets":
		t := device.Target()
		infos := []map[string]any{}
		if t != nil {
			infos = append(infos, targetInfoWithAttached(t))
		}
		return okResponse(req.ID, req.SessionID, map[string]any{"targetInfos": infos}), nil

	case "Target.getTargetInfo":
		t := device.Target()
		if t == nil {
			return okResponse(req.ID, req.SessionID, map[string]any{"targetInfo": nil}), nil
		}
		return okResponse(req.ID, req.SessionID, map[string]any{"targetInfo": t.TargetInfo}), nil

	case "Target.attachToTarget":
		t := device.Target()
		if t == nil {
			return errResponse(req.ID, req.SessionID, ErrNoTarget, "no target"), nil
		}
		var wantID string
		if params, ok := req.Params.(map[string]any); ok {
			wantID, _ = params["targetId"].(string)
		}
		if wantID != "" && wantID != t.TargetID {
			return errResponse(req.ID, req.SessionID, ErrNoTarget, "target not found"), nil
		}
		return okResponse(req.ID, req.SessionID, map[string]any{"sessionId": t.SessionID}), nil
	}

	return errResponse(req.ID, req.SessionID, ErrNoTarget, "unsupported synthesized method"), nil
}

func browserVersionPayload(device *registry.Device) map[string]any {
	name := device.Info.Name
	if name == "" {
		name = "Device"
	}
	version := device.Info.Version
	if version == "" {
		version = "0"
	}
	userAgent := device.Info.UserAgent
	if userAgent == "" {
		userAgent = name + "/" + version
	}
	return map[string]any{
		"protocolVersion": "1.3",
		"product":         name + "/" + version,
		"revision":        "0",
		"userAgent":       userAgent,
		"jsVersion":       "V8",
	}
}

func targetInfoWithAttached(t *registry.Target) map[string]any {
	info := map[string]any{}
	for k, v := range t.TargetInfo {
		info[k] = v
	}
	info["targetId"] = t.TargetID
	info["attached"] = true
	return info
}

func (b *Bridge) existingTargetEvents(device *registry.Device, asAttach bool) []wireFrame {
	t := device.Target()
	if t == nil {
		return nil
	}
	if asAttach {
		return []wireFrame{eventFrame("Target.attachedToTarget", "", map[string]any{
			"sessionId":          t.SessionID,
			"targetInfo":         t.TargetInfo,
			"waitingForDebugger": false,
		})}
	}
	return []wireFrame{eventFrame("Target.targetCreated", "", map[string]any{
		"targetInfo": t.TargetInfo,
	})}
}
