package relay

import (
	"go.uber.org/zap"
)

// sensitiveMethods are CDP methods whose invocation is audit-logged at a
// higher level because they read/write page content, cookies, or storage.
var sensitiveMethods = map[string]bool{
	"Runtime.evaluate":              true,
	"Runtime.callFunctionOn":        true,
	"Page.navigate":                 true,
	"Network.setCookie":             true,
	"Network.deleteCookies":         true,
	"Network.setExtraHTTPHeaders":   true,
	"Storage.clearDataForOrigin":    true,
	"Input.dispatchKeyEvent":        true,
	"DOM.setAttributeValue":         true,
	"Page.setDocumentContent":       true,
	"Fetch.fulfillRequest":          true,
	"Debugger.setBreakpointByUrl":   true,
	"Security.setIgnoreCertErrors":  true,
	"Browser.grantPermissions":      true,
	"Target.createBrowserContext":   true,
	"Emulation.setUserAgentOverride": true,
}

type auditLogger struct {
	log *zap.Logger
}

func newAuditLogger(log *zap.Logger) *auditLogger {
	return &auditLogger{log: log.With(zap.String("component", "cdp-audit"))}
}

func (a *auditLogger) logCommand(clientID, deviceID, method, sessionID string) {
	if a == nil {
		return
	}
	fields := []zap.Field{
		zap.String("client", truncateID(clientID)),
		zap.String("device", truncateID(deviceID)),
		zap.String("method", method),
	}
	if sessionID != "" {
		fields = append(fields, zap.String("session", truncateID(sessionID)))
	}
	if sensitiveMethods[method] {
		a.log.Warn("cdp_sensitive_command", fields...)
	} else {
		a.log.Debug("cdp_command", fields...)
	}
}

func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
