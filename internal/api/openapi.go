package api

import "github.com/mattjoyce/critvals/internal/auth"

type route struct {
	method  string
	path    string
	summary string
	scope   string
	codes   map[string]string
}

var routes = []route{
	{"get", "/healthz", "Service health", "", map[string]string{"200": "Healthy"}},
	{"post", "/results", "Submit one lab result or an array of results", auth.ScopeResultsRW, map[string]string{
		"200": "Results evaluated, no new alerts",
		"201": "At least one alert created",
		"400": "Malformed or invalid results",
	}},
	{"get", "/alerts", "List alerts (status, severity, patient, limit)", auth.ScopeAlertsRO, map[string]string{"200": "Alerts, newest first"}},
	{"get", "/alerts/{id}", "Alert with its notification history", auth.ScopeAlertsRO, map[string]string{"200": "Alert", "404": "Unknown alert"}},
	{"post", "/alerts/{id}/ack", "Acknowledge an alert", auth.ScopeAlertsRW, map[string]string{
		"200": "Acknowledged",
		"404": "Unknown alert",
		"409": "Already acknowledged",
	}},
	{"get", "/metrics", "Alert handling metrics", auth.ScopeAlertsRO, map[string]string{"200": "Metrics"}},
	{"get", "/thresholds", "Active threshold table", auth.ScopeAlertsRO, map[string]string{"200": "Ranges"}},
	{"get", "/audit", "Audit log (alert_id, limit)", auth.ScopeAuditRO, map[string]string{"200": "Entries, newest first"}},
	{"get", "/events", "Server-sent alert events with Last-Event-ID replay, filtered by types and min_severity", auth.ScopeEventsRO, map[string]string{"200": "text/event-stream", "400": "unknown min_severity"}},
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the HTTP surface.
func buildOpenAPIDoc() map[string]any {
	paths := map[string]any{}
	for _, rt := range routes {
		responses := map[string]any{}
		for code, desc := range rt.codes {
			responses[code] = map[string]any{"description": desc}
		}
		op := map[string]any{
			"summary":   rt.summary,
			"responses": responses,
		}
		if rt.scope != "" {
			responses["401"] = map[string]any{"description": "Missing or invalid token"}
			responses["403"] = map[string]any{"description": "Insufficient scope"}
			op["security"] = []any{map[string]any{"BearerAuth": []string{rt.scope}}}
		}

		item, _ := paths[rt.path].(map[string]any)
		if item == nil {
			item = map[string]any{}
			paths[rt.path] = item
		}
		item[rt.method] = op
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "critvals",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}
