// Package doctor reviews a critvals configuration and reports problems the
// loader lets through: unreachable contacts, bad ranges and risky launcher
// settings.
package doctor

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/mattjoyce/critvals/internal/auth"
	"github.com/mattjoyce/critvals/internal/config"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

var knownChannels = map[string]bool{"log": true, "webhook": true, "email": true, "sms": true}

type Doctor struct {
	cfg *config.Config
}

func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateService(r)
	d.validateAPI(r)
	d.validateTokenScopes(r)
	d.validateDashboard(r)
	d.validateContacts(r)
	d.validateThresholds(r)
	d.validateEscalation(r)
	d.validateIngest(r)
	d.warnAWSRegion(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateService(r *Result) {
	switch strings.ToLower(d.cfg.Service.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		d.addError(r, "service", "service.log_level",
			fmt.Sprintf("unknown log level %q (expected debug, info, warn or error)", d.cfg.Service.LogLevel))
	}
	if f := strings.ToLower(d.cfg.Service.LogFormat); f != "" && f != "json" && f != "text" {
		d.addError(r, "service", "service.log_format",
			fmt.Sprintf("unknown log format %q (expected json or text)", d.cfg.Service.LogFormat))
	}
	if strings.TrimSpace(d.cfg.State.Path) == "" {
		d.addError(r, "service", "state.path", "state.path is required")
	}
	if d.cfg.Service.TickInterval <= 0 {
		d.addError(r, "service", "service.tick_interval", "tick_interval must be positive")
	}
	if d.cfg.Service.DedupeWindow < 0 {
		d.addError(r, "service", "service.dedupe_window", "dedupe_window must not be negative")
	}
}

func (d *Doctor) validateAPI(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	d.checkListen(r, "api", "api.listen", d.cfg.API.Listen)

	a := d.cfg.API.Auth
	if a.APIKey == "" && len(a.Tokens) == 0 {
		d.addWarning(r, "api", "api.auth", "API enabled but no authentication configured; every caller is an admin")
	}
	if a.APIKey != "" && len(a.Tokens) > 0 {
		d.addWarning(r, "api", "api.auth", "both api_key and tokens configured; prefer tokens only")
	}
}

// checkListen reports an empty or malformed host:port and returns the host.
func (d *Doctor) checkListen(r *Result, category, field, listen string) string {
	if listen == "" {
		d.addError(r, category, field, field+" is required")
		return ""
	}
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		d.addError(r, category, field, fmt.Sprintf("invalid listen address %q: %v", listen, err))
		return ""
	}
	if n, err := strconv.Atoi(port); err != nil || n < 0 || n > 65535 {
		d.addError(r, category, field, fmt.Sprintf("listen port %q out of range", port))
	}
	return host
}

func (d *Doctor) validateIngest(r *Result) {
	wh := d.cfg.Ingest.Webhook
	if wh == nil {
		return
	}
	if _, err := d.cfg.WebhookIngestConfig(); err != nil {
		d.addError(r, "ingest", "ingest.webhook", err.Error())
	}
	host := d.checkListen(r, "ingest", "ingest.webhook.listen", wh.Listen)
	if d.cfg.API.Enabled && wh.Listen == d.cfg.API.Listen {
		d.addError(r, "ingest", "ingest.webhook.listen", "ingest.webhook.listen must differ from api.listen")
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		d.addWarning(r, "ingest", "ingest.webhook.listen",
			"webhook receiver listens on every interface; terminate TLS in front of it")
	}
}

func (d *Doctor) validateTokenScopes(r *Result) {
	names := map[string]int{}
	for i, token := range d.cfg.API.Auth.Tokens {
		for j, scope := range token.Scopes {
			if !auth.KnownScope(scope) {
				d.addError(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j),
					fmt.Sprintf("unknown scope %q", scope))
			}
		}
		field := fmt.Sprintf("api.auth.tokens[%d].name", i)
		switch name := strings.TrimSpace(token.Name); {
		case name == "":
			d.addWarning(r, "token_scopes", field, "unnamed token; its results are recorded as source \"api\"")
		case name == "admin":
			d.addError(r, "token_scopes", field, `"admin" is reserved for api_key`)
		default:
			if prev, dup := names[name]; dup {
				d.addWarning(r, "token_scopes", field, fmt.Sprintf("name %q already used by tokens[%d]", name, prev))
			}
			names[name] = i
		}
	}
}

func (d *Doctor) validateDashboard(r *Result) {
	dash := d.cfg.Dashboard
	if dash.Port < 1 || dash.Port > 65535 {
		d.addError(r, "dashboard", "dashboard.port", fmt.Sprintf("port %d out of range (1-65535)", dash.Port))
	} else if err := d.cfg.LauncherConfig("").Validate(); err != nil {
		d.addError(r, "dashboard", "dashboard", err.Error())
	}
	if dash.KillMatch == "" {
		d.addWarning(r, "dashboard", "dashboard.kill_match",
			"kill_match is empty; any process holding the dashboard port will be terminated")
	}
}

func (d *Doctor) validateContacts(r *Result) {
	n := d.cfg.Notify
	for _, role := range sortedKeys(n.Contacts) {
		for i, c := range n.Contacts[role] {
			field := fmt.Sprintf("notify.contacts.%s[%d]", role, i)
			if !knownChannels[c.Channel] {
				d.addError(r, "contacts", field+".channel",
					fmt.Sprintf("unknown channel %q (expected log, webhook, email or sms)", c.Channel))
				continue
			}
			if c.Address == "" {
				d.addError(r, "contacts", field+".address", fmt.Sprintf("contact %q has no address", c.Name))
				continue
			}
			switch c.Channel {
			case "webhook":
				if u, err := url.Parse(c.Address); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
					d.addError(r, "contacts", field+".address",
						fmt.Sprintf("webhook address %q is not an http(s) URL", c.Address))
				}
				if c.Secret == "" && n.Webhook.Secret == "" {
					d.addError(r, "contacts", field+".secret",
						fmt.Sprintf("webhook contact %q has no signing secret and notify.webhook.secret is empty", c.Name))
				}
			case "email":
				if n.Email.From == "" {
					d.addError(r, "contacts", "notify.email.from",
						fmt.Sprintf("contact %q uses email but notify.email.from is empty", c.Name))
				}
			case "sms":
				if !n.SMS.Enabled {
					d.addError(r, "contacts", "notify.sms.enabled",
						fmt.Sprintf("contact %q uses sms but notify.sms.enabled is false", c.Name))
				}
			}
		}
	}
}

func (d *Doctor) validateThresholds(r *Result) {
	for i, rg := range d.cfg.Thresholds.Ranges {
		if err := rg.Validate(); err != nil {
			d.addError(r, "thresholds", fmt.Sprintf("thresholds.ranges[%d]", i), err.Error())
		}
	}
	table, err := d.cfg.ThresholdTable()
	if err != nil {
		// already reported per range
		return
	}
	for _, alias := range sortedKeys(d.cfg.Thresholds.Aliases) {
		test := d.cfg.Thresholds.Aliases[alias]
		if _, ok := table.Lookup(test); !ok {
			d.addWarning(r, "thresholds", "thresholds.aliases."+alias,
				fmt.Sprintf("alias %q points at unknown test %q", alias, test))
		}
	}
}

func (d *Doctor) validateEscalation(r *Result) {
	matrix, err := d.cfg.EscalationMatrix()
	if err != nil {
		d.addError(r, "escalation", "escalation.policies", err.Error())
		return
	}
	for _, role := range matrix.Roles() {
		if len(d.cfg.Notify.Contacts[role]) == 0 {
			d.addWarning(r, "escalation", "notify.contacts."+role,
				fmt.Sprintf("role %q is in the escalation matrix but has no contacts", role))
		}
	}
}

func (d *Doctor) warnAWSRegion(r *Result) {
	if d.cfg.NeedsAWS() && d.cfg.AWS.Region == "" {
		d.addWarning(r, "aws", "aws.region",
			"AWS-backed components configured without aws.region; the SDK default chain decides")
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}
	return b.String()
}

func writeIssue(b *strings.Builder, level string, i Issue) {
	if i.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", level, i.Category, i.Field, i.Message)
		return
	}
	fmt.Fprintf(b, "  %s [%s] %s\n", level, i.Category, i.Message)
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
