package web

import (
	"fmt"
	"html/template"
	"io"
	"strings"
	"time"

	"github.com/sweeney/water-sensor/internal/quality"
	"github.com/sweeney/water-sensor/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": formatUptime,
	"lower":  strings.ToLower,
	"value": func(v *float64) string {
		if v == nil {
			return "-"
		}
		return fmt.Sprintf("%.2f", *v)
	},
	"tier": func(v *quality.Verdict, m quality.Metric) string {
		if v == nil {
			return ""
		}
		return string(v.Tier(m))
	},
	"utc": func(t time.Time) string {
		if t.IsZero() {
			return "never"
		}
		return t.UTC().Format("2006-01-02T15:04:05Z")
	},
}).Parse(indexHTML))

func formatUptime(d time.Duration) string {
	d = d.Truncate(time.Second)
	days := int(d.Hours()) / 24
	h := int(d.Hours()) % 24
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
	}
	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta http-equiv="refresh" content="10">
<title>Water Sensor</title>
<style>
body { font-family: monospace; max-width: 640px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.on, .good, .excellent { color: green; font-weight: bold; }
.off { color: #888; }
.unknown, .warning { color: orange; }
.danger, .poor { color: red; font-weight: bold; }
.connected { color: green; }
.disconnected, .stale { color: red; }
</style>
</head>
<body>
<h1>Water Sensor</h1>

<h2>Relays</h2>
<table>
{{range .Relays}}<tr><th>{{.Label}} ({{.Relay}})</th><td class="{{lower .State}}">{{.State}}</td></tr>
{{end}}<tr><th>Ready</th><td>{{if .Snapshot.Ready}}yes{{else}}no{{end}}</td></tr>
<tr><th>Hardware sync</th><td class="{{if .Snapshot.Sync.Stale}}stale{{end}}">{{if .Snapshot.Sync.Stale}}stale ({{.Snapshot.Sync.Failures}} failures){{else}}ok{{end}}</td></tr>
<tr><th>Last sync</th><td>{{utc .Snapshot.Sync.LastSync}}</td></tr>
</table>

<h2>Water Quality</h2>
{{if .Snapshot.LastReading}}{{$v := .Snapshot.Verdict}}<table>
{{with .Snapshot.LastReading}}<tr><th>Reading</th><td>#{{.ID}} at {{utc .Timestamp}}</td></tr>
<tr><th>Turbidity (NTU)</th><td class="{{lower (tier $v "turbidity")}}">{{value .Turbidity}}</td></tr>
<tr><th>TDS (ppm)</th><td class="{{lower (tier $v "tds")}}">{{value .TDS}}</td></tr>
<tr><th>pH</th><td class="{{lower (tier $v "ph")}}">{{value .PH}}</td></tr>
<tr><th>Temperature (C)</th><td class="{{lower (tier $v "temperature")}}">{{value .Temperature}}</td></tr>
{{end}}{{if $v}}<tr><th>Status</th><td class="{{lower (printf "%s" $v.Status)}}">{{$v.Status}} ({{printf "%.0f" $v.Score}}%)</td></tr>
<tr><th>Evaluated</th><td>{{utc .Snapshot.EvaluatedAt}}</td></tr>{{end}}
</table>
{{else}}<p>No readings yet.</p>
{{end}}
<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .Snapshot.MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .Snapshot.MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Snapshot.Config.Broker}}</td></tr>
<tr><th>Store</th><td>{{.Snapshot.Config.Store}}</td></tr>
</table>

<h2>Counts</h2>
<table>
<tr><th>Relay commands</th><td>{{.Snapshot.Counts.Commands}}</td></tr>
<tr><th>Readings</th><td>{{.Snapshot.Counts.Readings}}</td></tr>
<tr><th>Alerts</th><td>{{.Snapshot.Counts.Alerts}}</td></tr>
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{utc .Snapshot.StartTime}}</td></tr>
<tr><th>Poll</th><td>{{.Snapshot.Config.PollMs}}ms</td></tr>
<tr><th>Evaluate</th><td>{{.Snapshot.Config.Schedule}}</td></tr>
<tr><th>Heartbeat</th><td>{{if eq .Snapshot.Config.HeartbeatMs 0}}disabled{{else}}{{.Snapshot.Config.HeartbeatMs}}ms{{end}}</td></tr>
<tr><th>HTTP</th><td>{{.Snapshot.Config.HTTPAddr}}</td></tr>
</table>

<p><a href="/index.json">JSON</a> | <a href="/readings">Readings</a></p>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) error {
	data := struct {
		Snapshot status.Snapshot
		Relays   []status.RelayJSON
		Uptime   time.Duration
	}{
		Snapshot: snap,
		Relays:   status.RelayRows(snap),
		Uptime:   snap.Uptime(),
	}
	return indexTmpl.Execute(w, data)
}
