package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/push-coordinator/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
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
	},
	"stateClass": func(s string) string {
		switch s {
		case "STREAMING":
			return "connected"
		case "CONNECTING", "DISCONNECTED":
			return "pending"
		default:
			return "disconnected"
		}
	},
	"since": func(t time.Time) string {
		if t.IsZero() {
			return "never"
		}
		return t.UTC().Format("2006-01-02T15:04:05Z")
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Push Coordinator</title>
<style>
body { font-family: monospace; max-width: 600px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.connected { color: green; font-weight: bold; }
.pending { color: orange; }
.disconnected { color: red; }
.offline { color: #888; }
</style>
</head>
<body>
<h1>Push Coordinator: {{.Config.Host}}</h1>

<h2>Upstream</h2>
<table>
<tr><th>Connection</th><td id="conn-state" class="{{stateClass .State}}">{{.State}}</td></tr>
<tr><th>Endpoint</th><td>{{.Config.Endpoint}}</td></tr>
{{if .ConnectionError}}<tr><th>Error</th><td class="disconnected">{{.ConnectionError}}</td></tr>{{end}}
{{if .Stats.LastError}}<tr><th>Last error</th><td>{{.Stats.LastError}}</td></tr>{{end}}
<tr><th>Temperature</th><td id="temperature">{{.Temperature}}</td></tr>
<tr><th>Last message</th><td>{{since .Stats.LastMessage}}</td></tr>
</table>

<h2>Rollers</h2>
<table>
{{range .Rollers}}<tr><th>{{.Name}} <small>({{.ID}}, fw {{.Firmware}})</small></th><td class="{{if .Online}}connected{{else}}offline{{end}}">{{.Illuminance}} lx</td></tr>
{{else}}<tr><td>none</td></tr>
{{end}}</table>

<h2>Messages</h2>
<table>
<tr><th>Received</th><td>{{.Stats.MessagesReceived}}</td></tr>
<tr><th>Accepted</th><td>{{.Stats.MessagesAccepted}}</td></tr>
<tr><th>Dropped</th><td>{{.Stats.MessagesDropped}}</td></tr>
<tr><th>Callback errors</th><td>{{.Stats.CallbackErrors}}</td></tr>
<tr><th>Subscribers</th><td>{{.Stats.Subscribers}}</td></tr>
<tr><th>Connects</th><td>{{.Stats.Connects}} / {{.Stats.ConnectAttempts}}</td></tr>
</table>

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .Config.Broker}}{{if .MQTTConnected}}connected{{else}}disconnected{{end}}{{else}}disabled{{end}}</td></tr>
{{if .Config.Broker}}<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>{{end}}
{{if .Network}}<tr><th>Network</th><td>{{.Network.Status}} ({{.Network.Type}}{{if .Network.SSID}}: {{.Network.SSID}}{{end}})</td></tr>
<tr><th>IP</th><td>{{.Network.IP}}</td></tr>{{end}}
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Codec</th><td>{{.Config.Codec}}</td></tr>
<tr><th>Merge policy</th><td>{{.Config.MergePolicy}}</td></tr>
<tr><th>LED pin</th><td>{{if lt .Config.LEDPin 0}}disabled{{else}}{{.Config.LEDPin}}{{end}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
</table>

<p><a href="/index.json">JSON</a> | <a href="/state.json">State</a> | <a href="/metrics">Metrics</a></p>
<script>
(function() {
  var el = document.getElementById("temperature");
  setInterval(function() {
    fetch("/state.json").then(function(r) { return r.json(); }).then(function(s) {
      if (s.state && s.state.temperature) {
        el.textContent = s.state.temperature.state;
      }
    }).catch(function() {});
  }, 2000);
})();
</script>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) {
	// Snapshot has Uptime() method but template needs a Duration field.
	data := struct {
		status.Snapshot
		Uptime time.Duration
		State  string
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
		State:    snap.Connection.String(),
	}
	indexTmpl.Execute(w, data)
}
