package devassets

import (
	"encoding/json"
	"net/http"
	"strings"
)

// clientSource is the browser side of the hot channel. It reloads the page
// when a build with a new hash arrives and reports build errors to the
// console.
const clientSource = `(function () {
  if (typeof window === "undefined" || window.__hotswapClient) return;
  window.__hotswapClient = true;
  var hotPath = __HOT_PATH__;
  var socketPath = __SOCKET_PATH__;
  var lastHash = null;
  function handle(raw) {
    var msg;
    try { msg = JSON.parse(raw); } catch (e) { return; }
    if (msg.action === "building") {
      console.log("[hotswap] bundle rebuilding");
      return;
    }
    if (msg.action !== "built" && msg.action !== "sync") return;
    if (msg.errors && msg.errors.length) {
      msg.errors.forEach(function (e) { console.error("[hotswap] " + e); });
      return;
    }
    if (lastHash !== null && msg.hash !== lastHash) {
      window.location.reload();
      return;
    }
    lastHash = msg.hash;
  }
  if (window.EventSource && hotPath) {
    var source = new EventSource(hotPath);
    source.onmessage = function (e) { handle(e.data); };
    return;
  }
  if (window.WebSocket && socketPath) {
    var proto = window.location.protocol === "https:" ? "wss://" : "ws://";
    var ws = new WebSocket(proto + window.location.host + socketPath);
    ws.onmessage = function (e) { handle(e.data); };
  }
})();
`

// ClientScript renders the hot client for the given endpoint paths. Either
// path may be empty.
func ClientScript(hotPath, socketPath string) string {
	r := strings.NewReplacer(
		"__HOT_PATH__", jsString(hotPath),
		"__SOCKET_PATH__", jsString(socketPath),
	)
	return r.Replace(clientSource)
}

func jsString(s string) string {
	out, _ := json.Marshal(s)
	return string(out)
}

// scriptHandler serves a fixed script body.
func scriptHandler(body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		if r.Method == http.MethodHead {
			return
		}
		_, _ = w.Write([]byte(body))
	})
}
