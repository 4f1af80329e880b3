package server

// sessionPageData is rendered into sessionPageTemplate for every new session
type sessionPageData struct {
	SessionID    string
	MaxInstances int
	// PublicHost overrides the hostname used for the noVNC iframe
	PublicHost string
}

const sessionPageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Remote desktop</title>
<style>
  body { margin: 0; font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif; background: #101418; color: #e6e6e6; }
  header { display: flex; align-items: center; justify-content: space-between; padding: 8px 16px; background: #1b2128; }
  .stats { display: flex; gap: 12px; }
  .card { background: #262e37; border-radius: 6px; padding: 6px 12px; font-size: 13px; }
  .card b { display: block; font-size: 16px; }
  button { background: #c0392b; color: #fff; border: 0; border-radius: 4px; padding: 8px 14px; cursor: pointer; }
  #status { padding: 48px; text-align: center; font-size: 18px; }
  #status.error { color: #e74c3c; }
  iframe { display: none; width: 100%; height: calc(100vh - 56px); border: 0; }
</style>
</head>
<body>
<header>
  <div class="stats">
    <div class="card">Active<b id="active">-</b></div>
    <div class="card">Max<b id="max">{{.MaxInstances}}</b></div>
    <div class="card">Session time<b id="elapsed">0:00</b></div>
  </div>
  <button id="terminate">End session</button>
</header>
<div id="status">Starting your desktop...</div>
<iframe id="desktop" allow="clipboard-read; clipboard-write"></iframe>
<script>
(function () {
  const sessionId = {{.SessionID}};
  const publicHost = {{.PublicHost}};
  const started = Date.now();
  const statusEl = document.getElementById('status');
  const frame = document.getElementById('desktop');
  let pollTimer = null;
  let heartbeatTimer = null;

  function showError(message) {
    statusEl.textContent = message;
    statusEl.className = 'error';
    statusEl.style.display = 'block';
    frame.style.display = 'none';
  }

  function connect(port) {
    const host = publicHost || window.location.hostname;
    frame.src = 'http://' + host + ':' + port + '/vnc.html?autoconnect=true&reconnect=true';
    frame.style.display = 'block';
    statusEl.style.display = 'none';
  }

  function poll() {
    fetch('/api/instance/' + sessionId)
      .then(function (res) {
        if (res.status === 404) { throw new Error('Session not found. It may have expired.'); }
        return res.json();
      })
      .then(function (data) {
        if (data.status === 'running') {
          clearInterval(pollTimer);
          connect(data.novnc_port);
        } else if (data.status === 'error') {
          clearInterval(pollTimer);
          showError('Your desktop failed to start. Please reload to try again.');
        }
      })
      .catch(function (err) {
        clearInterval(pollTimer);
        showError(err.message);
      });
  }

  function stats() {
    fetch('/api/stats')
      .then(function (res) { return res.json(); })
      .then(function (data) {
        document.getElementById('active').textContent = data.active_instances;
        document.getElementById('max').textContent = data.max_instances;
      })
      .catch(function () {});
    const seconds = Math.floor((Date.now() - started) / 1000);
    const rem = seconds % 60;
    document.getElementById('elapsed').textContent = Math.floor(seconds / 60) + ':' + (rem < 10 ? '0' : '') + rem;
  }

  function heartbeat() {
    fetch('/api/instance/' + sessionId + '/heartbeat', { method: 'POST' }).catch(function () {});
  }

  document.getElementById('terminate').addEventListener('click', function () {
    if (!confirm('End this session?')) { return; }
    clearInterval(pollTimer);
    clearInterval(heartbeatTimer);
    fetch('/api/instance/' + sessionId, { method: 'DELETE' })
      .finally(function () { showError('Session ended.'); });
  });

  poll();
  pollTimer = setInterval(poll, 2000);
  heartbeatTimer = setInterval(heartbeat, 30000);
  stats();
  setInterval(stats, 1000);
})();
</script>
</body>
</html>
`
