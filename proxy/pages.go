package proxy

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/munnerz/goautoneg"
)

// NotFoundPage is served for hosts that don't belong to any site.
const NotFoundPage = `<html>
<head>
  <title>Instance not found</title>
</head>
<body>
<h1>The instance has not been found</h1>
<p>The reasons of this could be:</p>
<ul>
<li>the instance does not exists or the URL is incorrect
<ul>
<li>in this case please check the URL
</ul>
<li>the instance has been stopped
<ul>
<li>in this case please check in the SlapOS Master if the instance is started or wait a bit for it to start
</ul>
</ul>
</body>
</html>
`

const errorPageTemplate = `<html>
<head>
  <title>%[1]d %[2]s</title>
</head>
<body>
<h1>%[1]d %[2]s</h1>
</body>
</html>
`

func writeNotFound(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(NotFoundPage)))
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write([]byte(NotFoundPage))
}

// writeError writes a short error page, as HTML or plain text depending on what the client accepts.
func writeError(w http.ResponseWriter, r *http.Request, status int) {
	var body string
	contentType := goautoneg.Negotiate(r.Header.Get("Accept"), []string{"text/html", "text/plain"})
	if contentType == "text/plain" {
		body = fmt.Sprintf("%d %s\n", status, http.StatusText(status))
	} else {
		contentType = "text/html"
		body = fmt.Sprintf(errorPageTemplate, status, http.StatusText(status))
	}

	w.Header().Set("Content-Type", contentType+"; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
