package interceptor

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
)

// ControlPath is where the worker accepts control messages over HTTP
const ControlPath = "/__fieldsync/message"

//go:embed templates/offline.html
var templateFS embed.FS

var offlineTemplate = template.Must(template.ParseFS(templateFS, "templates/offline.html"))

type offlinePageData struct {
	QueuedItems int
	RetryURL    string
	ControlPath string
}

// renderOfflinePage renders the self-contained fallback document served for
// navigations when neither the network nor a cached shell is available
func renderOfflinePage(data offlinePageData) ([]byte, error) {
	if data.ControlPath == "" {
		data.ControlPath = ControlPath
	}
	var buf bytes.Buffer
	if err := offlineTemplate.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to render offline page: %w", err)
	}
	return buf.Bytes(), nil
}
