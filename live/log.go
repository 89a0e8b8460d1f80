package live

import (
	"encoding/json"
	"fmt"

	"github.com/golang/glog"
)

// Logging convention in the `live` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation.
//     this includes:
//     - join errors, crashes and scheduled reloads
//     - transport disconnects and push timeouts
// Error:
//     content errors (malformed trees, missing ids, unknown hooks)
//     and unexpected panics even if handled and suppressed
// V(1):
//     view debug logging, the same messages a `ViewLogger` receives
// V(2):
//     frame and patch tracing

// (view, kind, msg, obj)
type ViewLogger func(view *View, kind string, msg string, obj any)

// the default view logger writes to glog at V(1)
func GlogViewLogger(view *View, kind string, msg string, obj any) {
	if !glog.V(1) {
		return
	}
	id := ""
	if view != nil {
		id = view.Id()
	}
	glog.Infof("%s %s: %s - %s\n", id, kind, msg, logJson(obj))
}

func logError(err error) {
	glog.Errorf("%s\n", err)
}

func logJson(obj any) string {
	switch v := obj.(type) {
	case nil:
		return ""
	case string:
		return v
	case json.RawMessage:
		return string(v)
	case error:
		return v.Error()
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return fmt.Sprintf("%v", obj)
	}
	return string(b)
}
