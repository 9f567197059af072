package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/flowcore/pkg/models"
	"github.com/dukex/flowcore/pkg/worker"
)

type handlerSpec struct {
	name     string
	taskList string
	handler  worker.Handler
}

var defaultLists = map[string]string{
	"delay":   "delay",
	"wait":    "wait",
	"updater": models.UpdaterTaskList,
	"http":    "http",
}

// parseHandlers turns "name" or "name=list" entries into runnable handlers. Entries without a
// list use taskList, or the handler's own list when taskList is empty.
func parseHandlers(entries []string, taskList string, logger *slog.Logger) ([]handlerSpec, error) {
	specs := make([]handlerSpec, 0, len(entries))

	for _, entry := range entries {
		name, list, _ := strings.Cut(strings.TrimSpace(entry), "=")

		if list == "" {
			list = taskList
		}

		if list == "" {
			list = defaultLists[name]
		}

		var handler worker.Handler

		switch name {
		case "delay":
			handler = worker.Delay{}
		case "wait":
			handler = worker.Wait{Logger: logger}
		case "updater":
			handler = worker.Updater{Logger: logger}
		case "http":
			handler = worker.HTTPRequest{}
		default:
			return nil, fmt.Errorf("unknown handler %q", name)
		}

		specs = append(specs, handlerSpec{name: name, taskList: list, handler: handler})
	}

	return specs, nil
}
