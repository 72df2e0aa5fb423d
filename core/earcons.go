package narration

import (
	"strings"

	"github.com/koscakluka/ema-narrator/core/blocks"
)

// EarconCatalog maps symbolic earcon ids to sound files and picks an earcon
// for each event.
type EarconCatalog struct {
	// Files maps earcon ids to paths the mixer can load.
	Files map[string]string
	// ByEventType is the default earcon per event type.
	ByEventType map[string]string
	// BySource overrides ByEventType per source, then per event type.
	BySource map[string]map[string]string
	Default  string
}

// Resolve returns the earcon id for an event. An earcon named on the event
// itself wins.
func (c EarconCatalog) Resolve(event blocks.SourceEvent) string {
	if event.Earcon != "" {
		return event.Earcon
	}
	if byType, ok := c.BySource[event.SourceID]; ok {
		if id, ok := byType[event.EventType]; ok {
			return id
		}
	}
	if id, ok := c.ByEventType[event.EventType]; ok {
		return id
	}
	return c.Default
}

// Path returns the file for an earcon id. An id that is not in the catalog
// is used as is when it looks like a path.
func (c EarconCatalog) Path(id string) string {
	if id == "" {
		return ""
	}
	if path, ok := c.Files[id]; ok {
		return path
	}
	if strings.ContainsRune(id, '/') {
		return id
	}
	return ""
}
