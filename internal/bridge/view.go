package bridge

import (
	"tabbridge/internal/activation"
	"tabbridge/internal/registry"
)

// ItemView is the wire form of a registry item handed to callers.
type ItemView struct {
	ID        string `json:"id"`
	SourceID  string `json:"sourceId"`
	Type      string `json:"type"`
	Title     string `json:"title"`
	URL       string `json:"url,omitempty"`
	Favicon   string `json:"favicon,omitempty"`
	Browser   string `json:"browser,omitempty"`
	App       string `json:"app,omitempty"`
	Active    bool   `json:"active"`
	Timestamp int64  `json:"timestamp"`
}

// View converts one item.
func View(item registry.Item) ItemView {
	return ItemView{
		ID:        item.Handle,
		SourceID:  item.Source,
		Type:      string(item.Kind),
		Title:     item.Title,
		URL:       item.URL,
		Favicon:   item.Favicon,
		Browser:   item.Browser,
		App:       item.App,
		Active:    item.Active,
		Timestamp: item.LastSeen.UnixMilli(),
	}
}

// Views converts items, keeping their order. Never nil.
func Views(items []registry.Item) []ItemView {
	out := make([]ItemView, 0, len(items))
	for _, item := range items {
		out = append(out, View(item))
	}
	return out
}

// CommandResult answers an activate or close request.
type CommandResult struct {
	Outcome string    `json:"outcome"`
	Item    *ItemView `json:"item,omitempty"`
	Error   string    `json:"error,omitempty"`
}

func commandResult(res activation.Result) CommandResult {
	out := CommandResult{Outcome: res.Outcome.String()}
	if res.Item.Handle != "" {
		v := View(res.Item)
		out.Item = &v
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	return out
}

// OK reports whether the command took effect.
func (r CommandResult) OK() bool {
	return r.Outcome == activation.Activated.String() || r.Outcome == activation.Closed.String()
}
