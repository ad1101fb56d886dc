package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Action names on the wire.
const (
	ActionPing            = "ping"
	ActionGetAllTabs      = "getAllTabs"
	ActionUpdateTabData   = "updateTabData"
	ActionTabActivated    = "tabActivated"
	ActionTabUpdated      = "tabUpdated"
	ActionTabCreated      = "tabCreated"
	ActionTabRemoved      = "tabRemoved"
	ActionTabClosed       = "tabClosed"
	ActionTabsResponse    = "tabsResponse"
	ActionHistoryResponse = "historyResponse"
	ActionTabSwitched     = "tabSwitched"
	ActionError           = "error"
	ActionSwitchToTab     = "switchToTab"
	ActionCloseTab        = "closeTab"
	ActionSearchTabs      = "searchTabs"
	ActionActivateTab     = "activateTab"
	ActionGetRecentTabs   = "getRecentTabs"
	ActionGetSources      = "getSources"
	ActionQueryFacts      = "queryFacts"
)

// TabID is a tab handle. Producers send either JSON strings or numbers; both
// normalise to the decimal string form.
type TabID string

func (id *TabID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = TabID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("tab id must be a string or number: %w", err)
	}
	*id = TabID(n.String())
	return nil
}

// MarshalJSON emits integer handles as numbers so extensions that index tabs
// numerically can use them directly.
func (id TabID) MarshalJSON() ([]byte, error) {
	if _, err := strconv.ParseInt(string(id), 10, 64); err == nil {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

// TabRecord is one tab as reported by a browser extension.
type TabRecord struct {
	ID         TabID  `json:"id"`
	Title      string `json:"title,omitempty"`
	URL        string `json:"url,omitempty"`
	Favicon    string `json:"favicon,omitempty"`
	FavIconURL string `json:"favIconUrl,omitempty"`
	Active     bool   `json:"active,omitempty"`
	Browser    string `json:"browser,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"`
	Type       string `json:"type,omitempty"`
	WindowID   int64  `json:"windowId,omitempty"`
}

// Icon returns whichever favicon field the producer filled.
func (t TabRecord) Icon() string {
	if t.Favicon != "" {
		return t.Favicon
	}
	return t.FavIconURL
}

// Message is the closed set of decoded envelopes.
type Message interface {
	isMessage()
}

type (
	// Ping asks for a synchronous liveness answer.
	Ping struct{}

	// GetAllTabs asks for current tabs and recent history.
	GetAllTabs struct{}

	// UpdateTabData is a full report of one browser's tabs.
	UpdateTabData struct {
		Browser    string      `json:"browser"`
		Tabs       []TabRecord `json:"tabs"`
		History    []TabRecord `json:"history"`
		HasHistory bool        `json:"-"`
	}

	// TabActivated reports that a tab became active. Firefox nests the tab,
	// Chrome sends url/browser/timestamp at the top level.
	TabActivated struct {
		TabID     TabID      `json:"tabId"`
		URL       string     `json:"url"`
		Browser   string     `json:"browser"`
		Timestamp int64      `json:"timestamp"`
		Tab       *TabRecord `json:"tab"`
	}

	// TabUpdated upserts one tab (tabUpdated and tabCreated).
	TabUpdated struct {
		Tab TabRecord `json:"tab"`
	}

	// TabRemoved removes one tab (tabRemoved and tabClosed).
	TabRemoved struct {
		TabID TabID `json:"tabId"`
	}

	// TabsResponse is a full tab list sent in answer to getAllTabs.
	TabsResponse struct {
		Tabs []TabRecord `json:"tabs"`
	}

	// HistoryResponse is a full history list.
	HistoryResponse struct {
		History []TabRecord `json:"history"`
	}

	// TabSwitched acknowledges a switchToTab command.
	TabSwitched struct {
		TabID TabID `json:"tabId"`
	}

	// ProducerFault is a producer-reported error.
	ProducerFault struct {
		Message string `json:"message"`
	}

	// Reply is a response frame ({success, message|error|data, timestamp}).
	Reply struct {
		Response
	}

	// NoAction is a body carrying neither an action nor a success flag.
	NoAction struct{}

	// SearchTabs runs a query against the registry.
	SearchTabs struct {
		Query string   `json:"query"`
		Limit int      `json:"limit"`
		Kinds []string `json:"kinds"`
	}

	// ActivateTab asks the coordinator to activate one item.
	ActivateTab struct {
		SourceID string `json:"sourceId"`
		ID       TabID  `json:"id"`
	}

	// CloseTab asks the coordinator to close one item.
	CloseTab struct {
		SourceID string `json:"sourceId"`
		ID       TabID  `json:"id"`
	}

	// GetRecentTabs lists recently activated items.
	GetRecentTabs struct {
		Limit int `json:"limit"`
	}

	// GetSources lists supervised sources.
	GetSources struct{}

	// QueryFacts runs a journal query.
	QueryFacts struct {
		Query string `json:"query"`
	}

	// Unknown is any action outside the known set.
	Unknown struct {
		Action string
	}
)

func (Ping) isMessage()            {}
func (GetAllTabs) isMessage()      {}
func (UpdateTabData) isMessage()   {}
func (TabActivated) isMessage()    {}
func (TabUpdated) isMessage()      {}
func (TabRemoved) isMessage()      {}
func (TabsResponse) isMessage()    {}
func (HistoryResponse) isMessage() {}
func (TabSwitched) isMessage()     {}
func (ProducerFault) isMessage()   {}
func (Reply) isMessage()           {}
func (NoAction) isMessage()        {}
func (SearchTabs) isMessage()      {}
func (ActivateTab) isMessage()     {}
func (CloseTab) isMessage()        {}
func (GetRecentTabs) isMessage()   {}
func (GetSources) isMessage()      {}
func (QueryFacts) isMessage()      {}
func (Unknown) isMessage()         {}

// PayloadError reports a payload that does not fit its action.
type PayloadError struct {
	Action string
	Err    error
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("invalid payload for %s: %v", e.Action, e.Err)
}

func (e *PayloadError) Unwrap() error { return e.Err }

// Parse decodes env into its Message variant once, at the envelope boundary.
// Registry-bound payloads are checked against the built-in schemas first.
func Parse(env Envelope) (Message, error) {
	if env.IsResponse() {
		var probe struct {
			Success *bool `json:"success"`
		}
		if err := json.Unmarshal(env.Payload, &probe); err != nil || probe.Success == nil {
			return NoAction{}, nil
		}
		var r Reply
		if err := json.Unmarshal(env.Payload, &r.Response); err != nil {
			return nil, &PayloadError{Action: "response", Err: err}
		}
		return r, nil
	}

	if err := DefaultValidator().Validate(env); err != nil {
		return nil, err
	}

	switch env.Action {
	case ActionPing:
		return Ping{}, nil
	case ActionGetAllTabs:
		return GetAllTabs{}, nil
	case ActionUpdateTabData:
		var m UpdateTabData
		if err := decode(env, &m); err != nil {
			return nil, err
		}
		m.HasHistory = m.History != nil
		return m, nil
	case ActionTabActivated:
		var m TabActivated
		if err := decode(env, &m); err != nil {
			return nil, err
		}
		if m.Tab != nil {
			if m.TabID == "" {
				m.TabID = m.Tab.ID
			}
			if m.URL == "" {
				m.URL = m.Tab.URL
			}
		}
		return m, nil
	case ActionTabUpdated, ActionTabCreated:
		return decodeAs[TabUpdated](env)
	case ActionTabRemoved, ActionTabClosed:
		return decodeAs[TabRemoved](env)
	case ActionTabsResponse:
		return decodeAs[TabsResponse](env)
	case ActionHistoryResponse:
		return decodeAs[HistoryResponse](env)
	case ActionTabSwitched:
		return decodeAs[TabSwitched](env)
	case ActionError:
		return decodeAs[ProducerFault](env)
	case ActionSearchTabs:
		return decodeAs[SearchTabs](env)
	case ActionActivateTab:
		return decodeAs[ActivateTab](env)
	case ActionCloseTab:
		var m struct {
			CloseTab
			TabID TabID `json:"tabId"`
		}
		if err := decode(env, &m); err != nil {
			return nil, err
		}
		if m.ID == "" {
			m.ID = m.TabID
		}
		return m.CloseTab, nil
	case ActionGetRecentTabs:
		return decodeAs[GetRecentTabs](env)
	case ActionGetSources:
		return GetSources{}, nil
	case ActionQueryFacts:
		return decodeAs[QueryFacts](env)
	default:
		return Unknown{Action: env.Action}, nil
	}
}

func decodeAs[T Message](env Envelope) (Message, error) {
	var m T
	if err := decode(env, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func decode(env Envelope, v any) error {
	if len(env.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return &PayloadError{Action: env.Action, Err: err}
	}
	return nil
}

// SwitchToTab is the activation command sent to an extension.
type SwitchToTab struct {
	TabID     TabID  `json:"tabId"`
	URL       string `json:"url,omitempty"`
	Browser   string `json:"browser,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// CloseCommand is the close command sent to an extension.
type CloseCommand struct {
	TabID TabID `json:"tabId"`
}
