// Package bridge dispatches inbound messages on producer connections to the
// registry, the query engine, the activation coordinator and the journal.
package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"tabbridge/internal/activation"
	"tabbridge/internal/mangle"
	"tabbridge/internal/producer"
	"tabbridge/internal/query"
	"tabbridge/internal/registry"
	"tabbridge/internal/supervisor"
	"tabbridge/internal/wire"
)

// Sources is the supervisor surface the bridge reports on.
type Sources interface {
	Sources() []supervisor.SourceInfo
	NoteBrowser(sourceID, browser string)
}

// Journal records reports and answers fact queries. A nil *mangle.Journal is
// a valid, disabled journal.
type Journal interface {
	TabReport(source, browser string, count int, at time.Time)
	Query(ctx context.Context, q string) ([]mangle.QueryResult, error)
}

// Options wire a Bridge.
type Options struct {
	Registry    *registry.Registry
	Query       *query.Engine
	Coordinator *activation.Coordinator
	Sources     Sources
	Journal     Journal
	Logger      *zap.Logger
}

// Bridge implements supervisor.Handler.
type Bridge struct {
	reg     *registry.Registry
	query   *query.Engine
	coord   *activation.Coordinator
	sources Sources
	journal Journal
	logger  *zap.Logger
}

// TabsView is the getAllTabs answer.
type TabsView struct {
	CurrentTabs   []ItemView `json:"currentTabs"`
	RecentHistory []ItemView `json:"recentHistory"`
	LastUpdated   int64      `json:"lastUpdated,omitempty"`
}

// New builds a bridge. Query defaults to an engine over Registry with no
// demand hook.
func New(opts Options) (*Bridge, error) {
	if opts.Registry == nil || opts.Coordinator == nil {
		return nil, errors.New("bridge needs a registry and a coordinator")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	q := opts.Query
	if q == nil {
		q = query.NewEngine(opts.Registry, nil)
	}
	return &Bridge{
		reg:     opts.Registry,
		query:   q,
		coord:   opts.Coordinator,
		sources: opts.Sources,
		journal: opts.Journal,
		logger:  logger,
	}, nil
}

// Serve reads conn until it dies. Commands still in flight are awaited before
// returning.
func (b *Bridge) Serve(ctx context.Context, conn *producer.Conn) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	logger := b.logger.With(zap.String("source_id", conn.ID()), zap.String("producer", conn.Name()))
	for {
		in, err := conn.Next()
		if err != nil {
			return err
		}
		b.handle(ctx, conn, in, &wg, logger)
	}
}

func (b *Bridge) handle(ctx context.Context, conn *producer.Conn, in producer.Inbound, wg *sync.WaitGroup, logger *zap.Logger) {
	source := conn.ID()
	respond := func(resp wire.Response) {
		if err := conn.Respond(resp); err != nil && !errors.Is(err, producer.ErrTransportClosed) {
			logger.Warn("response not sent", zap.String("action", in.Env.Action), zap.Error(err))
		}
	}

	if len(in.Env.Payload) == 0 {
		switch in.Env.Action {
		case wire.ActionUpdateTabData:
			respond(wire.Fail("No data provided"))
			return
		case wire.ActionTabActivated:
			respond(wire.Fail("No activation data provided"))
			return
		}
	}
	if in.ParseErr != nil {
		logger.Debug("rejected payload", zap.String("action", in.Env.Action), zap.Error(in.ParseErr))
		respond(wire.Fail("%s", in.ParseErr.Error()))
		return
	}

	switch m := in.Msg.(type) {
	case wire.GetAllTabs:
		respond(result(b.AllTabs()))
	case wire.UpdateTabData:
		b.updateTabData(source, m, in.At, logger)
		respond(wire.OK("Tab data updated"))
	case wire.TabActivated:
		b.tabActivated(source, m, in.At)
		respond(wire.OK("Tab activation recorded"))
	case wire.TabUpdated:
		b.reg.ApplyUpdate(source, []registry.Item{toItem(m.Tab, "", registry.KindTab, in.At)})
		respond(wire.OK("Tab updated"))
	case wire.TabRemoved:
		b.reg.ApplyRemoval(source, []string{string(m.TabID)})
		if in.Env.Action == wire.ActionTabRemoved {
			respond(wire.OK("Tab removed"))
		}
	case wire.TabsResponse:
		b.reg.Reconcile(source, registry.KindTab, toItems(m.Tabs, "", registry.KindTab, in.At))
	case wire.HistoryResponse:
		b.reg.Reconcile(source, registry.KindHistory, toItems(m.History, "", registry.KindHistory, in.At))
	case wire.TabSwitched:
		b.reg.Touch(source, string(m.TabID), "", in.At)
	case wire.ProducerFault:
		logger.Warn("producer reported an error", zap.String("message", m.Message))
	case wire.SearchTabs:
		opts := query.Options{Limit: m.Limit, Kinds: query.ParseKinds(m.Kinds)}
		respond(result(map[string]any{"items": b.Search(m.Query, opts)}))
	case wire.ActivateTab:
		b.async(ctx, wg, func(ctx context.Context) {
			respond(commandResponse(b.Activate(ctx, m.SourceID, string(m.ID))))
		})
	case wire.CloseTab:
		b.async(ctx, wg, func(ctx context.Context) {
			respond(commandResponse(b.Close(ctx, m.SourceID, string(m.ID))))
		})
	case wire.GetRecentTabs:
		respond(result(map[string]any{"items": b.Recent(m.Limit)}))
	case wire.GetSources:
		respond(result(map[string]any{"sources": b.SourceList()}))
	case wire.QueryFacts:
		rows, err := b.Facts(ctx, m.Query)
		if err != nil {
			respond(wire.Fail("%s", err.Error()))
			return
		}
		respond(result(map[string]any{"results": rows}))
	case wire.NoAction:
		respond(wire.Fail("No action specified"))
	case wire.Unknown:
		respond(wire.Fail("Unknown action: %s", m.Action))
	default:
		logger.Debug("ignored message", zap.String("action", in.Env.Action))
	}
}

func (b *Bridge) async(ctx context.Context, wg *sync.WaitGroup, fn func(context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		fn(ctx)
	}()
}

func (b *Bridge) updateTabData(source string, m wire.UpdateTabData, at time.Time, logger *zap.Logger) {
	browser := m.Browser
	if browser == "" && len(m.Tabs) > 0 {
		browser = m.Tabs[0].Browser
	}
	applied, removed := b.reg.Reconcile(source, registry.KindTab, toItems(m.Tabs, browser, registry.KindTab, at))
	if m.HasHistory {
		b.reg.Reconcile(source, registry.KindHistory, toItems(m.History, browser, registry.KindHistory, at))
	}
	if b.sources != nil {
		b.sources.NoteBrowser(source, browser)
	}
	if b.journal != nil {
		b.journal.TabReport(source, browser, len(m.Tabs), at)
	}
	logger.Debug("tab report applied",
		zap.String("browser", browser),
		zap.Int("tabs", len(m.Tabs)),
		zap.Int("applied", applied),
		zap.Int("removed", removed))
}

// tabActivated marks the reported tab active. A nested tab record is upserted
// first so activations of tabs the registry has not seen yet still land.
func (b *Bridge) tabActivated(source string, m wire.TabActivated, at time.Time) {
	if m.Tab != nil {
		b.reg.ApplyUpdate(source, []registry.Item{toItem(*m.Tab, m.Browser, registry.KindTab, at)})
	}
	b.reg.Touch(source, string(m.TabID), m.URL, at)
}

// AllTabs returns current tabs and windows plus history, in snapshot order.
func (b *Bridge) AllTabs() TabsView {
	items := b.query.Query("", query.Options{})
	view := TabsView{CurrentTabs: []ItemView{}, RecentHistory: []ItemView{}}
	var last time.Time
	for _, item := range items {
		if item.LastSeen.After(last) {
			last = item.LastSeen
		}
		if item.Kind == registry.KindHistory {
			view.RecentHistory = append(view.RecentHistory, View(item))
		} else {
			view.CurrentTabs = append(view.CurrentTabs, View(item))
		}
	}
	if !last.IsZero() {
		view.LastUpdated = last.UnixMilli()
	}
	return view
}

// Search runs the query engine.
func (b *Bridge) Search(text string, opts query.Options) []ItemView {
	return Views(b.query.Query(text, opts))
}

// Recent lists recently activated items that still exist.
func (b *Bridge) Recent(limit int) []ItemView {
	return Views(b.reg.Recent(limit))
}

// Activate activates the item handle of sourceID.
func (b *Bridge) Activate(ctx context.Context, sourceID, handle string) CommandResult {
	return commandResult(b.coord.Activate(ctx, registry.Key{Source: sourceID, Handle: handle}))
}

// Close closes the item handle of sourceID.
func (b *Bridge) Close(ctx context.Context, sourceID, handle string) CommandResult {
	return commandResult(b.coord.Close(ctx, registry.Key{Source: sourceID, Handle: handle}))
}

// SourceList reports supervised sources.
func (b *Bridge) SourceList() []supervisor.SourceInfo {
	if b.sources == nil {
		return []supervisor.SourceInfo{}
	}
	return b.sources.Sources()
}

// Facts runs a journal query.
func (b *Bridge) Facts(ctx context.Context, q string) ([]mangle.QueryResult, error) {
	if b.journal == nil {
		return nil, mangle.ErrDisabled
	}
	return b.journal.Query(ctx, q)
}

func toItems(recs []wire.TabRecord, browser string, kind registry.Kind, at time.Time) []registry.Item {
	items := make([]registry.Item, 0, len(recs))
	for _, rec := range recs {
		items = append(items, toItem(rec, browser, kind, at))
	}
	return items
}

// toItem converts a producer record. LastSeen is the connection's receipt
// time; producer timestamps come from another clock and are not compared.
func toItem(rec wire.TabRecord, browser string, kind registry.Kind, at time.Time) registry.Item {
	if rec.Browser != "" {
		browser = rec.Browser
	}
	return registry.Item{
		Browser:  browser,
		Kind:     kind,
		Handle:   string(rec.ID),
		Title:    rec.Title,
		URL:      rec.URL,
		Favicon:  rec.Icon(),
		Active:   rec.Active,
		LastSeen: at,
	}
}

func result(data any) wire.Response {
	resp, err := wire.Result(data)
	if err != nil {
		return wire.Fail("%s", err.Error())
	}
	return resp
}

func commandResponse(res CommandResult) wire.Response {
	resp := result(res)
	if !res.OK() {
		resp.Success = false
		resp.Error = res.Error
	}
	return resp
}
