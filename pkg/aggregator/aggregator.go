package aggregator

import (
	"os"
	"time"

	"github.com/mchurichi/buildtail/pkg/server"
	"github.com/mchurichi/buildtail/pkg/store"
	"github.com/mchurichi/buildtail/pkg/tail"
)

// buildIssuers are the reserved build-tool issuer tags. Anything else is a
// runtime issuer; the split is derived here at query time, never stored on
// the record.
var buildIssuers = []string{"webpack", "repack", "watcher"}

// IsBuildIssuer reports whether the issuer is a reserved build-tool tag.
func IsBuildIssuer(issuer string) bool {
	for _, b := range buildIssuers {
		if issuer == b {
			return true
		}
	}
	return false
}

// Aggregator composes store reads into the operations exposed to the command
// surface. It only reads the store; the single mutation is Clear.
type Aggregator struct {
	store  *store.Store
	tailer *tail.Tailer
	server *server.Server
}

// New creates the façade over the shared store and its two producers.
func New(st *store.Store, t *tail.Tailer, srv *server.Server) *Aggregator {
	return &Aggregator{store: st, tailer: t, server: srv}
}

// BuildLogOptions narrow the unrestricted filtered read.
type BuildLogOptions struct {
	Limit  int
	Kinds  []store.Kind
	Since  time.Time
	Issuer string
	Search string
}

// BuildLogs returns recent records matching the options, in arrival order.
func (a *Aggregator) BuildLogs(opts BuildLogOptions) ([]*store.Record, error) {
	return a.store.Get(store.Filter{
		Kinds:          opts.Kinds,
		Since:          opts.Since,
		IssuerContains: opts.Issuer,
		TextSearch:     opts.Search,
		Limit:          opts.Limit,
	})
}

// Errors returns the most recent error and warning records.
func (a *Aggregator) Errors(limit int) ([]*store.Record, error) {
	return a.store.GetErrors(limit)
}

// RuntimeLogOptions narrow the runtime-only read.
type RuntimeLogOptions struct {
	Limit  int
	Tag    string
	Kinds  []store.Kind
	Search string
}

// RuntimeLogs returns records whose issuer is not a reserved build-tool tag.
func (a *Aggregator) RuntimeLogs(opts RuntimeLogOptions) ([]*store.Record, error) {
	return a.store.Get(store.Filter{
		Kinds:          opts.Kinds,
		IssuerContains: opts.Tag,
		ExcludeIssuers: buildIssuers,
		TextSearch:     opts.Search,
		Limit:          opts.Limit,
	})
}

// Clear removes all records and returns how many were dropped.
func (a *Aggregator) Clear() (int, error) {
	count := a.store.Count()
	if err := a.store.Clear(); err != nil {
		return 0, err
	}
	return count, nil
}

// Status is a point-in-time snapshot of the engine.
type Status struct {
	State        string `json:"state"`
	Path         string `json:"path"`
	PathExists   bool   `json:"pathExists"`
	LogCount     int    `json:"logCount"`
	BuildCount   int    `json:"buildCount"`
	RuntimeCount int    `json:"runtimeCount"`
	ErrorCount   int    `json:"errorCount"`
	WarningCount int    `json:"warningCount"`
	LastUpdate   string `json:"lastUpdate,omitempty"`
	ServerPort   int    `json:"serverPort"`
}

// Status reports the watch state, watched path, record counts, and the
// effective ingestion port.
func (a *Aggregator) Status() (Status, error) {
	st := Status{
		State:        a.tailer.State().String(),
		Path:         a.tailer.Path(),
		LogCount:     a.store.Count(),
		ErrorCount:   a.store.CountByKind(store.KindError),
		WarningCount: a.store.CountByKind(store.KindWarn),
		ServerPort:   a.server.Port(),
	}

	if _, err := os.Stat(st.Path); err == nil {
		st.PathExists = true
	}

	build, err := a.store.CountWhere(func(r *store.Record) bool {
		return IsBuildIssuer(r.Issuer)
	})
	if err != nil {
		return st, err
	}
	st.BuildCount = build
	st.RuntimeCount = st.LogCount - build

	if ts, ok := a.store.LastTimestamp(); ok {
		st.LastUpdate = ts
	}

	return st, nil
}
