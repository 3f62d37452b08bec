package state

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// WfModule is a component with a lifecycle bound to the engine.
type WfModule interface {
	Init(s *State) error
	Cleanup(s *State) error
}

// State access must be done only on a single goroutine (the dispatch loop).
type State struct {
	*Env
	Modules   map[string]WfModule
	Directory *DirectoryState
}

// Env can be read from any goroutine.
type Env struct {
	DispatchChannel chan<- func(s *State) error
	CentralCfg
	LocalCfg
	Context context.Context
	Cancel  context.CancelCauseFunc
	Log     *slog.Logger

	// RouteSnapshot is the atomically published immutable route table.
	// Forwarding tasks load it and never mutate it.
	RouteSnapshot atomic.Pointer[RouteTable]

	Started  atomic.Bool
	Stopping atomic.Bool
}

// Routes returns the current route table snapshot, never nil.
func (e *Env) Routes() *RouteTable {
	t := e.RouteSnapshot.Load()
	if t == nil {
		return emptyRouteTable
	}
	return t
}

var emptyRouteTable = &RouteTable{}
