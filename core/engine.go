package core

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"reflect"
	"runtime"
	"syscall"
	"time"

	"github.com/encodeous/tint"
	"github.com/encodeous/weft/nic"
	"github.com/encodeous/weft/perf"
	"github.com/encodeous/weft/state"
	"github.com/encodeous/weft/transport"
	"github.com/goccy/go-yaml"
	slogmulti "github.com/samber/slog-multi"
)

// Options lets embedders and tests swap out the engine's edges. Zero value
// means production defaults.
type Options struct {
	// Device is the local packet source/sink. nil runs control-plane only.
	Device nic.Device
	// Backends overrides the transport registry built from config.
	Backends *transport.Registry
	// ListenAddrs overrides the bind address per transport kind.
	ListenAddrs map[transport.Kind]string
	// Discoveries is an external signaling feed of peer candidates.
	Discoveries <-chan state.Discovery
	// DiscoveryOut receives candidates this node learns, for the signaling
	// collaborator to redistribute. Sends are non-blocking; a full channel
	// drops the update.
	DiscoveryOut chan<- state.Discovery
	// InitState, when set, receives the engine state before the loop runs.
	InitState **state.State
}

func readCentralConfig(centralPath string) (*state.CentralCfg, error) {
	var cfg state.CentralCfg
	file, err := os.ReadFile(centralPath)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(file, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func readNodeConfig(nodePath string) (*state.LocalCfg, error) {
	var cfg state.LocalCfg
	file, err := os.ReadFile(nodePath)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(file, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Bootstrap loads and validates configuration, then runs the engine until
// shutdown. Called once per process.
func Bootstrap(centralPath, nodePath, logPath string, verbose bool) error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	centralCfg, err := readCentralConfig(centralPath)
	if err != nil {
		return err
	}
	nodeCfg, err := readNodeConfig(nodePath)
	if err != nil {
		return err
	}
	if logPath != "" {
		nodeCfg.LogPath = logPath
	}
	if err := state.CentralConfigValidator(centralCfg); err != nil {
		return err
	}
	if err := state.NodeConfigValidator(nodeCfg); err != nil {
		return err
	}
	return Start(*centralCfg, *nodeCfg, level, nil)
}

// Start brings the engine up and blocks in the dispatch loop until the
// context is cancelled.
func Start(ccfg state.CentralCfg, lcfg state.LocalCfg, logLevel slog.Level, opts *Options) error {
	if opts == nil {
		opts = &Options{}
	}
	dispatch := make(chan func(env *state.State) error, 128)

	handlers := make([]slog.Handler, 0)
	handlers = append(handlers,
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:        logLevel,
			AddSource:    false,
			CustomPrefix: lcfg.Name,
			ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
				if attr.Key == "time" {
					return slog.Attr{}
				}
				return attr
			},
		}))

	if lcfg.LogPath != "" {
		err := os.MkdirAll(path.Dir(lcfg.LogPath), 0700)
		if err != nil {
			return err
		}
		f, err := os.OpenFile(lcfg.LogPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0700)
		if err != nil {
			return err
		}
		handlers = append(handlers, slog.NewTextHandler(f, &slog.HandlerOptions{Level: logLevel}))
	}

	logger := slog.New(slogmulti.Fanout(handlers...))

	ctx, cancel := context.WithCancelCause(context.Background())

	s := state.State{
		Modules: make(map[string]state.WfModule),
		Env: &state.Env{
			Context:         ctx,
			Cancel:          cancel,
			DispatchChannel: dispatch,
			CentralCfg:      ccfg,
			LocalCfg:        lcfg,
			Log:             logger,
		},
	}
	if opts.InitState != nil {
		*opts.InitState = &s
	}

	s.Log.Info("init modules")
	if err := initModules(&s, opts); err != nil {
		return err
	}
	s.Log.Info("init modules complete")

	s.Log.Info("Weft is up. To gracefully exit, send SIGINT or Ctrl+C.")

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-c:
			s.Cancel(errors.New("received shutdown signal"))
		case <-ctx.Done():
		}
	}()

	return MainLoop(&s, dispatch)
}

func initModules(s *state.State, opts *Options) error {
	var modules []state.WfModule
	modules = append(modules, &WeftRouter{})
	modules = append(modules, &Weft{
		Registry:     opts.Backends,
		ListenAddrs:  opts.ListenAddrs,
		Device:       opts.Device,
		Discoveries:  opts.Discoveries,
		DiscoveryOut: opts.DiscoveryOut,
	})

	for _, module := range modules {
		s.Modules[reflect.TypeOf(module).String()] = module
		if err := module.Init(s); err != nil {
			return err
		}
	}
	return nil
}

func MainLoop(s *state.State, dispatch <-chan func(*state.State) error) error {
	s.Log.Debug("started main loop")
	s.Started.Store(true)
	for {
		select {
		case fun := <-dispatch:
			if fun == nil {
				goto endLoop
			}
			start := time.Now()
			err := fun(s)
			if err != nil {
				s.Log.Error("error occurred during dispatch: ", "error", err)
				s.Cancel(err)
			}
			elapsed := time.Since(start)
			perf.DispatchLatency.Add(float64(elapsed.Microseconds()))
			if elapsed > time.Millisecond*4 {
				s.Log.Warn("dispatch took a long time!", "fun", runtime.FuncForPC(reflect.ValueOf(fun).Pointer()).Name(), "elapsed", elapsed, "len", len(dispatch))
			}
		case <-s.Context.Done():
			goto endLoop
		}
	}
endLoop:
	s.Log.Info("stopped main loop", "reason", context.Cause(s.Context).Error())
	Stop(s)
	return nil
}

func Stop(s *state.State) {
	if s.Stopping.Swap(true) {
		return // don't stop twice
	}
	s.Cancel(context.Canceled)
	if s.DispatchChannel != nil {
		close(s.DispatchChannel)
		s.DispatchChannel = nil
	}
	s.Log.Info("cleaning up modules")
	for moduleName, module := range s.Modules {
		err := module.Cleanup(s)
		if err != nil {
			s.Log.Error("error occurred during Stop: ", "module", moduleName, "error", err)
		}
	}
	s.Log.Info("stopped")
}
