package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/bringyour/live/live"
)

const LiveCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Live view control.

Rendered trees and diffs are given as json.

Usage:
    livectl render <rendered_json>
    livectl merge <rendered_json> <diff_json>...
    livectl patch <html_file> <rendered_json> [--container=<id>]
    livectl connect --url=<url> --socket_url=<socket_url>
        [--settings=<settings_file>]
        [--store=<store_file>]
        [--metrics=<metrics_addr>]
        [--token=<jwt>]
    livectl token <jwt>
    livectl reloads --store=<store_file> <view_name> [--clear]

Options:
    -h --help                      Show this screen.
    --version                      Show version.
    --container=<id>               Id of the element to patch. Defaults to the body.
    --url=<url>                    Page url.
    --socket_url=<socket_url>      Socket endpoint, e.g. ws://localhost:4000/live
    --settings=<settings_file>     Yaml settings overrides.
    --store=<store_file>           Bolt file for the reload counters.
    --metrics=<metrics_addr>       Serve prometheus metrics on this address.
    --token=<jwt>                  Bearer token sent with the socket connect params.
    --clear                        Drop the counter.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], LiveCtlVersion)
	if err != nil {
		panic(err)
	}

	if render_, _ := opts.Bool("render"); render_ {
		render(opts)
	} else if merge_, _ := opts.Bool("merge"); merge_ {
		merge(opts)
	} else if patch_, _ := opts.Bool("patch"); patch_ {
		patch(opts)
	} else if connect_, _ := opts.Bool("connect"); connect_ {
		connect(opts)
	} else if token_, _ := opts.Bool("token"); token_ {
		token(opts)
	} else if reloads_, _ := opts.Bool("reloads"); reloads_ {
		reloads(opts)
	}
}

func parseRendered(data string) *live.Rendered {
	rendered, err := live.ParseRendered([]byte(data))
	if err != nil {
		Err.Fatalf("Invalid rendered tree (%s).", err)
	}
	return rendered
}

// content errors are reported but the markup is still printed
func flatten(rendered *live.Rendered) string {
	markup, err := live.Flatten(rendered)
	if err != nil {
		Err.Printf("%s", err)
	}
	return markup
}

func render(opts docopt.Opts) {
	renderedJson, _ := opts.String("<rendered_json>")

	Out.Printf("%s", flatten(parseRendered(renderedJson)))
}

func merge(opts docopt.Opts) {
	renderedJson, _ := opts.String("<rendered_json>")
	diffJsons := opts["<diff_json>"].([]string)

	rendered := parseRendered(renderedJson)
	for _, diffJson := range diffJsons {
		rendered = live.MergeDiff(rendered, parseRendered(diffJson))
	}

	mergedJson, err := json.MarshalIndent(rendered, "", "  ")
	if err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("%s", mergedJson)
	Out.Printf("%s", flatten(rendered))
}

func patch(opts docopt.Opts) {
	htmlFile, _ := opts.String("<html_file>")
	renderedJson, _ := opts.String("<rendered_json>")

	htmlBytes, err := os.ReadFile(htmlFile)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	doc, err := live.ParseDocument(string(htmlBytes))
	if err != nil {
		Err.Fatalf("Invalid html (%s).", err)
	}

	container := doc.Body()
	if containerId, err := opts.String("--container"); err == nil && containerId != "" {
		container = doc.GetElementById(containerId)
		if container == nil {
			Err.Fatalf("No element with id %s.", containerId)
		}
	}

	markup := flatten(parseRendered(renderedJson))
	result, err := live.NewPatch(doc, live.DefaultSettings(), container, markup).Perform()
	if err != nil {
		Err.Fatalf("Patch failed (%s).", err)
	}

	Out.Printf("%s", doc.String())
	for kind := live.BeforeAdded; kind <= live.BeforePhxChildAdded; kind += 1 {
		if count := result.Count(kind); 0 < count {
			Out.Printf("%s: %d", kind, count)
		}
	}
	if cids := result.DiscardedCids(); 0 < len(cids) {
		Out.Printf("discarded components: %v", cids)
	}
}

// yaml overrides for `live.Settings`
type settingsFile struct {
	BindingPrefix             string        `yaml:"binding_prefix"`
	PushTimeout               time.Duration `yaml:"push_timeout"`
	LoaderTimeout             time.Duration `yaml:"loader_timeout"`
	BeforeUnloadLoaderTimeout time.Duration `yaml:"before_unload_loader_timeout"`
	LeaveTimeout              time.Duration `yaml:"leave_timeout"`
	ReloadJitterMin           time.Duration `yaml:"reload_jitter_min"`
	ReloadJitterMax           time.Duration `yaml:"reload_jitter_max"`
	MaxReloads                int           `yaml:"max_reloads"`
	FailsafeJitter            time.Duration `yaml:"failsafe_jitter"`
	DetectDuplicateIds        bool          `yaml:"detect_duplicate_ids"`
	HeartbeatInterval         time.Duration `yaml:"heartbeat_interval"`
}

func loadSettings(path string) (*live.Settings, *live.WsSocketSettings) {
	settings := live.DefaultSettings()
	wsSettings := live.DefaultWsSocketSettings()
	if path == "" {
		return settings, wsSettings
	}

	settingsBytes, err := os.ReadFile(path)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	overrides := &settingsFile{}
	if err := yaml.Unmarshal(settingsBytes, overrides); err != nil {
		Err.Fatalf("Invalid settings (%s).", err)
	}

	if overrides.BindingPrefix != "" {
		settings.BindingPrefix = overrides.BindingPrefix
	}
	if 0 < overrides.PushTimeout {
		settings.PushTimeout = overrides.PushTimeout
	}
	if 0 < overrides.LoaderTimeout {
		settings.LoaderTimeout = overrides.LoaderTimeout
	}
	if 0 < overrides.BeforeUnloadLoaderTimeout {
		settings.BeforeUnloadLoaderTimeout = overrides.BeforeUnloadLoaderTimeout
	}
	if 0 < overrides.LeaveTimeout {
		settings.LeaveTimeout = overrides.LeaveTimeout
	}
	if 0 < overrides.ReloadJitterMin {
		settings.ReloadJitterMin = overrides.ReloadJitterMin
	}
	if 0 < overrides.ReloadJitterMax {
		settings.ReloadJitterMax = overrides.ReloadJitterMax
	}
	if 0 < overrides.MaxReloads {
		settings.MaxReloads = overrides.MaxReloads
	}
	if 0 < overrides.FailsafeJitter {
		settings.FailsafeJitter = overrides.FailsafeJitter
	}
	settings.DetectDuplicateIds = overrides.DetectDuplicateIds
	if 0 < overrides.HeartbeatInterval {
		wsSettings.HeartbeatInterval = overrides.HeartbeatInterval
	}
	return settings, wsSettings
}

func openStore(path string) (live.LocalStore, func()) {
	if path == "" {
		return live.NewMemoryStore(), func() {}
	}
	store, err := live.OpenBoltStoreWithDefaults(path)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	return store, func() {
		store.Close()
	}
}

type colors struct {
	enabled bool
}

func (self *colors) wrap(code string, s string) string {
	if !self.enabled {
		return s
	}
	return fmt.Sprintf("\033[%sm%s\033[0m", code, s)
}

// joins the views of a page and logs every view event until interrupted
func connect(opts docopt.Opts) {
	pageUrl, _ := opts.String("--url")
	socketUrl, _ := opts.String("--socket_url")
	settingsPath, _ := opts.String("--settings")
	storePath, _ := opts.String("--store")
	metricsAddr, _ := opts.String("--metrics")
	jwt, _ := opts.String("--token")

	location, err := url.Parse(pageUrl)
	if err != nil {
		Err.Fatalf("Invalid url (%s).", err)
	}

	settings, wsSettings := loadSettings(settingsPath)
	store, closeStore := openStore(storePath)
	defer closeStore()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c := &colors{
		enabled: term.IsTerminal(int(os.Stdout.Fd())),
	}

	loop := live.NewLoop(ctx)
	browser := live.NewHttpBrowser(ctx, loop, location, settings.PushTimeout)

	wsSettings.Jar = browser.Jar()
	if jwt != "" {
		authToken, err := live.ParseAuthTokenUnverified(jwt)
		if err != nil {
			Err.Fatalf("Invalid token (%s).", err)
		}
		if authToken.Expired(time.Now()) {
			Err.Printf("Token expired at %s.", authToken.ExpiresAt)
		}
		wsSettings.Params = authToken.Params
	}
	socket := live.NewWsSocket(ctx, socketUrl, loop, wsSettings)

	registry := prometheus.NewRegistry()
	options := live.DefaultLiveSocketOptions()
	options.Metrics = live.NewMetrics(registry)
	options.ViewLogger = func(view *live.View, kind string, msg string, obj any) {
		id := ""
		if view != nil {
			id = view.Id()
		}
		if err, ok := obj.(error); ok {
			Out.Printf("%s %s %s: %s", c.wrap("36", id), c.wrap("33", kind), msg, err)
		} else {
			Out.Printf("%s %s %s", c.wrap("36", id), c.wrap("33", kind), msg)
		}
	}

	doc, err := live.ParseDocument("<html><head></head><body></body></html>")
	if err != nil {
		Err.Fatalf("%s", err)
	}
	doc.OnUpdate(func() {
		Out.Printf("%s %s", c.wrap("32", live.PhxUpdateEvent), doc.Title())
	})

	liveSocket := live.NewLiveSocket(ctx, doc, socket, browser, store, loop, settings, options)
	liveSocket.OnFailure(func(err error) {
		Err.Printf("%s", err)
	})
	browser.OnLoad(func(location *url.URL, markup string) {
		Out.Printf("%s %s", c.wrap("32", "loaded"), location)
		if err := liveSocket.Load(location, markup); err != nil {
			Err.Printf("Load %s failed (%s).", location, err)
		}
	})

	Out.Printf("connecting %s (instance %s)", socketUrl, socket.InstanceId())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(loop.Run)
	g.Go(func() error {
		browser.Reload()
		<-gctx.Done()
		loop.Post(liveSocket.Close)
		return nil
	})
	if metricsAddr != "" {
		server := &http.Server{
			Addr:    metricsAddr,
			Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		}
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return server.Shutdown(shutdownCtx)
		})
		g.Go(func() error {
			if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		Err.Printf("%s", err)
	}
	glog.Flush()
}

func token(opts docopt.Opts) {
	jwt, _ := opts.String("<jwt>")

	authToken, err := live.ParseAuthTokenUnverified(jwt)
	if err != nil {
		Err.Fatalf("Invalid token (%s).", err)
	}

	claimsYaml, err := yaml.Marshal(authToken.Claims)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("%s", strings.TrimRight(string(claimsYaml), "\n"))
	if authToken.ExpiresAt != nil {
		if authToken.Expired(time.Now()) {
			Out.Printf("expired %s", authToken.ExpiresAt.Format(time.RFC3339))
		} else {
			Out.Printf("expires %s", authToken.ExpiresAt.Format(time.RFC3339))
		}
	}
}

func reloads(opts docopt.Opts) {
	storePath, _ := opts.String("--store")
	viewName, _ := opts.String("<view_name>")
	clear_, _ := opts.Bool("--clear")

	store, err := live.OpenBoltStoreWithDefaults(storePath)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	defer store.Close()

	if clear_ {
		store.Drop(viewName, live.ConsecutiveReload)
		Out.Printf("cleared %s", viewName)
		return
	}
	if count, ok := store.Get(viewName, live.ConsecutiveReload); ok {
		Out.Printf("%s: %d consecutive reloads", viewName, count)
	} else {
		Out.Printf("%s: no reloads", viewName)
	}
}
