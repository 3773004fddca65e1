// Command storectl inspects and maintains a layered store.
//
//	storectl [-config file] [-v] <command> [flags]
//
// Commands:
//
//	status   summarize the source stack and what was loaded
//	dump     print merged entities
//	values   list loaded values
//	migrate  plan, and with -apply perform, the move of a legacy source layout
//	watch    run the store with watching enabled and print every event
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"layerstore/internal/blob"
	"layerstore/internal/config"
	"layerstore/internal/core"
	"layerstore/internal/format"
	"layerstore/internal/metrics"
	"layerstore/internal/migration"
	"layerstore/internal/values"
	"layerstore/pkg/domain"
)

const usage = `usage: storectl [-config file] [-v] <command> [flags]

commands:
  status    summarize the source stack and what was loaded
  dump      print merged entities (-type, -format)
  values    list loaded values (-type)
  migrate   plan moving a legacy source (-content, -src, -prefix, -to, -apply)
  watch     print events until interrupted (-metrics, -for)
`

var (
	exitFunc      = os.Exit
	signalContext = func(ctx context.Context) (context.Context, context.CancelFunc) {
		return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	}
	errUsage = errors.New("usage")
)

type env struct {
	configPath string
	stdout     io.Writer
	stderr     io.Writer
	log        *slog.Logger
}

type command func(ctx context.Context, e *env, args []string) error

var commands = map[string]command{
	"status":  runStatus,
	"dump":    runDump,
	"values":  runValues,
	"migrate": runMigrate,
	"watch":   runWatch,
}

// main runs the command-line interface and exits with its status code.
func main() {
	code := cli(os.Args[1:], os.Stdout, os.Stderr)
	exitFunc(code)
}

func cli(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("storectl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { _, _ = fmt.Fprint(stderr, usage) }
	configPath := fs.String("config", "", "path to the store configuration (YAML)")
	verbose := fs.Bool("v", false, "log debug output")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return 2
	}
	cmd, ok := commands[rest[0]]
	if !ok {
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n%s", rest[0], usage)
		return 2
	}
	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	e := &env{
		configPath: *configPath,
		stdout:     stdout,
		stderr:     stderr,
		log:        slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})),
	}
	ctx, stop := signalContext(context.Background())
	defer stop()
	if err := cmd(ctx, e, rest[1:]); err != nil {
		if errors.Is(err, errUsage) || errors.Is(err, flag.ErrHelp) {
			return 2
		}
		_, _ = fmt.Fprintf(stderr, "storectl %s: %v\n", rest[0], err)
		return 1
	}
	return 0
}

func (e *env) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet("storectl "+name, flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	return fs
}

func parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() > 0 {
		_, _ = fmt.Fprintf(fs.Output(), "unexpected arguments: %s\n", strings.Join(fs.Args(), " "))
		return errUsage
	}
	return nil
}

// start opens and starts a session; mutate adjusts the loaded configuration.
func (e *env) start(ctx context.Context, mutate func(*config.Config), opts ...core.Option) (*core.Session, error) {
	cfg, err := config.Load(e.configPath)
	if err != nil {
		return nil, err
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := core.Open(ctx, cfg, append([]core.Option{core.WithLogger(e.log)}, opts...)...)
	if err != nil {
		return nil, err
	}
	if err := s.Start(ctx); err != nil {
		return nil, errors.Join(err, s.Shutdown())
	}
	return s, nil
}

func noWatch(cfg *config.Config) { cfg.Store.Watch = false }

func runStatus(ctx context.Context, e *env, args []string) error {
	if err := parse(e.flags("status"), args); err != nil {
		return err
	}
	s, err := e.start(ctx, noWatch)
	if err != nil {
		return err
	}
	defer func() { _ = s.Shutdown() }()
	st := s.Status()
	w := e.stdout
	_, _ = fmt.Fprintf(w, "state:     %s\n", st.State)
	_, _ = fmt.Fprintf(w, "read-only: %t\n", st.ReadOnly)
	writable := st.Writable
	if writable == "" {
		writable = "none"
	}
	_, _ = fmt.Fprintf(w, "writable:  %s\n", writable)
	_, _ = fmt.Fprintln(w, "sources:")
	for _, m := range s.Stack().Members() {
		_, _ = fmt.Fprintf(w, "  %s (%s)\n", m.Source.Label(), m.Source.Mode)
	}
	for _, skipped := range st.Skipped {
		_, _ = fmt.Fprintf(w, "skipped:   %s\n", skipped)
	}
	_, _ = fmt.Fprintf(w, "entities:  %d\n", st.Entities)
	types := make([]string, 0, len(st.Values))
	for typ := range st.Values {
		types = append(types, typ)
	}
	sort.Strings(types)
	for _, typ := range types {
		_, _ = fmt.Fprintf(w, "values:    %s=%d\n", typ, st.Values[typ])
	}
	return nil
}

func runDump(ctx context.Context, e *env, args []string) error {
	fs := e.flags("dump")
	entityType := fs.String("type", "", "only dump entities of this type")
	out := fs.String("format", "yaml", "output format: yaml or json")
	if err := parse(fs, args); err != nil {
		return err
	}
	f, ok := format.FromExtension(*out, nil)
	if !ok || f == format.TOML {
		return fmt.Errorf("%w: %q", format.ErrUnknownFormat, *out)
	}
	s, err := e.start(ctx, noWatch)
	if err != nil {
		return err
	}
	defer func() { _ = s.Shutdown() }()
	dump := make(map[string]any)
	for _, id := range s.Cache().Identifiers() {
		if *entityType != "" && (len(id.Path) == 0 || id.Path[0] != *entityType) {
			continue
		}
		if v, ok := s.Cache().GetFromCache(id); ok {
			dump[id.String()] = v
		}
	}
	data, err := format.Encode(f, dump)
	if err != nil {
		return err
	}
	_, err = e.stdout.Write(data)
	return err
}

func runValues(ctx context.Context, e *env, args []string) error {
	fs := e.flags("values")
	typ := fs.String("type", "", "only list values of this type")
	if err := parse(fs, args); err != nil {
		return err
	}
	s, err := e.start(ctx, noWatch)
	if err != nil {
		return err
	}
	defer func() { _ = s.Shutdown() }()
	types := s.Values().Types()
	if *typ != "" {
		if !slices.Contains(types, *typ) {
			return fmt.Errorf("%w: %q", values.ErrUnknownType, *typ)
		}
		types = []string{*typ}
	}
	for _, t := range types {
		for _, id := range s.Values().Identifiers(t) {
			line := t + "/" + id.String()
			if lm, ok := s.Values().LastModified(t, id); ok && !lm.IsZero() {
				line += "\t" + lm.UTC().Format(time.RFC3339)
			}
			_, _ = fmt.Fprintln(e.stdout, line)
		}
	}
	return nil
}

func runMigrate(ctx context.Context, e *env, args []string) error {
	fs := e.flags("migrate")
	content := fs.String("content", "", "content of the legacy source (INSTANCES_OLD, ENTITIES, DEFAULTS, INSTANCES, OVERRIDES, VALUES, RESOURCES)")
	src := fs.String("src", "", "legacy source directory below the data dir")
	prefix := fs.String("prefix", "", "legacy source prefix")
	to := fs.String("to", "", "target source directory, defaults to -src")
	var includes, excludes stringList
	fs.Var(&includes, "include", "include glob of the legacy source (repeatable)")
	fs.Var(&excludes, "exclude", "exclude glob of the legacy source (repeatable)")
	apply := fs.Bool("apply", false, "perform the moves")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *content == "" {
		_, _ = fmt.Fprintln(e.stderr, "-content is required")
		return errUsage
	}
	cfg, err := config.Load(e.configPath)
	if err != nil {
		return err
	}
	old := domain.StoreSource{Src: *src, Prefix: *prefix, Content: domain.Content(*content), Includes: includes, Excludes: excludes}.Normalized()
	next := domain.StoreSource{Src: *src, Prefix: *prefix, Content: migrationTarget(old.Content)}
	if *to != "" {
		next.Src = *to
	}
	root, err := blob.NewFilesystem(cfg.Store.DataDir)
	if err != nil {
		return err
	}
	defer func() { _ = root.Close() }()

	plan := migration.NewPlanner(migration.WithLogger(e.log)).Plan(ctx, old, next, root)
	if !plan.Applicable {
		_, _ = fmt.Fprintln(e.stdout, "nothing to migrate")
		return nil
	}
	for _, line := range plan.Preview {
		_, _ = fmt.Fprintln(e.stdout, line)
	}
	if !*apply {
		_, _ = fmt.Fprintf(e.stdout, "%d moves planned, run with -apply to perform them\n", len(plan.Moves))
		return nil
	}
	n, err := migration.Execute(ctx, plan, root)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(e.stdout, "moved %d files\n", n)
	return nil
}

// migrationTarget is the current content of a source of legacy content c.
func migrationTarget(c domain.Content) domain.Content {
	switch c {
	case domain.ContentValues, domain.ContentResources:
		return domain.ContentAll
	}
	return domain.ContentEntities
}

type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func runWatch(ctx context.Context, e *env, args []string) error {
	fs := e.flags("watch")
	addr := fs.String("metrics", "", "serve Prometheus metrics on this address, e.g. :9090")
	duration := fs.Duration("for", 0, "stop after this duration instead of waiting for a signal")
	if err := parse(fs, args); err != nil {
		return err
	}
	cfg, err := config.Load(e.configPath)
	if err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	rec, err := metrics.NewPrometheus(reg, cfg.Metrics.Namespace)
	if err != nil {
		return err
	}
	if *addr != "" {
		srv, err := serveMetrics(*addr, reg)
		if err != nil {
			return err
		}
		defer func() { _ = srv.Close() }()
		_, _ = fmt.Fprintf(e.stdout, "metrics on http://%s/metrics\n", srv.Addr)
	}
	cfg.Store.Watch = true
	s, err := core.Open(ctx, cfg, core.WithLogger(e.log), core.WithMetrics(rec))
	if err != nil {
		return err
	}
	defer func() { _ = s.Shutdown() }()
	unsubscribe := s.Events().Subscribe(func(ev domain.Event) {
		_, _ = fmt.Fprintln(e.stdout, describe(ev))
	})
	defer unsubscribe()
	if err := s.Start(ctx); err != nil {
		return err
	}
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}
	<-ctx.Done()
	return nil
}

func describe(ev domain.Event) string {
	switch ev := ev.(type) {
	case domain.EntityEvent:
		if ev.Deleted {
			return "delete " + ev.Type + " " + ev.Identifier.String()
		}
		return ev.Type + " " + ev.Identifier.String()
	case domain.ReloadEvent:
		return "reload " + ev.Pass
	}
	return fmt.Sprintf("%T", ev)
}

func serveMetrics(addr string, reg *prometheus.Registry) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: ln.Addr().String(), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = srv.Serve(ln) }()
	return srv, nil
}
