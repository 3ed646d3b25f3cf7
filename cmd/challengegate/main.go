package main

import (
	"context"
	"html/template"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/knadh/koanf/v2"
	"github.com/knadh/stuffbin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zerodha/logf"

	"github.com/ecolearn/challengegate/internal/challenge"
	"github.com/ecolearn/challengegate/internal/store"
	"github.com/ecolearn/challengegate/internal/store/memory"
	"github.com/ecolearn/challengegate/internal/store/redis"
)

// App is the global app context that groups the necessary
// controls (store, challenge service, config etc.) to be injected
// into the HTTP handlers.
type App struct {
	store     store.Store
	challenge *challenge.Service
	lo        logf.Logger
	tpl       *template.Template
	fs        stuffbin.FileSystem
	constants constants
}

var (
	lo logf.Logger
	ko = koanf.New(".")

	// Version of the build injected at build time.
	buildString = "unknown"
)

func main() {
	initConfig()
	lo = initLogger(ko.Bool("app.debug"))

	app := &App{
		lo: lo,
		fs: initFS(os.Args[0]),

		constants: constants{
			ValidityWindow: ko.Duration("app.validity_window") * time.Second,
			ClockSkew:      ko.Duration("app.clock_skew") * time.Second,
			AnswerLength:   ko.Int("app.answer_length"),
			RootURL:        strings.TrimRight(ko.String("app.root_url"), "/"),
			LogoURL:        ko.String("app.logo_url"),
			FaviconURL:     ko.String("app.favicon_url"),
		},
	}

	// Load the store.
	switch ko.String("store.type") {
	case "redis":
		var rc redis.Conf
		ko.UnmarshalWithConf("store.redis", &rc, koanf.UnmarshalConf{Tag: "json"})
		app.store = redis.New(rc)
	default:
		var mc memory.Conf
		ko.UnmarshalWithConf("store.memory", &mc, koanf.UnmarshalConf{Tag: "json"})
		mc.SweepInterval = mc.SweepInterval * time.Second
		app.store = memory.New(mc)
	}

	app.challenge = challenge.New(app.store, challenge.Opt{
		ValidityWindow: app.constants.ValidityWindow,
		ClockSkew:      app.constants.ClockSkew,
		AnswerLength:   app.constants.AnswerLength,
	}, lo)

	// Compile static templates.
	tpl, err := stuffbin.ParseTemplatesGlob(nil, app.fs, "/static/*.html")
	if err != nil {
		lo.Fatal("error compiling template", "error", err)
	}
	app.tpl = tpl

	authCreds := initAuth()
	if len(authCreds) == 0 {
		lo.Fatal("no auth entries found in config")
	}

	// Register handles.
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("challengegate"))
	})
	r.Get("/api/health", wrap(app, handleHealthCheck))
	r.Get("/api/challenge", wrap(app, handleGetChallenge))
	r.Post("/api/verify-challenge", wrap(app, handleVerifyChallenge))
	r.Post("/api/challenge/{token}", auth(authCreds, wrap(app, handleConsumeChallenge)))

	r.Get("/challenge", wrap(app, handleChallengeView))
	r.Post("/challenge", wrap(app, handleChallengeView))
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/static/*", func(w http.ResponseWriter, r *http.Request) {
		app.fs.FileServer().ServeHTTP(w, r)
	})

	// HTTP Server.
	timeout := ko.Duration("app.server_timeout")
	if timeout.Seconds() < 1 {
		timeout = time.Second * 5
	}

	srv := &http.Server{
		Addr:         ko.String("app.address"),
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		Handler:      r,
	}

	// Shut the server down on SIGINT/SIGTERM so the store (and its
	// background sweeper) is released cleanly.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		srv.Shutdown(context.Background())
	}()

	lo.Info("starting server", "address", srv.Addr, "version", buildString)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		lo.Fatal("couldn't start server", "error", err)
	}

	if err := app.store.Close(); err != nil {
		lo.Error("error closing store", "error", err)
	}
}
