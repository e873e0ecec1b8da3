package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/golang/glog"

	"github.com/openbaas/livequery/livequery"
)

const DefaultApiUrl = "http://localhost:1337/1"
const DefaultRedisUrl = "redis://localhost:6379/0"

const Version = "0.1.0-local"

func main() {
	usage := fmt.Sprintf(
		`Live query server.

The default urls are:
    api_url: %s
    redis_url: %s

Usage:
    livequeryd serve --app_id=<app_id> [--master_key=<master_key>]
        [--port=<port>]
        [--api_url=<api_url>]
        [--redis_url=<redis_url>]
        [--ws_timeout=<ws_timeout>]
        [--cache_timeout=<cache_timeout>]
        [--key=<key>]...

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --app_id=<app_id>                Application id.
    --master_key=<master_key>        Master key. Prompted when omitted.
    --api_url=<api_url>
    --redis_url=<redis_url>
    --ws_timeout=<ws_timeout>        Keepalive interval in seconds [default: 10].
    --cache_timeout=<cache_timeout>  Session cache TTL in seconds [default: 300].
    --key=<key>                      Extra connect key pair as name:secret.
    -p --port=<port>                 Listen port [default: 8089].`,
		DefaultApiUrl,
		DefaultRedisUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	}
}

func serve(opts docopt.Opts) {
	port, _ := opts.Int("--port")
	appId, _ := opts.String("--app_id")

	apiUrl := stringOpt(opts, "--api_url", DefaultApiUrl)
	redisUrl := stringOpt(opts, "--redis_url", DefaultRedisUrl)

	masterKey := stringOpt(opts, "--master_key", "")
	if masterKey == "" {
		fmt.Print("master key: ")
		masterKeyBytes, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			panic(err)
		}
		masterKey = string(masterKeyBytes)
	}

	wsTimeoutSeconds, _ := opts.Int("--ws_timeout")
	cacheTimeoutSeconds, _ := opts.Int("--cache_timeout")

	settings := livequery.DefaultLiveQueryServerSettings()
	settings.ApplicationId = appId
	settings.WebsocketTimeout = time.Duration(wsTimeoutSeconds) * time.Second
	settings.CacheTimeout = time.Duration(cacheTimeoutSeconds) * time.Second
	settings.KeyPairs[settings.MasterKeyName] = masterKey
	for _, keyPair := range keyOpts(opts) {
		name, secret, ok := strings.Cut(keyPair, ":")
		if !ok {
			panic(fmt.Errorf("key pair must be name:secret: %s", keyPair))
		}
		settings.KeyPairs[name] = secret
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	api := livequery.NewPlatformApi(cancelCtx, apiUrl, appId, masterKey)
	server := livequery.NewLiveQueryServer(cancelCtx, api, api, settings)
	defer server.Close()

	bus, err := livequery.NewRedisBusSubscriber(redisUrl)
	if err != nil {
		panic(err)
	}
	defer bus.Close()

	unsub := server.Events().Listen(func(event livequery.LifecycleEvent) {
		glog.V(1).Infof("[lqd]%s clients=%d subscriptions=%d\n", event.Event, event.Clients, event.Subscriptions)
	})
	defer unsub()

	go func() {
		defer cancel()
		if err := server.Run(bus); err != nil {
			glog.Errorf("[lqd]bus error = %s\n", err)
		}
	}()

	listener := livequery.NewWebsocketListenerWithDefaults(cancelCtx, server, fmt.Sprintf(":%d", port))
	defer listener.Close()

	fmt.Printf("app_id: %s\n", appId)
	fmt.Printf("listening on :%d\n", port)

	if err := listener.ListenAndServe(); err != nil {
		panic(err)
	}
}

func stringOpt(opts docopt.Opts, name string, defaultValue string) string {
	if valueAny := opts[name]; valueAny != nil {
		if value, ok := valueAny.(string); ok && value != "" {
			return value
		}
	}
	return defaultValue
}

func keyOpts(opts docopt.Opts) []string {
	keys := []string{}
	if valuesAny := opts["--key"]; valuesAny != nil {
		if values, ok := valuesAny.([]string); ok {
			keys = values
		}
	}
	return keys
}
