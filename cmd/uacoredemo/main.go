// Command uacoredemo wires the uac/uas/b2bua/subscription core onto a real
// sipgo transport: flag/env configuration, structured startup logging, and
// a signal-driven shutdown. Every inbound INVITE is bridged through a
// single-call B2BUA to the -bridge-to target (answered 503 when that flag
// is empty); an optional outbound call and MWI subscription to the -dial
// target can be kicked off directly from the flags.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sipwire/uacore/internal/account"
	"github.com/sipwire/uacore/internal/auth"
	"github.com/sipwire/uacore/internal/b2bua"
	"github.com/sipwire/uacore/internal/calldescriptor"
	"github.com/sipwire/uacore/internal/events"
	"github.com/sipwire/uacore/internal/logging"
	"github.com/sipwire/uacore/internal/resolver"
	"github.com/sipwire/uacore/internal/subscription"
	"github.com/sipwire/uacore/internal/uac"
	"github.com/sipwire/uacore/internal/uas"
)

// config holds flag defaults overridden by environment variables, with
// no separate validation framework.
type config struct {
	BindAddr      string
	Port          int
	AdvertiseAddr string
	LogLevel      string

	BridgeTarget string
	DialTarget   string
	AuthUser     string
	AuthPass     string
}

func loadConfig() config {
	cfg := config{}

	flag.StringVar(&cfg.BindAddr, "bind", "0.0.0.0", "SIP bind address")
	flag.IntVar(&cfg.Port, "port", 5060, "SIP listening port")
	flag.StringVar(&cfg.AdvertiseAddr, "advertise", "127.0.0.1", "address to advertise in From/Contact")
	flag.StringVar(&cfg.LogLevel, "loglevel", "info", "log level (debug, info, warn, error)")
	flag.StringVar(&cfg.BridgeTarget, "bridge-to", "", "sip: URI every inbound INVITE is bridged to (leave empty to reject inbound calls)")
	flag.StringVar(&cfg.DialTarget, "dial", "", "sip: URI to call on startup (leave empty to just listen)")
	flag.StringVar(&cfg.AuthUser, "auth-user", "", "digest auth username for outbound requests")
	flag.StringVar(&cfg.AuthPass, "auth-pass", "", "digest auth password for outbound requests")
	flag.Parse()

	if v := os.Getenv("UACORE_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := os.Getenv("UACORE_ADVERTISE"); v != "" {
		cfg.AdvertiseAddr = v
	}
	if v := os.Getenv("UACORE_LOGLEVEL"); v != "" {
		cfg.LogLevel = v
	}
	return cfg
}

func main() {
	cfg := loadConfig()
	log := logging.New(os.Stdout, cfg.LogLevel)

	ua, err := sipgo.NewUA()
	if err != nil {
		log.Fatal().Err(err).Msg("create user agent")
	}
	defer ua.Close()

	srv, err := sipgo.NewServer(ua)
	if err != nil {
		log.Fatal().Err(err).Msg("create server")
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		log.Fatal().Err(err).Msg("create client")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	accounts := account.NewMemoryProvider()
	accounts.Put(account.Account{Username: "1000", Domain: cfg.AdvertiseAddr, Realm: cfg.AdvertiseAddr, Password: cfg.AuthPass, OwnerID: "1000"})

	bus := events.NewBus()
	bus.OnAny(func(e events.Event) { logCoreEvent(log, e) })

	res := resolver.New(resolver.WithLogger(log))
	registry := subscription.NewRegistry(srv)

	identity := uac.Identity{
		DisplayName: "uacoredemo",
		User:        "uacoredemo",
		Host:        cfg.AdvertiseAddr,
		Port:        cfg.Port,
	}
	identityURI := sip.Uri{Scheme: "sip", User: identity.User, Host: identity.Host, Port: identity.Port}

	var cred *auth.Credentials
	if cfg.AuthUser != "" {
		cred = &auth.Credentials{Username: cfg.AuthUser, Password: cfg.AuthPass}
	}

	if cfg.BridgeTarget != "" {
		bridgeTo, err := sip.ParseUri(cfg.BridgeTarget)
		if err != nil {
			log.Fatal().Err(err).Str("uri", cfg.BridgeTarget).Msg("parse bridge target")
		}
		srv.OnInvite(func(req *sip.Request, tx sip.ServerTransaction) {
			handleInvite(ctx, req, tx, client, accounts, log, identity, bridgeTo, res)
		})
	} else {
		srv.OnInvite(func(req *sip.Request, tx sip.ServerTransaction) {
			_ = tx.Respond(sip.NewResponseFromRequest(req, 503, "Service Unavailable", nil))
		})
	}

	go func() {
		addr := cfg.BindAddr + ":" + strconv.Itoa(cfg.Port)
		log.Info().Str("addr", addr).Msg("listening for SIP/UDP")
		if err := srv.ListenAndServe(ctx, "udp", addr); err != nil {
			log.Error().Err(err).Msg("server stopped")
		}
	}()

	if cfg.DialTarget != "" {
		target, err := sip.ParseUri(cfg.DialTarget)
		if err != nil {
			log.Fatal().Err(err).Str("uri", cfg.DialTarget).Msg("parse dial target")
		}

		a := uac.New(client, identity, bus, uac.WithLogger(log), uac.WithResolver(res), uac.WithCredentials(cred))
		desc := calldescriptor.New(target)
		if err := a.Call(ctx, desc); err != nil {
			log.Error().Err(err).Msg("call failed")
		}

		sub := subscription.New(client, identityURI, registry, bus, subscription.WithLogger(log))
		_ = sub.Start(ctx, subscription.Params{
			ResourceURI:  target,
			EventPackage: "message-summary",
			Credentials:  cred,
			Expiry:       subscription.DefaultExpiry,
		})
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := registry.StopAll(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("error stopping subscriptions")
	}
	shutdownCancel()

	cancel()
	time.Sleep(200 * time.Millisecond)
}

// handleInvite bridges one inbound INVITE to bridgeTo through a fresh B2BUA
// call, using this module's single fixed bridge target instead of a
// dialplan lookup. Each bridged call gets its own events.Bus: the B2BUA
// wires its progress-mirroring handlers directly onto the bus its two legs
// emit to, and the process-wide bus in main has no way to scope a handler
// to one Call-ID, so sharing it across concurrent bridges would let one
// call's CallTrying/CallRinging/CallAnswered drive another call's UAS leg.
// The per-call bus still forwards to the same structured log sink.
func handleInvite(ctx context.Context, req *sip.Request, tx sip.ServerTransaction, client *sipgo.Client, accounts account.Provider, log zerolog.Logger, identity uac.Identity, bridgeTo sip.Uri, res *resolver.Resolver) {
	callBus := events.NewBus()
	callBus.OnAny(func(e events.Event) { logCoreEvent(log, e) })

	localTag := generateTag()
	uasLeg := uas.New(req, tx, callBus, localTag,
		uas.WithLogger(log),
		uas.WithAccounts(accounts),
		uas.WithTransport(client),
	)

	uacLeg := uac.New(client, identity, callBus, uac.WithLogger(log), uac.WithResolver(res))
	bridge := b2bua.New(uasLeg, uacLeg, callBus, b2bua.WithLogger(log))

	desc := calldescriptor.New(bridgeTo)
	desc.Body = req.Body()
	if ct := req.GetHeader("Content-Type"); ct != nil {
		desc.ContentType = ct.Value()
	}

	if err := bridge.Call(ctx, desc); err != nil {
		log.Error().Err(err).Msg("bridge call failed")
		_ = uasLeg.Reject(500, "Server Internal Error", nil)
	}
}

// logCoreEvent is the structured-log sink every call's event bus forwards
// to, whether that bus is the process-wide one or a per-call bridge bus.
func logCoreEvent(log zerolog.Logger, e events.Event) {
	log.Info().Str("event", string(e.Type)).Str("call_id", e.CallID).Int("code", e.Code).Str("reason", e.Reason).Msg("core event")
}

func generateTag() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:10]
}
