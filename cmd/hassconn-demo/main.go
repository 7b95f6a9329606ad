// Command hassconn-demo is a minimal bootstrap showing how the pieces of
// this module fit together: load configuration, open a session against a
// Home Assistant-shaped server, subscribe to state_changed events, and
// fetch the current states with get_states.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hassconn/go_src/configuration"
	"hassconn/go_src/controller"
	"hassconn/go_src/database"
	"hassconn/go_src/endpoint"
	"hassconn/go_src/eventbridge"
	"hassconn/go_src/journal"
	"hassconn/go_src/logging_helper"
	"hassconn/go_src/protocol"
	"hassconn/go_src/session"
	"hassconn/go_src/tokenstore"
	"hassconn/go_src/transport"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

const (
	appName           = "hassconn-demo"
	configPathEnvVar  = "HASSCONN_CONFIG_PATH"
	defaultConfigPath = "./config/config.json"
	tokenEnvVar       = "HASSCONN_ACCESS_TOKEN"
	tokenDirEnvVar    = "HASSCONN_TOKEN_DIR"
	passphraseEnvVar  = "HASSCONN_TOKEN_PASSPHRASE"
)

// staticToken wraps a long-lived access token (Home Assistant's normal
// auth model) in the FetchFunc shape tokenstore.NewCachedProvider expects,
// with an expiry far enough out that the cache never drives a real refetch
// of this particular kind of token.
func staticToken(token string) tokenstore.FetchFunc {
	return func(ctx context.Context) (string, time.Time, error) {
		if token == "" {
			return "", time.Time{}, fmt.Errorf("%s is not set", tokenEnvVar)
		}
		return token, time.Now().Add(24 * 365 * time.Hour), nil
	}
}

func main() {
	log.Printf("starting %s", appName)

	dumpJournal := flag.Bool("dump-journal", false, "print recorded journal entries for this session and exit")
	flag.Parse()

	configPath := os.Getenv(configPathEnvVar)
	if configPath == "" {
		configPath = defaultConfigPath
	}

	cfg, err := configuration.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("failed to load configuration from %s: %v", configPath, err)
	}
	if err := cfg.ValidateConfig(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	if err := logging_helper.SetupLogging(cfg, appName); err != nil {
		log.Fatalf("failed to set up logging: %v", err)
	}
	logger := logrus.WithField("component", "hassconn-demo")

	sessionID := fmt.Sprintf("%s-%d", appName, time.Now().Unix())

	var diagDB *database.DiagnosticsDB
	var jrnl *journal.Journal
	if cfg.Database.DBName != "" {
		diagDB, err = database.OpenDiagnosticsDB(cfg.Database.DBName)
		if err != nil {
			logger.Fatalf("failed to open diagnostics database: %v", err)
		}
		defer diagDB.Close()
		jrnl = journal.New(diagDB, sessionID)
		defer jrnl.Close()
	}

	if *dumpJournal {
		if diagDB == nil {
			logger.Fatal("--dump-journal requires database.db_name to be set in configuration")
		}
		entries, err := journal.Query(diagDB, sessionID)
		if err != nil {
			logger.Fatalf("failed to query journal: %v", err)
		}
		for _, e := range entries {
			fmt.Printf("%s\t%s\t%s\t%d\t%s\n", e.Timestamp.Format(time.RFC3339), e.SessionID, e.Kind, e.Identifier, e.Detail)
		}
		return
	}

	var bridge *eventbridge.AMQPBridge
	if len(cfg.RabbitMQ.Exchanges) > 0 {
		connURL := fmt.Sprintf("amqp://%s:%s@%s:%d%s",
			cfg.RabbitMQ.Username, cfg.RabbitMQ.Password, cfg.RabbitMQ.Host, cfg.RabbitMQ.Port, cfg.RabbitMQ.VirtualHost)
		conn, err := amqp.Dial(connURL)
		if err != nil {
			logger.Fatalf("failed to connect to RabbitMQ: %v", err)
		}
		defer conn.Close()
		bridge, err = eventbridge.NewAMQPBridge(conn, cfg.RabbitMQ.Exchanges[0].Name)
		if err != nil {
			logger.Fatalf("failed to set up event bridge: %v", err)
		}
		defer bridge.Close()
	}

	ep, err := endpoint.New(cfg.Endpoint.BaseURL, cfg.Endpoint.UserAgent)
	if err != nil {
		logger.Fatalf("invalid endpoint configuration: %v", err)
	}

	tokenDir := os.Getenv(tokenDirEnvVar)
	if tokenDir == "" {
		tokenDir = "./data/tokens"
	}
	tokenProvider, err := tokenstore.NewCachedProvider(staticToken(os.Getenv(tokenEnvVar)), tokenDir, os.Getenv(passphraseEnvVar))
	if err != nil {
		logger.Fatalf("failed to set up token provider: %v", err)
	}

	opts := []session.Option{
		session.WithLogger(logger),
	}
	if jrnl != nil {
		opts = append(opts, session.WithJournal(jrnl))
	}
	if cfg.Reconnect.BaseDelaySeconds > 0 || cfg.Reconnect.MaxDelaySeconds > 0 {
		opts = append(opts, session.WithBackoff(
			time.Duration(cfg.Reconnect.BaseDelaySeconds)*time.Second,
			time.Duration(cfg.Reconnect.MaxDelaySeconds)*time.Second,
		))
	}

	dialer := transport.NewWebSocketDialer().WithLogger(logger)
	sess, err := session.New(ep, dialer, tokenProvider, opts...)
	if err != nil {
		logger.Fatalf("failed to construct session: %v", err)
	}
	defer sess.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sess.Connect(ctx); err != nil {
		logger.Fatalf("initial connect failed: %v", err)
	}

	go watchPhases(ctx, sess, logger)

	cancelSub := sess.Subscribe(
		controller.Request{Kind: "subscribe_events", Payload: map[string]interface{}{"event_type": "state_changed"}, ShouldRetry: true},
		func(event json.RawMessage) {
			logger.Infof("state_changed event: %s", event)
			if bridge != nil {
				publishCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				if err := bridge.Publish(publishCtx, eventbridge.Envelope{SubscriptionKind: "state_changed", Event: event}); err != nil {
					logger.Warnf("failed to publish event to bridge: %v", err)
				}
				cancel()
			}
		},
		func(result protocol.Result) {
			if result.Err != nil {
				logger.Warnf("subscription ended: %v", result.Err)
			}
		},
	)
	defer cancelSub()

	handle := sess.Send(controller.Request{Kind: "get_states", Payload: map[string]interface{}{}, ShouldRetry: false})
	select {
	case result := <-handle.Done:
		if result.Err != nil {
			logger.Warnf("get_states failed: %v", result.Err)
		} else {
			logger.Infof("get_states returned %d bytes", len(result.Data))
		}
	case <-ctx.Done():
	}

	<-ctx.Done()
	logger.Info("shutdown signal received, disconnecting")
	sess.Disconnect(true)
}

func watchPhases(ctx context.Context, sess *session.Session, logger *logrus.Entry) {
	for phase := range sess.StateStream(ctx) {
		logger.Infof("phase transition: %s", phase.String())
	}
}
