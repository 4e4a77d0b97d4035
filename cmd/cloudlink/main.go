package main

import (
	"context"
	"crypto/tls"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	jwt "github.com/dgrijalva/jwt-go"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/skyfleet/cloudlink/internal/authority"
	"github.com/skyfleet/cloudlink/internal/config"
	"github.com/skyfleet/cloudlink/internal/dispatch"
	"github.com/skyfleet/cloudlink/internal/presence"
	"github.com/skyfleet/cloudlink/internal/statestore"
	"github.com/skyfleet/cloudlink/internal/storage"
	"github.com/skyfleet/cloudlink/internal/telemetry"
	"github.com/skyfleet/cloudlink/internal/wayline"
)

var (
	defaultFlagSet = flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	configPath     = defaultFlagSet.String("config", "/etc/cloudlink/cloudlink.yaml", "Path to the configuration file")
	brokerAddress  = defaultFlagSet.String("mqtt_broker", "", "MQTT broker protocol, address and port")
	clientID       = defaultFlagSet.String("client_id", "", "MQTT client id")
	privateKeyPath = defaultFlagSet.String("private_key", "", "The private key for the MQTT authentication")
	mysqlDSN       = defaultFlagSet.String("mysql_dsn", "", "MySQL connection string for durable records")
)

var log = logrus.WithField("component", "main")

func main() {
	defaultFlagSet.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Configuration: %v", err)
	}
	// Flags beat the file.
	if *brokerAddress != "" {
		cfg.MQTT.Broker = *brokerAddress
	}
	if *clientID != "" {
		cfg.MQTT.ClientID = *clientID
	}
	if *privateKeyPath != "" {
		cfg.MQTT.PrivateKeyPath = *privateKeyPath
	}
	if *mysqlDSN != "" {
		cfg.Storage.MySQLDSN = *mysqlDSN
	}
	if cfg.Storage.MySQLDSN == "" {
		log.Fatal("No MySQL DSN configured")
	}

	// attach sigint & sigterm listeners
	terminationSignals := make(chan os.Signal, 1)
	signal.Notify(terminationSignals, syscall.SIGINT, syscall.SIGTERM)

	// quitFunc will be called when process is terminated
	ctx, quitFunc := context.WithCancel(context.Background())

	// wait group will make sure all goroutines have time to clean up
	var wg sync.WaitGroup

	repo, err := storage.NewMySQLRepository(cfg.Storage.MySQLDSN)
	if err != nil {
		log.Fatalf("Storage: %v", err)
	}
	defer repo.Close()

	state := statestore.NewMemoryStore()
	defer state.Close()

	mqttClient := newMQTTClient(cfg.MQTT)
	defer mqttClient.Disconnect(1000)

	dispatcher := dispatch.New(mqttClient)
	defer dispatcher.Close()
	arbiter := authority.NewArbiter(authority.NewLogNotifier())
	registry := presence.NewRegistry(state, repo, presence.NewStaticCatalog(), dispatcher, arbiter)
	jobs := wayline.NewStore(repo, state)
	publisher := wayline.NewPublisher(dispatcher, registry, repo, jobs, state)
	scheduler := wayline.NewScheduler(state, jobs, publisher)
	scheduler.SetCadence(cfg.Scheduler.Cadence)
	scheduler.SetWindows(cfg.Scheduler.Grace, cfg.Scheduler.Lead, cfg.Scheduler.BlockDuration)
	events := wayline.NewEvents(jobs, publisher, repo, dispatcher)

	registry.RegisterHandlers(ctx, dispatcher)
	telemetry.New(state, registry, arbiter).Register(dispatcher)
	events.Register(ctx, dispatcher)

	if err := dispatcher.SubscribeAnnouncements(); err != nil {
		log.Fatalf("Announcement subscription: %v", err)
	}

	scheduler.Run(ctx, &wg)
	startMetrics(ctx, &wg, cfg.Metrics.Listen)

	// wait for termination and close quit to signal all
	<-terminationSignals
	log.Info("Shutting down..")
	quitFunc()

	// wait until goroutines have done their cleanup
	log.Info("Waiting for routines to finish..")
	wg.Wait()
	log.Info("Signing off - BYE")
}

// jwtCredentials builds the paho credentials provider when a private key is
// configured. The password is a fresh JWT on every (re)connect, so a
// long-lived process survives token expiry. No key path means no provider:
// the broker is expected to accept anonymous clients (local setups).
func jwtCredentials(cfg config.MQTTConfig) (mqtt.CredentialsProvider, error) {
	if cfg.PrivateKeyPath == "" {
		return nil, nil
	}

	keyData, err := os.ReadFile(cfg.PrivateKeyPath)
	if err != nil {
		return nil, errors.Wrap(err, "read private key")
	}

	var key interface{}
	switch cfg.Algorithm {
	case "RS256":
		key, err = jwt.ParseRSAPrivateKeyFromPEM(keyData)
	case "ES256":
		key, err = jwt.ParseECPrivateKeyFromPEM(keyData)
	default:
		return nil, errors.Errorf("unknown algorithm: %s", cfg.Algorithm)
	}
	if err != nil {
		return nil, errors.Wrap(err, "parse private key")
	}

	return func() (string, string) {
		t := time.Now()
		token := jwt.NewWithClaims(jwt.GetSigningMethod(cfg.Algorithm), &jwt.StandardClaims{
			IssuedAt:  t.Unix(),
			ExpiresAt: t.Add(cfg.TokenLifetime).Unix(),
			Audience:  cfg.Audience,
		})
		pass, err := token.SignedString(key)
		if err != nil {
			log.Fatalf("Could not sign token: %v", err)
		}
		return "unused", pass
	}, nil
}

func newMQTTClient(cfg config.MQTTConfig) mqtt.Client {
	log.Infof("Broker address: %v", cfg.Broker)
	log.Infof("Client ID: %v", cfg.ClientID)

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}).
		SetAutoReconnect(true).
		SetProtocolVersion(4) // MQTT 3.1.1

	credentials, err := jwtCredentials(cfg)
	if err != nil {
		log.Fatalf("Broker credentials: %v", err)
	}
	if credentials != nil {
		opts.SetCredentialsProvider(credentials)
	}

	client := mqtt.NewClient(opts)

	for {
		// retry for ever
		log.Info("Connecting MQTT...")
		tok := client.Connect()
		if !tok.WaitTimeout(time.Second * 5) {
			log.Warn("Connection timeout")
			continue
		}
		if err := tok.Error(); err != nil {
			log.Warnf("Connection failed: %v", err)
			time.Sleep(time.Second * 5)
			continue
		}
		log.Info("..Connected")
		break
	}

	return client
}

func startMetrics(ctx context.Context, wg *sync.WaitGroup, listen string) {
	server := &http.Server{Addr: listen, Handler: promhttp.Handler()}

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Infof("Metrics on %s", listen)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.Warnf("Metrics listener: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()
}
