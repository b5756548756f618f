package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/krdev/pop3sclient/config"
	"github.com/krdev/pop3sclient/helpers"
	"github.com/krdev/pop3sclient/logger"
	"github.com/krdev/pop3sclient/pkg/metrics"
	"github.com/krdev/pop3sclient/pop3"
	"github.com/krdev/pop3sclient/store"
)

func main() {
	// Initialize with application defaults
	cfg := config.NewDefaultConfig()

	// --- Define Command-Line Flags ---
	// These flags will override values from the config file if set.
	// Their default values are set from the initial `cfg` for consistent -help messages.

	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	fList := flag.Bool("list", false, "List mailbox contents and exit without fetching")

	// Server flags
	fHost := flag.String("server", cfg.Server.Host, "POP3 server host (overrides config)")
	fPort := flag.Int("port", cfg.Server.Port, "POP3 server port (overrides config)")
	fUsername := flag.String("username", cfg.Server.Username, "Mailbox username (overrides config)")
	fPassword := flag.String("password", cfg.Server.Password, "Mailbox password (overrides config)")
	fAuth := flag.String("auth", cfg.Server.Auth, "Authentication method: 'userpass', 'apop' or 'plain' (overrides config)")
	fTLSVerify := flag.Bool("tlsverify", cfg.Server.TLSVerify, "Verify the server TLS certificate (overrides config)")
	fPlaintext := flag.Bool("plaintext", cfg.Server.Plaintext, "Connect without TLS; only for local test servers (overrides config)")
	fConnectTimeout := flag.String("connecttimeout", cfg.Server.ConnectTimeout, "Dial and greeting deadline (overrides config)")
	fInactivityTimeout := flag.String("inactivitytimeout", cfg.Server.InactivityTimeout, "Idle watchdog window, '0' disables (overrides config)")
	fDebug := flag.Bool("debug", cfg.Server.Debug, "Print all commands and responses (overrides config)")

	// Fetch flags
	fStoreDir := flag.String("storedir", cfg.Fetch.StoreDir, "Local message store directory (overrides config)")
	fDelete := flag.Bool("delete", cfg.Fetch.Delete, "Delete messages from the server after fetching (overrides config)")
	fPollInterval := flag.String("pollinterval", cfg.Fetch.PollInterval, "Fetch repeatedly at this interval; empty fetches once (overrides config)")
	fMaxMessageSize := flag.Int64("maxmessagesize", cfg.Fetch.MaxMessageSize, "Skip messages larger than this many bytes; 0 is unlimited (overrides config)")
	fPreview := flag.Bool("preview", cfg.Fetch.Preview, "Print a text preview of each fetched message (overrides config)")

	// Logging flags
	fLogOutput := flag.String("logoutput", cfg.Logging.Output, "Log output: 'stderr', 'stdout' or a file path (overrides config)")
	fLogFormat := flag.String("logformat", cfg.Logging.Format, "Log format: 'json' or 'console' (overrides config)")
	fLogLevel := flag.String("loglevel", cfg.Logging.Level, "Log level: 'debug', 'info', 'warn' or 'error' (overrides config)")

	// Metrics flags
	fMetrics := flag.Bool("metrics", cfg.Metrics.Enabled, "Serve Prometheus metrics (overrides config)")
	fMetricsAddr := flag.String("metricsaddr", cfg.Metrics.Addr, "Metrics listen address (overrides config)")

	flag.Parse()

	// --- Load Configuration from TOML File ---
	// Values from the TOML file override the application defaults and are
	// themselves overridden by explicitly set command-line flags below.
	loaded, err := config.Load(*configPath, isFlagSet("config"))
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	cfg = loaded

	// --- Apply Command-Line Flag Overrides ---
	if isFlagSet("server") {
		cfg.Server.Host = *fHost
	}
	if isFlagSet("port") {
		cfg.Server.Port = *fPort
	}
	if isFlagSet("username") {
		cfg.Server.Username = *fUsername
	}
	if isFlagSet("password") {
		cfg.Server.Password = *fPassword
	}
	if isFlagSet("auth") {
		cfg.Server.Auth = *fAuth
	}
	if isFlagSet("tlsverify") {
		cfg.Server.TLSVerify = *fTLSVerify
	}
	if isFlagSet("plaintext") {
		cfg.Server.Plaintext = *fPlaintext
	}
	if isFlagSet("connecttimeout") {
		cfg.Server.ConnectTimeout = *fConnectTimeout
	}
	if isFlagSet("inactivitytimeout") {
		cfg.Server.InactivityTimeout = *fInactivityTimeout
	}
	if isFlagSet("debug") {
		cfg.Server.Debug = *fDebug
	}
	if isFlagSet("storedir") {
		cfg.Fetch.StoreDir = *fStoreDir
	}
	if isFlagSet("delete") {
		cfg.Fetch.Delete = *fDelete
	}
	if isFlagSet("pollinterval") {
		cfg.Fetch.PollInterval = *fPollInterval
	}
	if isFlagSet("maxmessagesize") {
		cfg.Fetch.MaxMessageSize = *fMaxMessageSize
	}
	if isFlagSet("preview") {
		cfg.Fetch.Preview = *fPreview
	}
	if isFlagSet("logoutput") {
		cfg.Logging.Output = *fLogOutput
	}
	if isFlagSet("logformat") {
		cfg.Logging.Format = *fLogFormat
	}
	if isFlagSet("loglevel") {
		cfg.Logging.Level = *fLogLevel
	}
	if isFlagSet("metrics") {
		cfg.Metrics.Enabled = *fMetrics
	}
	if isFlagSet("metricsaddr") {
		cfg.Metrics.Addr = *fMetricsAddr
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle SIGINT and SIGTERM for graceful shutdown
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Info("Received signal, shutting down...", "signal", sig.String())
		cancel()
	}()

	errChan := make(chan error, 1)

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr); err != nil {
				errChan <- err
			}
		}()
	}

	st, err := store.Open(cfg.Fetch.StoreDir)
	if err != nil {
		logger.Fatal("Failed to open message store", "dir", cfg.Fetch.StoreDir, "error", err)
	}
	defer st.Close()

	client := pop3.NewClient(pop3.ClientOptions{
		TLSConfig: tlsClientConfig(&cfg),
		Plaintext: cfg.Server.Plaintext,
		Debug:     cfg.Server.Debug,
	})

	if *fList {
		go func() {
			errChan <- listOnce(ctx, &cfg, client, st)
		}()
	} else {
		go func() {
			errChan <- runFetchLoop(ctx, &cfg, client, st)
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutting down popget...")
	case err := <-errChan:
		if err != nil {
			logger.Fatal("popget failed", "error", err)
		}
	}
}

// runFetchLoop executes fetch cycles until ctx is cancelled. A zero
// poll interval runs a single cycle and returns its outcome; with an
// interval set, cycle failures are logged and the next tick retries.
func runFetchLoop(ctx context.Context, cfg *config.Config, client *pop3.Client, st *store.Store) error {
	interval, err := cfg.Fetch.GetPollInterval()
	if err != nil {
		return err
	}

	if err := fetchOnce(ctx, cfg, client, st); err != nil {
		if interval == 0 {
			return err
		}
		logger.Error("Fetch cycle failed", "error", err)
	}
	if interval == 0 {
		return nil
	}

	logger.Info("Polling mailbox", "interval", interval.String())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := fetchOnce(ctx, cfg, client, st); err != nil {
				logger.Error("Fetch cycle failed", "error", err)
			}
		}
	}
}

// fetchOnce downloads every message whose UIDL the store has not seen
// and ends the session with QUIT.
func fetchOnce(ctx context.Context, cfg *config.Config, client *pop3.Client, st *store.Store) error {
	session, err := dialAndLogin(ctx, cfg, client)
	if err != nil {
		return err
	}
	defer hangup(ctx, session)

	stat, err := session.Stat(ctx)
	if err != nil {
		return err
	}
	logger.Info("Mailbox open", "messages", stat.Count, "octets", stat.Size)

	uidls, err := session.UidlAll(ctx)
	if err != nil {
		return err
	}

	var fetched, skipped int
	for _, listing := range uidls {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		seen, err := st.Seen(listing.UID)
		if err != nil {
			return err
		}
		if seen {
			skipped++
			continue
		}
		if err := fetchMessage(ctx, cfg, session, st, listing); err != nil {
			metrics.MessagesFetched.WithLabelValues("failure").Inc()
			// A per-message -ERR leaves the session usable; anything
			// else means the connection is gone.
			var srvErr *pop3.ServerError
			if !errors.As(err, &srvErr) {
				return fmt.Errorf("fetching message %d: %w", listing.Number, err)
			}
			logger.Error("Server refused message", "number", listing.Number, "uidl", listing.UID, "error", err)
			continue
		}
		fetched++
	}

	if err := session.Quit(ctx); err != nil {
		return fmt.Errorf("closing session: %w", err)
	}
	logger.Info("Fetch cycle complete", "fetched", fetched, "skipped", skipped)
	return nil
}

// fetchMessage downloads one message into the store and optionally
// previews and deletes it.
func fetchMessage(ctx context.Context, cfg *config.Config, session *pop3.Session, st *store.Store, listing pop3.UIDListing) error {
	if cfg.Fetch.MaxMessageSize > 0 {
		scan, err := session.List(ctx, listing.Number)
		if err != nil {
			return err
		}
		if scan.Size > cfg.Fetch.MaxMessageSize {
			logger.Warn("Skipping oversized message", "number", listing.Number, "octets", scan.Size, "limit", cfg.Fetch.MaxMessageSize)
			metrics.MessagesFetched.WithLabelValues("skipped").Inc()
			return nil
		}
	}

	data, err := session.Retr(ctx, listing.Number)
	if err != nil {
		return err
	}

	contentHash, err := st.MarkFetched(listing.UID, data)
	if err != nil {
		return fmt.Errorf("storing message %d: %w", listing.Number, err)
	}
	metrics.MessagesFetched.WithLabelValues("success").Inc()
	metrics.MessageSizeBytes.Observe(float64(len(data)))
	logger.Info("Fetched message", "number", listing.Number, "uidl", listing.UID, "octets", len(data), "hash", contentHash)

	if cfg.Fetch.Preview {
		printPreview(listing, data, cfg.Fetch.GetPreviewLength())
	}

	if cfg.Fetch.Delete {
		if err := session.Dele(ctx, listing.Number); err != nil {
			return err
		}
		logger.Debug("Marked message for deletion", "number", listing.Number)
	}
	return nil
}

// listOnce prints the drop listing, marking messages the store already
// holds, and exits without fetching anything.
func listOnce(ctx context.Context, cfg *config.Config, client *pop3.Client, st *store.Store) error {
	session, err := dialAndLogin(ctx, cfg, client)
	if err != nil {
		return err
	}
	defer hangup(ctx, session)

	stat, err := session.Stat(ctx)
	if err != nil {
		return err
	}
	scans, err := session.ListAll(ctx)
	if err != nil {
		return err
	}
	uidls, err := session.UidlAll(ctx)
	if err != nil {
		return err
	}
	uidByNumber := make(map[int]string, len(uidls))
	for _, u := range uidls {
		uidByNumber[u.Number] = u.UID
	}

	fmt.Printf("Mailbox: %d messages, %d octets\n", stat.Count, stat.Size)
	for _, scan := range scans {
		uid := uidByNumber[scan.Number]
		seen, err := st.Seen(uid)
		if err != nil {
			return err
		}
		marker := " "
		if seen {
			marker = "*"
		}
		fmt.Printf("%5d  %10d  %s  %s\n", scan.Number, scan.Size, marker, uid)
	}
	return session.Quit(ctx)
}

// dialAndLogin establishes an authenticated session.
func dialAndLogin(ctx context.Context, cfg *config.Config, client *pop3.Client) (*pop3.Session, error) {
	connectTimeout, err := cfg.Server.GetConnectTimeout()
	if err != nil {
		return nil, err
	}
	inactivityTimeout, err := cfg.Server.GetInactivityTimeout()
	if err != nil {
		return nil, err
	}

	session, err := client.Dial(ctx, cfg.Server.Host, cfg.Server.Port, connectTimeout, inactivityTimeout)
	if err != nil {
		return nil, fmt.Errorf("dialing %s:%d: %w", cfg.Server.Host, cfg.Server.Port, err)
	}
	if err := authenticate(ctx, cfg, session); err != nil {
		hangup(ctx, session)
		return nil, fmt.Errorf("authenticating as %s: %w", cfg.Server.Username, err)
	}
	return session, nil
}

// authenticate runs the configured authentication exchange.
func authenticate(ctx context.Context, cfg *config.Config, session *pop3.Session) error {
	switch cfg.Server.Auth {
	case config.AuthAPOP:
		return session.LoginAPOP(ctx, cfg.Server.Username, cfg.Server.Password)
	case config.AuthPlain:
		return session.AuthPlain(ctx, cfg.Server.Username, cfg.Server.Password)
	default:
		return session.Login(ctx, cfg.Server.Username, cfg.Server.Password)
	}
}

// hangup closes the session unless it is already gone. A clean QUIT
// leaves nothing to do.
func hangup(ctx context.Context, session *pop3.Session) {
	if session.State() == pop3.StateUninitialized {
		return
	}
	if fut, err := session.Disconnect(); err == nil {
		fut.Await(ctx)
	}
}

// tlsClientConfig returns nil for default verification; the transport
// fills in the server name from the dial address.
func tlsClientConfig(cfg *config.Config) *tls.Config {
	if cfg.Server.TLSVerify {
		return nil
	}
	logger.Warn("TLS certificate verification is disabled")
	return &tls.Config{InsecureSkipVerify: true}
}

// printPreview writes a short summary of a fetched message to stdout.
func printPreview(listing pop3.UIDListing, data []byte, maxLen int) {
	entity, err := pop3.ParseMessage(bytes.NewReader(data))
	if err != nil || entity == nil {
		logger.Warn("Message preview unavailable", "uidl", listing.UID, "error", err)
		return
	}
	from := entity.Header.Get("From")
	subject := entity.Header.Get("Subject")
	preview, err := helpers.PreviewText(entity, maxLen)
	if err != nil {
		logger.Warn("Message preview unavailable", "uidl", listing.UID, "error", err)
		return
	}
	fmt.Printf("%4d  From: %s\n      Subject: %s\n      %s\n", listing.Number, from, subject, preview)
}

// Helper function to check if a flag was explicitly set on the command line
func isFlagSet(name string) bool {
	isSet := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			isSet = true
		}
	})
	return isSet
}
