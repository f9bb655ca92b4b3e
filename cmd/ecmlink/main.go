package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.bug.st/serial"

	"github.com/ecmlink/ecmlink/internal/dict"
	"github.com/ecmlink/ecmlink/internal/ecm"
	"github.com/ecmlink/ecmlink/internal/server"
	"github.com/ecmlink/ecmlink/internal/sim"
	"github.com/ecmlink/ecmlink/web"
)

// simVersion is the module the demo mode impersonates.
const simVersion = "BUEIB310 12-11-03"

func main() {
	configPath := flag.String("config", "/etc/ecmlink/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run against a simulated module")
	port := flag.String("port", "", "Override serial port (e.g. /dev/rfcomm0)")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	info := flag.Bool("info", false, "Print module info and exit")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] ecmlink starting")

	cfg := server.LoadConfig(*configPath)
	if *demo {
		cfg.Serial.Demo = true
	}
	if *port != "" {
		cfg.Serial.Port = *port
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	registry, err := dict.NewRegistry()
	if err != nil {
		log.Fatalf("[main] loading dictionaries: %v", err)
	}
	session := ecm.NewSession(registry)

	if err := connectWithRetry(ctx, session, cfg); err != nil {
		log.Fatalf("[main] %v", err)
	}
	defer session.Disconnect()

	if *info {
		if err := printInfo(session); err != nil {
			log.Fatalf("[main] %v", err)
		}
		return
	}

	if !session.IsIdentified() {
		log.Fatalf("[main] module %q is not in the dictionary, cannot serve", session.Version())
	}
	// Page 0 carries the manufacturing data the info endpoints report.
	if page, err := session.EEPROM().Page(0); err == nil {
		if err := session.ReadEEPROMPage(page); err != nil {
			log.Printf("[main] reading page 0: %v", err)
		}
	}

	srv, err := server.New(cfg, session, web.FS)
	if err != nil {
		log.Fatalf("[main] %v", err)
	}
	if err := srv.Run(ctx); err != nil {
		log.Printf("[main] server exited: %v", err)
	}
}

// openStream opens the configured diagnostic link: a simulated module
// in demo mode, the serial port otherwise.
func openStream(cfg *server.Config) (io.ReadWriteCloser, error) {
	if cfg.Serial.Demo {
		log.Printf("[main] demo mode, simulating %s", simVersion)
		e, err := sim.New(simVersion)
		if err != nil {
			return nil, err
		}
		return e.Stream(), nil
	}

	mode := &serial.Mode{
		BaudRate: cfg.Serial.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(cfg.Serial.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Serial.Port, err)
	}
	// Short poll timeout so reads return whatever has arrived; the
	// transport layer owns the real timeout budget.
	if err := p.SetReadTimeout(10 * time.Millisecond); err != nil {
		p.Close()
		return nil, fmt.Errorf("set timeout on %s: %w", cfg.Serial.Port, err)
	}
	log.Printf("[main] opened %s at %d baud", cfg.Serial.Port, cfg.Serial.Baud)
	return p, nil
}

// connectWithRetry opens the link and identifies the module with
// exponential backoff. Starts at 1s, doubles up to 60s, gives up after
// maxAttempts.
func connectWithRetry(ctx context.Context, session *ecm.Session, cfg *server.Config) error {
	const maxAttempts = 10
	delay := 1 * time.Second
	maxDelay := 60 * time.Second

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := connectOnce(session, cfg)
		if err == nil {
			log.Printf("[main] connected (attempt %d)", attempt)
			return nil
		}
		if attempt >= maxAttempts {
			return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}
		log.Printf("[main] connect attempt %d/%d failed: %v (retry in %v)",
			attempt, maxAttempts, err, delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func connectOnce(session *ecm.Session, cfg *server.Config) error {
	stream, err := openStream(cfg)
	if err != nil {
		return err
	}
	if err := session.Connect(stream); err != nil {
		stream.Close()
		return err
	}
	version, err := session.GetVersion()
	if err != nil {
		session.Disconnect()
		return fmt.Errorf("identifying module: %w", err)
	}
	log.Printf("[main] module reports %q", version)
	return nil
}

// printInfo dumps the module identity, manufacturing data and stored
// diagnostic codes.
func printInfo(session *ecm.Session) error {
	fmt.Printf("Version:  %s\n", session.Version())
	if !session.IsIdentified() {
		fmt.Println("Identity: unknown module")
		return nil
	}
	e := session.EEPROM()
	fmt.Printf("Identity: %s (%s)\n", e.ID(), e.Type())

	if err := session.ReadEEPROM(); err != nil {
		return fmt.Errorf("reading EEPROM: %w", err)
	}
	fmt.Printf("Serial:   %s\n", session.GetSerialNo())
	fmt.Printf("MfgDate:  %s\n", session.GetMfgDate())

	for _, typ := range []dict.ErrorType{dict.CurrentError, dict.HistoricError} {
		errs, err := session.GetErrors(typ)
		if err != nil {
			return fmt.Errorf("reading %s errors: %w", typ, err)
		}
		fmt.Printf("%s errors: %d\n", typ, len(errs))
		for _, de := range errs {
			fmt.Printf("  %s  %s\n", de.Code, de.Description)
		}
	}
	return nil
}
