// Gray Link Agent - Cellular IoT Device Agent
//
// This is the main entry point for the Gray Link agent. The agent keeps a
// field device connected to AWS IoT Core over either a SIM7600 cellular
// modem or the host network, synchronizes the device shadow, and reports
// telemetry on a fixed cadence. It is designed for:
//   - Unattended field deployment (infinite retry, never exits on faults)
//   - Mutual-TLS device identity
//   - Offline buffering of telemetry across outages
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nerrad567/gray-link-agent/internal/agent"
	"github.com/nerrad567/gray-link-agent/internal/bearer"
	"github.com/nerrad567/gray-link-agent/internal/certstore"
	"github.com/nerrad567/gray-link-agent/internal/infrastructure/config"
	"github.com/nerrad567/gray-link-agent/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-link-agent/internal/infrastructure/logging"
	"github.com/nerrad567/gray-link-agent/internal/modem"
	"github.com/nerrad567/gray-link-agent/internal/session"
	"github.com/nerrad567/gray-link-agent/internal/shadow"
	"github.com/nerrad567/gray-link-agent/internal/spool"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Gray Link agent",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Resolve device identity
	thingName, mac, err := resolveIdentity(cfg)
	if err != nil {
		return fmt.Errorf("resolving device identity: %w", err)
	}
	log.Info("device identity resolved", "thing_name", thingName, "mac", mac)
	topics := session.NewTopics(thingName)

	// Load the mutual-TLS credential set
	certs, err := certstore.Load(
		cfg.Certificates.RootCA,
		cfg.Certificates.ClientCert,
		cfg.Certificates.ClientKey,
	)
	if err != nil {
		return fmt.Errorf("loading certificates: %w", err)
	}
	log.Info("certificates loaded")

	// Build the bearer and session for the configured mode
	var (
		br   bearer.Bearer
		sess session.Session
	)
	switch cfg.Bearer.Mode {
	case "cellular":
		port, portErr := modem.OpenPort(modem.PortConfig{
			Device:   cfg.Modem.Port,
			BaudRate: cfg.Modem.BaudRate,
		})
		if portErr != nil {
			return fmt.Errorf("opening modem port: %w", portErr)
		}
		transport := modem.NewTransport(port, log)
		defer func() {
			log.Info("closing modem transport")
			if closeErr := transport.Close(); closeErr != nil {
				log.Error("error closing modem transport", "error", closeErr)
			}
		}()
		log.Info("modem transport ready",
			"port", cfg.Modem.Port,
			"baud_rate", cfg.Modem.BaudRate,
		)

		br = bearer.NewCellular(transport, cfg.Modem.APN, cfg.GetCommandTimeout(), log)

		caName, certName, keyName := certstore.FileNames(
			cfg.Certificates.RootCA,
			cfg.Certificates.ClientCert,
			cfg.Certificates.ClientKey,
		)
		cellSess := session.NewCellular(transport, session.CellularConfig{
			Endpoint:       cfg.Cloud.Endpoint,
			Port:           cfg.Cloud.Port,
			ClientID:       thingName,
			KeepAlive:      cfg.Cloud.KeepAlive,
			QoS:            cfg.Cloud.QoS,
			CommandTimeout: cfg.GetCommandTimeout(),
			Topics:         topics,
			Certs:          certs,
			CACertName:     caName,
			ClientCertName: certName,
			ClientKeyName:  keyName,
		}, log)
		transport.SetEventHandler(func(ev modem.Event) {
			cellSess.HandleLine(ev.Line)
		})
		sess = cellSess

	case "hostnet":
		tlsCfg, tlsErr := certs.TLSConfig()
		if tlsErr != nil {
			return fmt.Errorf("building TLS config: %w", tlsErr)
		}
		br = bearer.NewHostNet(cfg.Cloud.Endpoint, log)
		sess = session.NewPaho(session.PahoConfig{
			Endpoint:  cfg.Cloud.Endpoint,
			Port:      cfg.Cloud.Port,
			ClientID:  thingName,
			KeepAlive: cfg.Cloud.KeepAlive,
			QoS:       cfg.Cloud.QoS,
			Topics:    topics,
			TLS:       tlsCfg,
		}, log)

	default:
		return fmt.Errorf("unknown bearer mode %q", cfg.Bearer.Mode)
	}
	defer func() {
		log.Info("closing session")
		if closeErr := sess.Close(); closeErr != nil {
			log.Error("error closing session", "error", closeErr)
		}
	}()

	// Relay and sensor abstractions
	relay := &agent.MemoryRelay{}
	sampler := agent.NewSampler(relay,
		agent.NewSimulatedInputs(time.Now().UnixNano()),
		agent.NewSimulatedEnvironment(time.Now().UnixNano()),
	)

	// Shadow synchronizer, driving the relay from cloud deltas
	syn, err := shadow.New(sess, topics, thingName, mac, relay.Set, log)
	if err != nil {
		return fmt.Errorf("creating shadow synchronizer: %w", err)
	}
	sess.SetHandler(syn.HandleMessage)

	// Offline telemetry spool (optional)
	var messageSpool agent.MessageSpool
	if cfg.Spool.Enabled {
		sp, spoolErr := spool.Open(spool.Config{
			Path:        cfg.Spool.Path,
			WALMode:     cfg.Spool.WALMode,
			BusyTimeout: cfg.Spool.BusyTimeout,
			MaxEntries:  cfg.Spool.MaxEntries,
		}, log)
		if spoolErr != nil {
			return fmt.Errorf("opening telemetry spool: %w", spoolErr)
		}
		defer func() {
			log.Info("closing telemetry spool")
			if closeErr := sp.Close(); closeErr != nil {
				log.Error("error closing spool", "error", closeErr)
			}
		}()
		log.Info("telemetry spool ready", "path", cfg.Spool.Path)
		messageSpool = sp
	}

	// Local telemetry mirror (optional)
	var mirror agent.TelemetryMirror
	if cfg.InfluxDB.Enabled {
		influxClient, influxErr := influxdb.Connect(cfg.InfluxDB)
		if influxErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", influxErr)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Warn("InfluxDB async write failed", "error", err)
		})
		log.Info("InfluxDB mirror connected", "url", cfg.InfluxDB.URL)
		mirror = &influxMirror{client: influxClient}
	}

	// Supervisory loop
	a := agent.New(agent.Options{
		Bearer:            br,
		Session:           sess,
		Shadow:            syn,
		Sampler:           sampler,
		Topics:            topics,
		ThingName:         thingName,
		MACAddress:        mac,
		ShadowInterval:    cfg.GetShadowInterval(),
		TelemetryInterval: cfg.GetTelemetryInterval(),
		RetryBackoff:      cfg.GetRetryBackoff(),
		Spool:             messageSpool,
		Mirror:            mirror,
		Logger:            log,
	})

	log.Info("agent running", "bearer_mode", cfg.Bearer.Mode, "endpoint", cfg.Cloud.Endpoint)
	err = a.Run(ctx)

	log.Info("shutting down")
	return err
}

// influxMirror adapts the InfluxDB client to the agent's mirror interface.
type influxMirror struct {
	client *influxdb.Client
}

func (m *influxMirror) Record(deviceID string, r agent.Reading) {
	m.client.WriteTelemetry(deviceID,
		r.SignalStrength, r.RelayOutput,
		r.Temperature, r.Humidity,
		r.Heartbeat, r.DigitalInputs,
		time.Unix(r.Timestamp, 0))
}

// resolveIdentity determines the thing name and MAC address. Explicit
// configuration wins; otherwise the MAC of the first hardware interface
// seeds the derived name.
func resolveIdentity(cfg *config.Config) (thingName, mac string, err error) {
	mac = cfg.Device.MACAddress
	if mac == "" {
		mac, err = firstHardwareMAC()
		if err != nil {
			return "", "", err
		}
	}

	thingName = cfg.Device.ThingName
	if thingName == "" {
		thingName = session.ThingNameFromMAC(mac)
	}
	return thingName, mac, nil
}

// firstHardwareMAC returns the MAC of the first non-loopback interface
// that has one.
func firstHardwareMAC() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("listing interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		return strings.ToUpper(iface.HardwareAddr.String()), nil
	}
	return "", fmt.Errorf("no interface with a hardware address")
}

// getConfigPath returns the configuration file path from the command line
// or the default.
func getConfigPath() string {
	if len(os.Args) > 1 {
		return os.Args[1]
	}
	return defaultConfigPath
}
