package cli

// -----------------------------------------------------------------------------
// peer.go – fluence peer lifecycle CLI
// -----------------------------------------------------------------------------
// Commands after RegisterPeer(root):
//   peer start   – dial the relay, register the AVM module, start the engine
//   peer stop    – tear the peer down
//   peer info    – print this peer's id and uptime
// -----------------------------------------------------------------------------

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fluence-peer/core"
)

var (
	peerNode      *core.Peer
	peerMu        sync.RWMutex
	peerStartTime time.Time
	peerCancel    context.CancelFunc
)

func peerInit(cmd *cobra.Command, _ []string) error {
	peerMu.RLock()
	existing := peerNode
	peerMu.RUnlock()
	if existing != nil {
		return nil
	}
	_ = godotenv.Load()

	lv, err := logrus.ParseLevel(viper.GetString("logging.level"))
	if err != nil {
		lv = logrus.InfoLevel
	}
	logrus.SetLevel(lv)
	log := logrus.NewEntry(logrus.StandardLogger())

	wasmPath := viper.GetString("avm.wasm_path")
	if wasmPath == "" {
		return fmt.Errorf("avm.wasm_path is not configured")
	}
	wasmBytes, err := os.ReadFile(wasmPath)
	if err != nil {
		return fmt.Errorf("read avm module %q: %w", wasmPath, err)
	}

	kp, err := loadOrCreateKeyPair(viper.GetString("identity.key_path"))
	if err != nil {
		return err
	}

	connCfg := core.ConnectionConfig{
		ListenAddr:             viper.GetString("relay.listen_addr"),
		RelayMultiaddr:         viper.GetString("relay.multiaddr"),
		DialTimeout:            viper.GetDuration("relay.dial_timeout"),
		SkipConnectionCheck:    viper.GetBool("relay.skip_connection_check"),
		CheckConnectionTimeout: viper.GetDuration("relay.check_connection_timeout"),
	}
	conn, err := core.NewLibP2PConnection(connCfg, log)
	if err != nil {
		return err
	}

	cfg := core.DefaultPeerConfig()
	if ttl := viper.GetUint32("particle.default_ttl_ms"); ttl != 0 {
		cfg.DefaultTTLMs = ttl
	}
	cfg.Debug.PrintParticleID = viper.GetBool("debug.print_particle_id")

	p, err := core.NewPeer(conn, wasmBytes, kp, cfg, log)
	if err != nil {
		return err
	}

	peerMu.Lock()
	peerNode = p
	peerMu.Unlock()
	return nil
}

func peerStart(cmd *cobra.Command, _ []string) error {
	peerMu.RLock()
	p := peerNode
	peerMu.RUnlock()
	if p == nil {
		return fmt.Errorf("not initialised")
	}

	ctx, cancel := context.WithCancel(context.Background())
	peerCancel = cancel
	if err := p.Start(ctx); err != nil {
		return err
	}
	peerStartTime = time.Now()

	if viper.GetBool("metrics.enabled") {
		go serveMetrics(p, viper.GetString("metrics.addr"))
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		_ = p.Stop()
		cancel()
		os.Exit(0)
	}()

	fmt.Fprintf(cmd.OutOrStdout(), "peer started: %s\n", p.KeyPair.GetPeerID())
	return nil
}

func peerStop(cmd *cobra.Command, _ []string) error {
	peerMu.RLock()
	p := peerNode
	peerMu.RUnlock()
	if p == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "not running")
		return nil
	}
	if err := p.Stop(); err != nil {
		return err
	}
	if peerCancel != nil {
		peerCancel()
	}
	peerMu.Lock()
	peerNode = nil
	peerMu.Unlock()
	fmt.Fprintln(cmd.OutOrStdout(), "stopped")
	return nil
}

func peerInfo(cmd *cobra.Command, _ []string) error {
	peerMu.RLock()
	p := peerNode
	peerMu.RUnlock()
	if p == nil {
		return fmt.Errorf("not running")
	}
	fmt.Fprintf(cmd.OutOrStdout(), "peer id:   %s\n", p.KeyPair.GetPeerID())
	fmt.Fprintf(cmd.OutOrStdout(), "uptime:    %s\n", time.Since(peerStartTime).Round(time.Second))
	return nil
}

var peerRootCmd = &cobra.Command{Use: "peer", Short: "Peer lifecycle", PersistentPreRunE: peerInit}

var peerStartCmd = &cobra.Command{Use: "start", Short: "Start the peer", Args: cobra.NoArgs, RunE: peerStart}
var peerStopCmd = &cobra.Command{Use: "stop", Short: "Stop the peer", Args: cobra.NoArgs, RunE: peerStop}
var peerInfoCmd = &cobra.Command{Use: "info", Short: "Show peer identity and status", Args: cobra.NoArgs, RunE: peerInfo}

func init() { peerRootCmd.AddCommand(peerStartCmd, peerStopCmd, peerInfoCmd) }

// PeerCmd exposes peer lifecycle commands.
var PeerCmd = peerRootCmd

// RegisterPeer adds the peer lifecycle commands to the root CLI.
func RegisterPeer(root *cobra.Command) { root.AddCommand(PeerCmd) }
