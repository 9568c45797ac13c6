package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aeolun/minichat/pkg/server"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

type serverFlags struct {
	configPath        string
	tcpPort           int
	sshPort           int
	httpPort          int
	debug             bool
	requireEncryption bool
}

func main() {
	// Configure logger with microsecond precision
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var flags serverFlags

	cmd := &cobra.Command{
		Use:   "minichat-server",
		Short: "Multi-room chat server",
		Long: `minichat-server accepts chat clients over raw TCP, SSH and WebSocket.

Clients claim a nickname, join rooms, talk in them and send direct
messages. Connections may be upgraded to an encrypted channel with a
key-exchange handshake before anything else is sent.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, flags)
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.configPath, "config", server.DefaultConfigPath, "Path to config file")
	f.IntVar(&flags.tcpPort, "tcp-port", 0, "TCP port to listen on (overrides config)")
	f.IntVar(&flags.sshPort, "ssh-port", 0, "SSH port to listen on, -1 disables (overrides config)")
	f.IntVar(&flags.httpPort, "http-port", 0, "HTTP port for WebSocket and status, -1 disables (overrides config)")
	f.BoolVar(&flags.debug, "debug", false, "Enable debug logging")
	f.BoolVar(&flags.requireEncryption, "require-encryption", false, "Reject clients that skip the secure handshake")

	return cmd
}

func run(cmd *cobra.Command, flags serverFlags) error {
	fileConfig, err := server.LoadConfig(flags.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	config, err := fileConfig.Resolve()
	if err != nil {
		return fmt.Errorf("invalid config %s: %w", flags.configPath, err)
	}

	// Command-line flags override config file
	if cmd.Flags().Changed("tcp-port") {
		config.TCPPort = flags.tcpPort
	}
	if cmd.Flags().Changed("ssh-port") {
		config.SSHPort = flags.sshPort
	}
	if cmd.Flags().Changed("http-port") {
		config.HTTPPort = flags.httpPort
	}
	if flags.requireEncryption {
		config.RequireEncryption = true
	}

	if flags.debug {
		server.EnableDebugLogging()
		log.Printf("Debug logging enabled")
	}

	resolvedConfigPath, err := server.ExpandHome(flags.configPath)
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}
	log.Printf("Config: %s (resolved to %s)", flags.configPath, resolvedConfigPath)

	srv := server.NewServer(config, resolvedConfigPath)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	log.Printf("minichat server %s started", Version)
	log.Printf("Available connection methods:")
	log.Printf("  - Binary Protocol (TCP): %s", srv.Addr())
	if addr := srv.SSHAddr(); addr != nil {
		log.Printf("  - SSH: %s (host key %s)", addr, config.SSHHostKeyPath)
	} else {
		log.Printf("  - SSH: disabled (ssh_port=%d)", config.SSHPort)
	}
	if addr := srv.HTTPAddr(); addr != nil {
		log.Printf("  - WebSocket: ws://%s/ws", addr)
		log.Printf("  - Metrics: http://%s/metrics", addr)
	}
	log.Printf("Overflow policy: %s (room capacity %d, mailbox %d)",
		config.OverflowPolicy, config.RoomCapacity, config.MailboxCapacity)
	if config.RequireEncryption {
		log.Printf("Encryption required for all clients")
	}

	// Wait for interrupt signal
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Println("Shutting down server...")
	if err := srv.Stop(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
	log.Println("Server stopped")
	return nil
}
