package main

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/aeolun/minichat/pkg/client"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		secure   bool
		insecure bool
		room     string
	)

	cmd := &cobra.Command{
		Use:   "minichat <server> <nickname>",
		Short: "Terminal minichat client",
		Long: `minichat connects to a server, claims a nickname and joins a room.

The server may be host:port, tcp://host:port, ssh://[user@]host:port,
ws://host:port or wss://host:port. Type /help once connected.`,
		Args:          cobra.ExactArgs(2),
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client.Dial(args[0], client.Options{
				Secure:                   secure,
				InsecureSkipHostKeyCheck: insecure,
			})
			if err != nil {
				return err
			}
			defer c.Close()

			welcome, err := c.Connect(args[1])
			if err != nil {
				return err
			}
			title := fmt.Sprintf("%s, %s (connected to %s, encrypted=%v)",
				welcome, c.Nickname(), c.Address(), c.Encrypted())

			if room != "" {
				if err := c.Join(room); err != nil {
					return err
				}
			}

			p := tea.NewProgram(newModel(c, title),
				tea.WithAltScreen(),
				tea.WithInput(cmd.InOrStdin()),
				tea.WithOutput(cmd.OutOrStdout()),
			)
			final, err := p.Run()
			if err != nil {
				return fmt.Errorf("console: %w", err)
			}
			if m, ok := final.(model); ok {
				if m.err != nil {
					return m.err
				}
				if m.exit != "" {
					fmt.Fprintln(cmd.OutOrStdout(), m.exit)
				}
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.BoolVar(&secure, "secure", true, "Run the encrypted handshake before connecting")
	f.BoolVar(&insecure, "insecure-host-key", false, "Accept any SSH host key")
	f.StringVar(&room, "room", "general", "Room to join on connect (empty for none)")

	return cmd
}
