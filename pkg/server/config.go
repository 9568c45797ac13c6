package server

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/aeolun/minichat/pkg/rooms"
)

// DefaultConfigPath is where the server looks for its config file
const DefaultConfigPath = "~/.minichat/config.toml"

const configHeader = `# minichat server configuration
# Written with default values on first start. Restart the server after editing.

`

// ServerConfig is the resolved runtime configuration. A non-positive SSH or
// HTTP port disables that listener.
type ServerConfig struct {
	TCPPort        int
	SSHPort        int
	SSHHostKeyPath string
	HTTPPort       int

	MaxNicknameLength int
	MaxRoomNameLength int
	MaxMessageLength  int // bytes
	RoomCapacity      int
	MailboxCapacity   int
	OverflowPolicy    rooms.OverflowPolicy

	RequireEncryption bool
}

func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:           8080,
		SSHPort:           8022,
		SSHHostKeyPath:    "~/.minichat/ssh_host_key",
		HTTPPort:          9090,
		MaxNicknameLength: 32,
		MaxRoomNameLength: 64,
		MaxMessageLength:  4096,
		RoomCapacity:      rooms.DefaultCapacity,
		MailboxCapacity:   256,
		OverflowPolicy:    rooms.OverflowEvict,
	}
}

// FileConfig mirrors the TOML file. Zero values mean "use the default".
type FileConfig struct {
	Server   ServerSection   `toml:"server"`
	Limits   LimitsSection   `toml:"limits"`
	Security SecuritySection `toml:"security"`
}

type ServerSection struct {
	TCPPort    int    `toml:"tcp_port"`
	SSHPort    int    `toml:"ssh_port"`
	SSHHostKey string `toml:"ssh_host_key"`
	HTTPPort   int    `toml:"http_port"`
}

type LimitsSection struct {
	MaxNicknameLength int    `toml:"max_nickname_length"`
	MaxRoomNameLength int    `toml:"max_room_name_length"`
	MaxMessageLength  int    `toml:"max_message_length"`
	RoomCapacity      int    `toml:"room_capacity"`
	MailboxCapacity   int    `toml:"mailbox_capacity"`
	OverflowPolicy    string `toml:"overflow_policy"` // "evict" or "drop"
}

type SecuritySection struct {
	RequireEncryption bool `toml:"require_encryption"`
}

// DefaultFileConfig is the file written on first start
func DefaultFileConfig() FileConfig {
	d := DefaultConfig()
	return FileConfig{
		Server: ServerSection{
			TCPPort:    d.TCPPort,
			SSHPort:    d.SSHPort,
			SSHHostKey: d.SSHHostKeyPath,
			HTTPPort:   d.HTTPPort,
		},
		Limits: LimitsSection{
			MaxNicknameLength: d.MaxNicknameLength,
			MaxRoomNameLength: d.MaxRoomNameLength,
			MaxMessageLength:  d.MaxMessageLength,
			RoomCapacity:      d.RoomCapacity,
			MailboxCapacity:   d.MailboxCapacity,
			OverflowPolicy:    d.OverflowPolicy.String(),
		},
	}
}

// LoadConfig decodes the file at path. A missing file yields the defaults,
// which are also written to path so there is something to edit.
func LoadConfig(path string) (FileConfig, error) {
	path, err := ExpandHome(path)
	if err != nil {
		return FileConfig{}, err
	}

	var fc FileConfig
	_, err = toml.DecodeFile(path, &fc)
	switch {
	case err == nil:
		return fc, nil
	case errors.Is(err, fs.ErrNotExist):
		fc = DefaultFileConfig()
		if err := saveConfig(path, fc); err != nil {
			log.Printf("Using built-in defaults; could not write %s: %v", path, err)
		}
		return fc, nil
	default:
		return FileConfig{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
}

func saveConfig(path string, fc FileConfig) error {
	var buf bytes.Buffer
	buf.WriteString(configHeader)
	if err := toml.NewEncoder(&buf).Encode(fc); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// Resolve layers the file over DefaultConfig. Ports apply when non-zero so
// a negative port can disable a listener; limits apply when positive.
func (fc FileConfig) Resolve() (ServerConfig, error) {
	cfg := DefaultConfig()

	nonZero(&cfg.TCPPort, fc.Server.TCPPort)
	nonZero(&cfg.SSHPort, fc.Server.SSHPort)
	nonZero(&cfg.HTTPPort, fc.Server.HTTPPort)
	if key := strings.TrimSpace(fc.Server.SSHHostKey); key != "" {
		cfg.SSHHostKeyPath = key
	}

	positive(&cfg.MaxNicknameLength, fc.Limits.MaxNicknameLength)
	positive(&cfg.MaxRoomNameLength, fc.Limits.MaxRoomNameLength)
	positive(&cfg.MaxMessageLength, fc.Limits.MaxMessageLength)
	positive(&cfg.RoomCapacity, fc.Limits.RoomCapacity)
	positive(&cfg.MailboxCapacity, fc.Limits.MailboxCapacity)

	if p := strings.TrimSpace(fc.Limits.OverflowPolicy); p != "" {
		policy, err := rooms.ParseOverflowPolicy(p)
		if err != nil {
			return ServerConfig{}, fmt.Errorf("[limits].overflow_policy: %w", err)
		}
		cfg.OverflowPolicy = policy
	}

	cfg.RequireEncryption = fc.Security.RequireEncryption
	return cfg, nil
}

func nonZero(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func positive(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

// ExpandHome replaces a leading "~/" with the user's home directory
func ExpandHome(path string) (string, error) {
	rest, ok := strings.CutPrefix(path, "~/")
	if !ok {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, rest), nil
}
