package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	P2P      P2P      `json:"p2p"`
	Presence Presence `json:"presence"`
	Profile  Profile  `json:"profile"`
	Call     Call     `json:"call"`
	Store    Store    `json:"store"`
	Media    Media    `json:"media"`
	Viewer   Viewer   `json:"viewer"`
	Log      Log      `json:"log"`
}

type Identity struct {
	// UserID is the account this peer signs in as.
	UserID  string `json:"user_id"`
	KeyFile string `json:"key_file"`
}

type P2P struct {
	// When false, the peer runs with in-process transports only.
	Enabled    bool   `json:"enabled"`
	ListenPort int    `json:"listen_port"`
	MdnsTag    string `json:"mdns_tag"`
	Mdns       bool   `json:"mdns"`
}

type Presence struct {
	Topic        string `json:"topic"`
	TTLSec       int    `json:"ttl_seconds"`
	HeartbeatSec int    `json:"heartbeat_seconds"`
	// How long the transport may be down before everyone reads as offline.
	StaleSec int `json:"stale_seconds"`
}

type Profile struct {
	Label     string `json:"label"`
	AvatarURL string `json:"avatar_url"`
}

type Call struct {
	RingTimeoutSec  int    `json:"ring_timeout_seconds"`
	EndedGraceSec   int    `json:"ended_grace_seconds"`
	BusyReason      string `json:"busy_reason"`
	HistoryLimit    int    `json:"history_limit"`
	StoreTimeoutSec int    `json:"store_timeout_seconds"`
}

type Store struct {
	Driver string `json:"driver"` // sqlite|pgx
	DSN    string `json:"dsn"`    // pgx only

	// Optional Redis server for the record change feed, shared by every
	// device of a user. Empty keeps the feed in-process.
	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	FeedPrefix    string `json:"feed_prefix"`
}

type Media struct {
	Enabled        bool     `json:"enabled"`
	STUNServers    []string `json:"stun_servers"`
	JoinTimeoutSec int      `json:"join_timeout_seconds"`

	ICEDisconnectedSec int `json:"ice_disconnected_seconds"`
	ICEFailedSec       int `json:"ice_failed_seconds"`
	ICEKeepaliveSec    int `json:"ice_keepalive_seconds"`
}

type Viewer struct {
	HTTPAddr string `json:"http_addr"`
	// When set, API requests need an HS256 bearer token for the user id.
	JWTSecret string `json:"jwt_secret"`
}

type Log struct {
	Level      string            `json:"level"`
	Levels     map[string]string `json:"levels"`
	File       string            `json:"file"`
	MaxSizeMB  int               `json:"max_size_mb"`
	MaxBackups int               `json:"max_backups"`
	Buffer     int               `json:"buffer"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		P2P: P2P{
			Enabled:    true,
			ListenPort: 0,
			MdnsTag:    proto.MdnsTag,
			Mdns:       true,
		},
		Presence: Presence{
			Topic:        proto.PresenceTopic,
			TTLSec:       20,
			HeartbeatSec: 5,
			StaleSec:     30,
		},
		Call: Call{
			RingTimeoutSec:  45,
			EndedGraceSec:   3,
			BusyReason:      "busy",
			HistoryLimit:    50,
			StoreTimeoutSec: 10,
		},
		Store: Store{
			Driver:     "sqlite",
			FeedPrefix: "goopcall:calls:",
		},
		Media: Media{
			Enabled:            true,
			STUNServers:        []string{"stun:stun.l.google.com:19302"},
			JoinTimeoutSec:     30,
			ICEDisconnectedSec: 30,
			ICEFailedSec:       120,
			ICEKeepaliveSec:    2,
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:8790",
		},
		Log: Log{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			Buffer:     500,
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.UserID) == "" {
		return errors.New("identity.user_id is required")
	}
	if _, err := util.ValidateUserID(c.Identity.UserID); err != nil {
		return fmt.Errorf("identity.user_id: %w", err)
	}
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}

	// P2P
	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	if c.P2P.Mdns && strings.TrimSpace(c.P2P.MdnsTag) == "" {
		return errors.New("p2p.mdns_tag is required when mdns is enabled")
	}

	// Presence
	if strings.TrimSpace(c.Presence.Topic) == "" {
		return errors.New("presence.topic is required")
	}
	if c.Presence.TTLSec <= 0 {
		return errors.New("presence.ttl_seconds must be > 0")
	}
	if c.Presence.HeartbeatSec <= 0 {
		return errors.New("presence.heartbeat_seconds must be > 0")
	}
	if c.Presence.HeartbeatSec >= c.Presence.TTLSec {
		return errors.New("presence.heartbeat_seconds must be < presence.ttl_seconds")
	}
	if c.Presence.StaleSec <= 0 {
		return errors.New("presence.stale_seconds must be > 0")
	}

	// Call
	if c.Call.RingTimeoutSec < 5 || c.Call.RingTimeoutSec > 600 {
		return errors.New("call.ring_timeout_seconds must be 5..600")
	}
	if c.Call.EndedGraceSec < 0 || c.Call.EndedGraceSec > 60 {
		return errors.New("call.ended_grace_seconds must be 0..60")
	}
	if strings.TrimSpace(c.Call.BusyReason) == "" {
		return errors.New("call.busy_reason is required")
	}
	if c.Call.HistoryLimit <= 0 {
		return errors.New("call.history_limit must be > 0")
	}
	if c.Call.StoreTimeoutSec <= 0 {
		return errors.New("call.store_timeout_seconds must be > 0")
	}

	// Store
	switch c.Store.Driver {
	case "sqlite":
	case "pgx":
		if strings.TrimSpace(c.Store.DSN) == "" {
			return errors.New("store.dsn is required for the pgx driver")
		}
	default:
		return fmt.Errorf("store.driver %q must be sqlite or pgx", c.Store.Driver)
	}
	if a := strings.TrimSpace(c.Store.RedisAddr); a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return fmt.Errorf("store.redis_addr: %w", err)
		}
	}

	// Media
	if c.Media.Enabled {
		if c.Media.JoinTimeoutSec <= 0 {
			return errors.New("media.join_timeout_seconds must be > 0")
		}
		for _, s := range c.Media.STUNServers {
			if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "stuns:") {
				return fmt.Errorf("media.stun_servers: %q is not a stun: url", s)
			}
		}
		if c.Media.ICEDisconnectedSec < 0 || c.Media.ICEFailedSec < 0 || c.Media.ICEKeepaliveSec < 0 {
			return errors.New("media ice timeouts must be >= 0")
		}
	}

	// Viewer
	if a := strings.TrimSpace(c.Viewer.HTTPAddr); a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return fmt.Errorf("viewer.http_addr: %w", err)
		}
	}

	// Log
	if c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 || c.Log.Buffer < 0 {
		return errors.New("log sizes must be >= 0")
	}

	return nil
}

// Seconds converts a config value in seconds to a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file without validation.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file
// for userID. Returns (cfg, createdNew, err).
func Ensure(path, userID string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	cfg.Identity.UserID = userID
	cfg.Profile.Label = userID
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
