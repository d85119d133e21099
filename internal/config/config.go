package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/petervdpas/hostline/internal/util"
)

// Roles a participant can take in a call.
const (
	RoleCaller   = "caller"
	RoleHost     = "host"
	RoleObserver = "observer"
)

type Config struct {
	Identity Identity `json:"identity"`
	P2P      P2P      `json:"p2p"`
	Lobby    Lobby    `json:"lobby"`
	Call     Call     `json:"call"`
	Media    Media    `json:"media"`
	Gate     Gate     `json:"gate"`
	Viewer   Viewer   `json:"viewer"`
}

type Identity struct {
	KeyFile     string `json:"key_file"`
	Role        string `json:"role"`
	DisplayName string `json:"display_name"`
}

type P2P struct {
	ListenPort int    `json:"listen_port"`
	MdnsTag    string `json:"mdns_tag"`

	// Optional multiaddrs (with /p2p/<id>) dialed at startup.
	Bootstrap []string `json:"bootstrap"`
}

type Lobby struct {
	Channel      string `json:"channel"`
	ReconcileSec int    `json:"reconcile_seconds"`
}

type Call struct {
	SetupTimeoutSec int `json:"setup_timeout_seconds"`
	MaxCandidates   int `json:"max_candidates"`

	// Caller allowance in seconds. 0 means unlimited (no watchdog).
	AllowanceSec   int `json:"allowance_seconds"`
	WatchdogTickMs int `json:"watchdog_tick_ms"`
}

type Media struct {
	AppID             string   `json:"app_id"`
	ICEServers        []string `json:"ice_servers"`
	InCallDebounceMs  int      `json:"in_call_debounce_ms"`
	VanishSuppressSec int      `json:"vanish_suppress_seconds"`

	// Loopback ICE candidates, for calls between peers on one machine.
	IncludeLoopback bool `json:"include_loopback"`
}

type Gate struct {
	// URL of the admission service used by peers.
	URL string `json:"url"`

	// Settings below are only used by `hostline gate`.
	ListenAddr     string `json:"listen_addr"`
	DBPath         string `json:"db_path"`
	DatabaseURL    string `json:"database_url"` // postgres://... overrides db_path
	LockTimeoutSec int    `json:"lock_timeout_seconds"`
	GraceSec       int    `json:"grace_seconds"`
	SweepSec       int    `json:"sweep_seconds"`
	TokenSecret    string `json:"token_secret"`
	TokenTTLSec    int    `json:"token_ttl_seconds"`
}

type Viewer struct {
	HTTPAddr string `json:"http_addr"`
	Debug    bool   `json:"debug"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
			Role:    RoleCaller,
		},
		P2P: P2P{
			ListenPort: 0,
			MdnsTag:    "hostline-mdns",
		},
		Lobby: Lobby{
			Channel:      "lobby",
			ReconcileSec: 10,
		},
		Call: Call{
			SetupTimeoutSec: 30,
			MaxCandidates:   5,
			WatchdogTickMs:  1000,
		},
		Media: Media{
			ICEServers:        []string{"stun:stun.l.google.com:19302"},
			InCallDebounceMs:  200,
			VanishSuppressSec: 3,
		},
		Gate: Gate{
			URL:            "http://127.0.0.1:8787",
			ListenAddr:     "127.0.0.1:8787",
			DBPath:         "data/gate.db",
			LockTimeoutSec: 10,
			GraceSec:       2,
			SweepSec:       5,
			TokenTTLSec:    600,
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:7777",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}
	switch c.Identity.Role {
	case RoleCaller, RoleHost, RoleObserver:
	default:
		return fmt.Errorf("identity.role must be caller, host or observer (got %q)", c.Identity.Role)
	}

	// P2P
	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.P2P.MdnsTag) == "" {
		return errors.New("p2p.mdns_tag is required")
	}

	// Lobby
	if _, err := util.ValidateName(c.Lobby.Channel); err != nil {
		return fmt.Errorf("lobby.channel: %w", err)
	}
	if c.Lobby.ReconcileSec <= 0 {
		return errors.New("lobby.reconcile_seconds must be > 0")
	}

	// Call
	if c.Call.SetupTimeoutSec <= 0 {
		return errors.New("call.setup_timeout_seconds must be > 0")
	}
	if c.Call.MaxCandidates < 1 || c.Call.MaxCandidates > 50 {
		return errors.New("call.max_candidates must be 1..50")
	}
	if c.Call.AllowanceSec < 0 {
		return errors.New("call.allowance_seconds must be >= 0")
	}
	if c.Call.WatchdogTickMs < 10 {
		return errors.New("call.watchdog_tick_ms must be >= 10")
	}

	// Media
	if c.Media.InCallDebounceMs < 0 {
		return errors.New("media.in_call_debounce_ms must be >= 0")
	}
	if c.Media.VanishSuppressSec < 0 {
		return errors.New("media.vanish_suppress_seconds must be >= 0")
	}

	// Gate
	if gu := strings.TrimSpace(c.Gate.URL); gu != "" {
		if err := validateHTTPURL(gu); err != nil {
			return fmt.Errorf("gate.url: %w", err)
		}
	}
	if c.Gate.LockTimeoutSec <= 0 {
		return errors.New("gate.lock_timeout_seconds must be > 0")
	}
	if c.Gate.GraceSec < 0 || c.Gate.GraceSec >= c.Gate.LockTimeoutSec {
		return errors.New("gate.grace_seconds must be >= 0 and < gate.lock_timeout_seconds")
	}
	if c.Gate.SweepSec <= 0 {
		return errors.New("gate.sweep_seconds must be > 0")
	}
	if c.Gate.TokenTTLSec <= 0 {
		return errors.New("gate.token_ttl_seconds must be > 0")
	}

	return nil
}

// ValidateGate checks the settings that only the admission service needs.
func (c *Config) ValidateGate() error {
	if strings.TrimSpace(c.Gate.ListenAddr) == "" {
		return errors.New("gate.listen_addr is required")
	}
	if strings.TrimSpace(c.Gate.DBPath) == "" && strings.TrimSpace(c.Gate.DatabaseURL) == "" {
		return errors.New("gate.db_path or gate.database_url is required")
	}
	if len(c.Gate.TokenSecret) < 16 {
		return errors.New("gate.token_secret must be at least 16 characters")
	}
	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func secs(n int) time.Duration { return time.Duration(n) * time.Second }

func (l Lobby) ReconcileInterval() time.Duration { return secs(l.ReconcileSec) }

func (c Call) SetupTimeout() time.Duration { return secs(c.SetupTimeoutSec) }
func (c Call) Allowance() time.Duration    { return secs(c.AllowanceSec) }
func (c Call) WatchdogTick() time.Duration {
	return time.Duration(c.WatchdogTickMs) * time.Millisecond
}

func (m Media) InCallDebounce() time.Duration {
	return time.Duration(m.InCallDebounceMs) * time.Millisecond
}
func (m Media) VanishSuppress() time.Duration { return secs(m.VanishSuppressSec) }

func (g Gate) LockTimeout() time.Duration   { return secs(g.LockTimeoutSec) }
func (g Gate) Grace() time.Duration         { return secs(g.GraceSec) }
func (g Gate) SweepInterval() time.Duration { return secs(g.SweepSec) }
func (g Gate) TokenTTL() time.Duration      { return secs(g.TokenTTLSec) }

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

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
