package core

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go4.org/netipx"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
	"gopkg.in/yaml.v3"
)

// Profile is a user-named connection target. A profile handed to the
// orchestrator is never mutated while a session uses it.
type Profile struct {
	Name                string   `yaml:"name"`
	PeerPublicKey       string   `yaml:"peer_public_key"`
	PresharedKey        string   `yaml:"preshared_key,omitempty"`
	Endpoint            string   `yaml:"endpoint"`
	AllowedIPs          []string `yaml:"allowed_ips"`
	DNS                 []string `yaml:"dns,omitempty"`
	Addresses           []string `yaml:"addresses,omitempty"`
	PersistentKeepalive int      `yaml:"persistent_keepalive,omitempty"` // seconds
	ListenPort          int      `yaml:"listen_port,omitempty"`
	MTU                 int      `yaml:"mtu,omitempty"`
}

// Validate rejects malformed profiles before any native call is made.
func (p *Profile) Validate() error {
	if p.Name == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if _, err := wgtypes.ParseKey(p.PeerPublicKey); err != nil {
		return &ValidationError{Field: "peer_public_key", Value: p.PeerPublicKey, Reason: err.Error()}
	}
	if p.PresharedKey != "" {
		if _, err := wgtypes.ParseKey(p.PresharedKey); err != nil {
			return &ValidationError{Field: "preshared_key", Reason: "not a 32-byte base64 key"}
		}
	}
	if err := validateEndpoint(p.Endpoint); err != nil {
		return err
	}
	if len(p.AllowedIPs) == 0 {
		return &ValidationError{Field: "allowed_ips", Reason: "at least one range is required"}
	}
	for _, s := range p.AllowedIPs {
		if _, err := ParseAllowedIP(s); err != nil {
			return &ValidationError{Field: "allowed_ips", Value: s, Reason: "not a CIDR range or address"}
		}
	}
	for _, s := range p.Addresses {
		if _, err := ParseAllowedIP(s); err != nil {
			return &ValidationError{Field: "addresses", Value: s, Reason: "not a CIDR address"}
		}
	}
	for _, s := range p.DNS {
		if _, err := netip.ParseAddr(s); err != nil {
			return &ValidationError{Field: "dns", Value: s, Reason: "not an IP address"}
		}
	}
	if p.PersistentKeepalive < 0 || p.PersistentKeepalive > 65535 {
		return &ValidationError{Field: "persistent_keepalive", Value: strconv.Itoa(p.PersistentKeepalive), Reason: "out of range"}
	}
	if p.ListenPort < 0 || p.ListenPort > 65535 {
		return &ValidationError{Field: "listen_port", Value: strconv.Itoa(p.ListenPort), Reason: "out of range"}
	}
	if p.MTU != 0 && (p.MTU < 576 || p.MTU > 65535) {
		return &ValidationError{Field: "mtu", Value: strconv.Itoa(p.MTU), Reason: "out of range"}
	}
	return nil
}

func validateEndpoint(ep string) error {
	host, port, err := net.SplitHostPort(ep)
	if err != nil || host == "" {
		return &ValidationError{Field: "endpoint", Value: ep, Reason: "expected host:port"}
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return &ValidationError{Field: "endpoint", Value: ep, Reason: "port must be 1-65535"}
	}
	return nil
}

// ParseAllowedIP parses a CIDR range. A bare address becomes a host prefix.
// The result is masked to its network address.
func ParseAllowedIP(s string) (netip.Prefix, error) {
	if !strings.Contains(s, "/") {
		a, err := netip.ParseAddr(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return netip.PrefixFrom(a, a.BitLen()), nil
	}
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return p.Masked(), nil
}

// CoveredRanges returns the minimal set of prefixes covering the profile's
// allowed IPs, with overlapping entries merged. Invalid entries are skipped.
func (p *Profile) CoveredRanges() []netip.Prefix {
	var b netipx.IPSetBuilder
	for _, s := range p.AllowedIPs {
		if pfx, err := ParseAllowedIP(s); err == nil {
			b.AddPrefix(pfx)
		}
	}
	set, err := b.IPSet()
	if err != nil {
		return nil
	}
	return set.Prefixes()
}

// Settings holds user-facing preferences read by the shell.
type Settings struct {
	Language string `yaml:"language,omitempty"`
	Theme    string `yaml:"theme,omitempty"`
}

// InterfaceConfig controls the tunnel adapter.
type InterfaceConfig struct {
	Name        string `yaml:"name,omitempty"`
	RouteMetric uint32 `yaml:"route_metric,omitempty"`
}

// DriverConfig locates the kernel driver service.
type DriverConfig struct {
	ServiceName string `yaml:"service_name,omitempty"`
	// Path of the .sys image; relative paths resolve next to the executable.
	Path string `yaml:"path,omitempty"`
	// StopWhenUnused stops the driver service after the last tunnel closes.
	StopWhenUnused bool `yaml:"stop_when_unused,omitempty"`
}

// KeyStoreConfig selects where the device key pair is persisted.
type KeyStoreConfig struct {
	Backend string `yaml:"backend,omitempty"` // "dpapi" or "keyring"
	Path    string `yaml:"path,omitempty"`
}

// JournalConfig controls the crash-recovery journal.
type JournalConfig struct {
	Path     string `yaml:"path,omitempty"`
	Disabled bool   `yaml:"disabled,omitempty"`
}

// HealthConfig controls the handshake health monitor.
type HealthConfig struct {
	Interval   string `yaml:"interval,omitempty"`    // e.g. "30s"
	StaleAfter string `yaml:"stale_after,omitempty"` // e.g. "3m"
}

// ReconnectConfig controls automatic recovery of a dropped session.
type ReconnectConfig struct {
	Enabled    bool   `yaml:"enabled,omitempty"`
	Interval   string `yaml:"interval,omitempty"`    // e.g. "10s"
	MaxRetries int    `yaml:"max_retries,omitempty"` // 0 means unlimited
}

// NotificationsConfig controls desktop notifications in console mode.
type NotificationsConfig struct {
	Enabled bool `yaml:"enabled,omitempty"`
}

// Config is the top-level application configuration.
type Config struct {
	Version       int                 `yaml:"version"`
	Settings      Settings            `yaml:"settings,omitempty"`
	Logging       LogConfig           `yaml:"logging,omitempty"`
	Interface     InterfaceConfig     `yaml:"interface,omitempty"`
	Driver        DriverConfig        `yaml:"driver,omitempty"`
	KeyStore      KeyStoreConfig      `yaml:"key_store,omitempty"`
	Journal       JournalConfig       `yaml:"journal,omitempty"`
	Health        HealthConfig        `yaml:"health,omitempty"`
	Reconnect     ReconnectConfig     `yaml:"reconnect,omitempty"`
	Notifications NotificationsConfig `yaml:"notifications,omitempty"`
	Profiles      []Profile           `yaml:"profiles"`
}

const (
	DefaultInterfaceName  = "wgtunnel"
	DefaultRouteMetric    = 5
	DefaultDriverService  = "WireGuard"
	DefaultKeyBackend     = "dpapi"
	DefaultKeyPath        = "device.key"
	DefaultJournalPath    = "journal.db"
	DefaultHealthInterval = 30 * time.Second
	DefaultStaleAfter     = 3 * time.Minute
	DefaultReconnectDelay = 10 * time.Second
)

// WithDefaults returns a copy of c with empty fields filled in.
func (c Config) WithDefaults() Config {
	if c.Interface.Name == "" {
		c.Interface.Name = DefaultInterfaceName
	}
	if c.Interface.RouteMetric == 0 {
		c.Interface.RouteMetric = DefaultRouteMetric
	}
	if c.Driver.ServiceName == "" {
		c.Driver.ServiceName = DefaultDriverService
	}
	if c.KeyStore.Backend == "" {
		c.KeyStore.Backend = DefaultKeyBackend
	}
	if c.KeyStore.Path == "" {
		c.KeyStore.Path = DefaultKeyPath
	}
	if c.Journal.Path == "" {
		c.Journal.Path = DefaultJournalPath
	}
	return c
}

// HealthIntervals parses the health section, falling back to defaults for
// empty or malformed values.
func (c Config) HealthIntervals() (interval, staleAfter time.Duration) {
	interval, staleAfter = DefaultHealthInterval, DefaultStaleAfter
	if d, err := time.ParseDuration(c.Health.Interval); err == nil && d > 0 {
		interval = d
	}
	if d, err := time.ParseDuration(c.Health.StaleAfter); err == nil && d > 0 {
		staleAfter = d
	}
	return interval, staleAfter
}

// ReconnectInterval parses reconnect.interval, falling back to the default.
func (c Config) ReconnectInterval() time.Duration {
	if d, err := time.ParseDuration(c.Reconnect.Interval); err == nil && d > 0 {
		return d
	}
	return DefaultReconnectDelay
}

// ConfigManager handles loading and saving the configuration file.
type ConfigManager struct {
	mu       sync.RWMutex
	config   Config
	filePath string
	bus      *EventBus
}

// NewConfigManager creates a config manager that reads from the given file.
func NewConfigManager(filePath string, bus *EventBus) *ConfigManager {
	return &ConfigManager{
		filePath: filePath,
		bus:      bus,
	}
}

func defaultConfig() Config {
	return Config{Version: CurrentConfigVersion}
}

// Path returns the config file location.
func (cm *ConfigManager) Path() string { return cm.filePath }

// Load reads and parses the configuration from disk.
// If the config file does not exist, it creates one with default values.
func (cm *ConfigManager) Load() error {
	data, err := os.ReadFile(cm.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			Log.Infof("Core", "Config %s not found, creating default config", cm.filePath)
			cm.mu.Lock()
			cm.config = defaultConfig()
			cm.mu.Unlock()
			if saveErr := cm.Save(); saveErr != nil {
				return fmt.Errorf("[Core] failed to create default config: %w", saveErr)
			}
			if cm.bus != nil {
				cm.bus.Publish(Event{Type: EventConfigReloaded})
			}
			return nil
		}
		return fmt.Errorf("[Core] failed to read config %s: %w", cm.filePath, err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("[Core] failed to parse config: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	version, migrated, err := MigrateConfig(raw)
	if err != nil {
		return fmt.Errorf("[Core] %w", err)
	}
	if migrated {
		Log.Infof("Core", "Config migrated to version %d", version)
		if data, err = yaml.Marshal(raw); err != nil {
			return fmt.Errorf("[Core] failed to re-encode migrated config: %w", err)
		}
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("[Core] failed to parse config: %w", err)
	}
	if err := checkUniqueProfiles(cfg.Profiles); err != nil {
		return err
	}

	cm.mu.Lock()
	cm.config = cfg
	cm.mu.Unlock()

	if migrated {
		if err := cm.Save(); err != nil {
			Log.Warnf("Core", "Failed to persist migrated config: %v", err)
		}
	}

	if cm.bus != nil {
		cm.bus.Publish(Event{Type: EventConfigReloaded})
	}
	return nil
}

func checkUniqueProfiles(profiles []Profile) error {
	seen := make(map[string]bool, len(profiles))
	for _, p := range profiles {
		if seen[p.Name] {
			return fmt.Errorf("[Core] duplicate profile name %q", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// Save writes the current configuration to disk atomically.
func (cm *ConfigManager) Save() error {
	cm.mu.RLock()
	data, err := yaml.Marshal(&cm.config)
	cm.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("[Core] failed to marshal config: %w", err)
	}

	if err := WriteFileAtomic(cm.filePath, data, 0644); err != nil {
		return fmt.Errorf("[Core] failed to write config %s: %w", cm.filePath, err)
	}
	return nil
}

// Get returns the current configuration with defaults applied.
func (cm *ConfigManager) Get() Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config.WithDefaults()
}

// Settings returns the user preferences section.
func (cm *ConfigManager) Settings() Settings {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config.Settings
}

// SetSettings replaces the user preferences section.
func (cm *ConfigManager) SetSettings(s Settings) {
	cm.mu.Lock()
	cm.config.Settings = s
	cm.mu.Unlock()
}

// Profiles returns a copy of all profiles.
func (cm *ConfigManager) Profiles() []Profile {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	result := make([]Profile, len(cm.config.Profiles))
	copy(result, cm.config.Profiles)
	return result
}

// Profile returns the named profile. The returned value is a private copy,
// so a concurrent PutProfile never changes a profile in use.
func (cm *ConfigManager) Profile(name string) (*Profile, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	for _, p := range cm.config.Profiles {
		if p.Name == name {
			cp := p
			cp.AllowedIPs = append([]string(nil), p.AllowedIPs...)
			cp.DNS = append([]string(nil), p.DNS...)
			cp.Addresses = append([]string(nil), p.Addresses...)
			return &cp, true
		}
	}
	return nil, false
}

// PutProfile validates and inserts or replaces a profile by name.
func (cm *ConfigManager) PutProfile(p Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	cm.mu.Lock()
	replaced := false
	for i := range cm.config.Profiles {
		if cm.config.Profiles[i].Name == p.Name {
			cm.config.Profiles[i] = p
			replaced = true
			break
		}
	}
	if !replaced {
		cm.config.Profiles = append(cm.config.Profiles, p)
	}
	cm.mu.Unlock()

	if cm.bus != nil {
		cm.bus.Publish(Event{Type: EventConfigReloaded})
	}
	return nil
}

// DeleteProfile removes a profile by name. Reports whether it existed.
func (cm *ConfigManager) DeleteProfile(name string) bool {
	cm.mu.Lock()
	found := false
	for i, p := range cm.config.Profiles {
		if p.Name == name {
			cm.config.Profiles = append(cm.config.Profiles[:i], cm.config.Profiles[i+1:]...)
			found = true
			break
		}
	}
	cm.mu.Unlock()

	if found && cm.bus != nil {
		cm.bus.Publish(Event{Type: EventConfigReloaded})
	}
	return found
}

// WriteFileAtomic writes data to a temp file in the same directory and
// renames it over path, so readers never observe a partial file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// ResolveRelativeToExe resolves path against the executable's directory.
func ResolveRelativeToExe(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	exe, err := os.Executable()
	if err != nil {
		Log.Warnf("Core", "Cannot determine executable path, using %q as-is: %v", path, err)
		return path
	}
	return filepath.Join(filepath.Dir(exe), path)
}

// ResolveRelativeTo resolves path against base's directory.
func ResolveRelativeTo(base, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(filepath.Dir(base), path)
}
