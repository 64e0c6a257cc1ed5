package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"stalker-proxy/work/types"
)

// Stream methods understood by the dispatcher.
const (
	StreamMethodFFmpeg   = "ffmpeg"
	StreamMethodDirect   = "direct"
	StreamMethodRedirect = "redirect"
)

// DefaultFFmpegCommand is the transcode template. <url>, <timeout> and <proxy> are
// substituted per session; "-http_proxy <proxy>" is dropped when the portal has no proxy.
const DefaultFFmpegCommand = "-re -http_proxy <proxy> -timeout <timeout> -i <url> -map 0 -codec copy -f mpegts -flush_packets 0 -fflags +nobuffer -flags low_delay -strict experimental -analyzeduration 0 -probesize 32 -copyts -threads 12 pipe:"

var (
	defaultHashOnce sync.Once
	defaultHash     string
)

// DefaultPath is where the configuration lives unless CONFIG_PATH says otherwise.
const DefaultPath = "/settings/config.json"

// Settings holds the global policy of the proxy. It is always handed around by value so
// that a running session keeps the snapshot it started with.
type Settings struct {
	BaseURL                 string        `json:"baseURL"`                 // Public URL used in playlist and lineup links
	ListenAddr              string        `json:"listenAddr"`              // HTTP listen address
	DatabasePath            string        `json:"databasePath"`            // SQLite file for overlays and channel cache
	LogLevel                string        `json:"logLevel"`                // debug, info, warn, error
	WorkerThreads           int           `json:"workerThreads"`           // Concurrent portal refresh jobs
	StreamMethod            string        `json:"streamMethod"`            // ffmpeg, direct or redirect
	FFmpegCommand           string        `json:"ffmpegCommand"`           // Transcode argument template
	FFmpegTimeout           time.Duration `json:"ffmpegTimeout"`           // Time allowed for the first bytes
	LinkTimeout             time.Duration `json:"linkTimeout"`             // Budget for link resolution per attempt
	StallTimeout            time.Duration `json:"stallTimeout"`            // Silence tolerated while streaming
	TestStreams             bool          `json:"testStreams"`             // Probe links with ffprobe before serving
	TryAllMACs              bool          `json:"tryAllMacs"`              // Iterate MACs on failure
	MACCooldown             time.Duration `json:"macCooldown"`             // Exclusion window after a MAC fails
	UseChannelGenres        bool          `json:"useChannelGenres"`        // Emit group-title
	UseChannelNumbers       bool          `json:"useChannelNumbers"`       // Emit tvg-chno
	SortByGenre             bool          `json:"sortByGenre"`             // Playlist sort keys, applied in this order
	SortByNumber            bool          `json:"sortByNumber"`
	SortByName              bool          `json:"sortByName"`
	EnableSecurity          bool          `json:"enableSecurity"`          // Require basic auth
	Username                string        `json:"username"`
	PasswordHash            string        `json:"passwordHash"`            // bcrypt hash
	EnableHDHR              bool          `json:"enableHdhr"`              // Serve the tuner emulation endpoints
	HDHRName                string        `json:"hdhrName"`
	HDHRID                  string        `json:"hdhrId"`
	HDHRTuners              int           `json:"hdhrTuners"`              // Process-wide concurrent session cap
	CatalogRefreshInterval  time.Duration `json:"catalogRefreshInterval"`  // Background refresh period
	CatalogMaxAge           time.Duration `json:"catalogMaxAge"`           // Snapshot age that triggers refresh on play
	EPGPeriodHours          int           `json:"epgPeriodHours"`          // Guide window requested from portals
	TokenTTL                time.Duration `json:"tokenTTL"`                // Lifetime of a cached portal token
	PortalRequestsPerSecond int           `json:"portalRequestsPerSecond"` // Per-portal request rate
}

// SettingsFile is the on-disk form of Settings. Durations are strings (e.g. "5s") and a
// plain Password may be supplied; it is hashed on load and never written back.
type SettingsFile struct {
	BaseURL                 string `json:"baseURL"`
	ListenAddr              string `json:"listenAddr"`
	DatabasePath            string `json:"databasePath"`
	LogLevel                string `json:"logLevel"`
	WorkerThreads           int    `json:"workerThreads"`
	StreamMethod            string `json:"streamMethod"`
	FFmpegCommand           string `json:"ffmpegCommand"`
	FFmpegTimeout           string `json:"ffmpegTimeout"`
	LinkTimeout             string `json:"linkTimeout"`
	StallTimeout            string `json:"stallTimeout"`
	TestStreams             *bool  `json:"testStreams,omitempty"`
	TryAllMACs              *bool  `json:"tryAllMacs,omitempty"`
	MACCooldown             string `json:"macCooldown"`
	UseChannelGenres        *bool  `json:"useChannelGenres,omitempty"`
	UseChannelNumbers       *bool  `json:"useChannelNumbers,omitempty"`
	SortByGenre             bool   `json:"sortByGenre"`
	SortByNumber            bool   `json:"sortByNumber"`
	SortByName              bool   `json:"sortByName"`
	EnableSecurity          bool   `json:"enableSecurity"`
	Username                string `json:"username"`
	Password                string `json:"password,omitempty"`
	PasswordHash            string `json:"passwordHash,omitempty"`
	EnableHDHR              *bool  `json:"enableHdhr,omitempty"`
	HDHRName                string `json:"hdhrName"`
	HDHRID                  string `json:"hdhrId"`
	HDHRTuners              int    `json:"hdhrTuners"`
	CatalogRefreshInterval  string `json:"catalogRefreshInterval"`
	CatalogMaxAge           string `json:"catalogMaxAge"`
	EPGPeriodHours          int    `json:"epgPeriodHours"`
	TokenTTL                string `json:"tokenTTL"`
	PortalRequestsPerSecond int    `json:"portalRequestsPerSecond"`
}

// ConfigFile is the complete JSON document.
type ConfigFile struct {
	Settings SettingsFile   `json:"settings"`
	Portals  []types.Portal `json:"portals"`
}

// getDefaultSettings returns a baseline configuration used when no file is present.
func getDefaultSettings() Settings {
	s := baseSettings()
	s.PasswordHash = defaultPasswordHash()
	s.HDHRID = newDeviceID()
	return s
}

// baseSettings holds the fixed defaults. The password hash and device ID are left
// empty and filled only where a configuration lacks them.
func baseSettings() Settings {
	return Settings{
		BaseURL:                 "http://localhost:8080",
		ListenAddr:              ":8080",
		DatabasePath:            "/settings/stalker-proxy.db",
		LogLevel:                "info",
		WorkerThreads:           4,
		StreamMethod:            StreamMethodFFmpeg,
		FFmpegCommand:           DefaultFFmpegCommand,
		FFmpegTimeout:           5 * time.Second,
		LinkTimeout:             10 * time.Second,
		StallTimeout:            15 * time.Second,
		TestStreams:             true,
		TryAllMACs:              true,
		MACCooldown:             30 * time.Second,
		UseChannelGenres:        true,
		UseChannelNumbers:       true,
		SortByGenre:             false,
		SortByNumber:            true,
		SortByName:              false,
		EnableSecurity:          false,
		Username:                "admin",
		EnableHDHR:              true,
		HDHRName:                "StalkerProxy",
		HDHRTuners:              10,
		CatalogRefreshInterval:  12 * time.Hour,
		CatalogMaxAge:           24 * time.Hour,
		EPGPeriodHours:          24,
		TokenTTL:                time.Hour,
		PortalRequestsPerSecond: 5,
	}
}

// DefaultSettings returns the settings used when the file does not set them.
func DefaultSettings() Settings {
	return getDefaultSettings()
}

// validateAndSetDefaults fills in defaults for missing or invalid values.
func validateAndSetDefaults(s *Settings) {
	def := baseSettings()

	if s.BaseURL == "" {
		s.BaseURL = def.BaseURL
	}
	s.BaseURL = strings.TrimRight(s.BaseURL, "/")
	if s.ListenAddr == "" {
		s.ListenAddr = def.ListenAddr
	}
	if s.DatabasePath == "" {
		s.DatabasePath = def.DatabasePath
	}
	if s.LogLevel == "" {
		s.LogLevel = def.LogLevel
	}
	if s.WorkerThreads <= 0 {
		s.WorkerThreads = def.WorkerThreads
	}
	switch s.StreamMethod {
	case StreamMethodFFmpeg, StreamMethodDirect, StreamMethodRedirect:
	default:
		s.StreamMethod = def.StreamMethod
	}
	if strings.TrimSpace(s.FFmpegCommand) == "" {
		s.FFmpegCommand = def.FFmpegCommand
	}
	if s.FFmpegTimeout <= 0 {
		s.FFmpegTimeout = def.FFmpegTimeout
	}
	if s.LinkTimeout <= 0 {
		s.LinkTimeout = def.LinkTimeout
	}
	if s.StallTimeout <= 0 {
		s.StallTimeout = def.StallTimeout
	}
	if s.MACCooldown <= 0 {
		s.MACCooldown = def.MACCooldown
	}
	if s.Username == "" {
		s.Username = def.Username
	}
	if s.PasswordHash == "" {
		s.PasswordHash = defaultPasswordHash()
	}
	if s.HDHRName == "" {
		s.HDHRName = def.HDHRName
	}
	if s.HDHRID == "" {
		s.HDHRID = newDeviceID()
	}
	if s.HDHRTuners <= 0 {
		s.HDHRTuners = def.HDHRTuners
	}
	if s.CatalogRefreshInterval <= 0 {
		s.CatalogRefreshInterval = def.CatalogRefreshInterval
	}
	if s.CatalogMaxAge <= 0 {
		s.CatalogMaxAge = def.CatalogMaxAge
	}
	if s.EPGPeriodHours <= 0 {
		s.EPGPeriodHours = def.EPGPeriodHours
	}
	if s.TokenTTL <= 0 {
		s.TokenTTL = def.TokenTTL
	}
	if s.PortalRequestsPerSecond <= 0 {
		s.PortalRequestsPerSecond = def.PortalRequestsPerSecond
	}
}

// validatePortal normalises a portal record. index is its position, used for naming.
func validatePortal(p *types.Portal, index int) error {
	if strings.TrimSpace(p.URL) == "" {
		return errors.New("portal url is required")
	}
	if p.ID == "" {
		p.ID = NewPortalID()
	}
	if strings.Contains(p.ID, "/") {
		return fmt.Errorf("portal id %q must not contain '/'", p.ID)
	}
	if p.Name == "" {
		p.Name = fmt.Sprintf("Portal_%d", index+1)
	}
	if p.StreamsPerMAC < 0 {
		p.StreamsPerMAC = 1
	}

	seen := make(map[string]bool, len(p.MACs))
	macs := p.MACs[:0]
	for _, m := range p.MACs {
		m.MAC = strings.ToUpper(strings.TrimSpace(m.MAC))
		if m.MAC == "" || seen[m.MAC] {
			continue
		}
		seen[m.MAC] = true
		macs = append(macs, m)
	}
	p.MACs = macs
	return nil
}

// loadFromFile reads and parses the configuration file.
func loadFromFile(path string) (Settings, []types.Portal, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cf ConfigFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return Settings{}, nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	settings, err := convertFromFile(&cf.Settings)
	if err != nil {
		return Settings{}, nil, err
	}

	for i := range cf.Portals {
		if err := validatePortal(&cf.Portals[i], i); err != nil {
			return Settings{}, nil, fmt.Errorf("invalid portal %d: %w", i+1, err)
		}
	}

	return settings, cf.Portals, nil
}

// convertFromFile converts a SettingsFile to Settings, parsing duration strings and
// hashing a plain password.
func convertFromFile(sf *SettingsFile) (Settings, error) {
	def := baseSettings()
	s := Settings{
		BaseURL:                 sf.BaseURL,
		ListenAddr:              sf.ListenAddr,
		DatabasePath:            sf.DatabasePath,
		LogLevel:                sf.LogLevel,
		WorkerThreads:           sf.WorkerThreads,
		StreamMethod:            sf.StreamMethod,
		FFmpegCommand:           sf.FFmpegCommand,
		TestStreams:             boolOr(sf.TestStreams, def.TestStreams),
		TryAllMACs:              boolOr(sf.TryAllMACs, def.TryAllMACs),
		UseChannelGenres:        boolOr(sf.UseChannelGenres, def.UseChannelGenres),
		UseChannelNumbers:       boolOr(sf.UseChannelNumbers, def.UseChannelNumbers),
		SortByGenre:             sf.SortByGenre,
		SortByNumber:            sf.SortByNumber,
		SortByName:              sf.SortByName,
		EnableSecurity:          sf.EnableSecurity,
		Username:                sf.Username,
		PasswordHash:            sf.PasswordHash,
		EnableHDHR:              boolOr(sf.EnableHDHR, def.EnableHDHR),
		HDHRName:                sf.HDHRName,
		HDHRID:                  sf.HDHRID,
		HDHRTuners:              sf.HDHRTuners,
		EPGPeriodHours:          sf.EPGPeriodHours,
		PortalRequestsPerSecond: sf.PortalRequestsPerSecond,
	}

	durations := []struct {
		name string
		in   string
		out  *time.Duration
	}{
		{"ffmpegTimeout", sf.FFmpegTimeout, &s.FFmpegTimeout},
		{"linkTimeout", sf.LinkTimeout, &s.LinkTimeout},
		{"stallTimeout", sf.StallTimeout, &s.StallTimeout},
		{"macCooldown", sf.MACCooldown, &s.MACCooldown},
		{"catalogRefreshInterval", sf.CatalogRefreshInterval, &s.CatalogRefreshInterval},
		{"catalogMaxAge", sf.CatalogMaxAge, &s.CatalogMaxAge},
		{"tokenTTL", sf.TokenTTL, &s.TokenTTL},
	}
	for _, d := range durations {
		if d.in == "" {
			continue
		}
		v, err := time.ParseDuration(d.in)
		if err != nil {
			return Settings{}, fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.out = v
	}

	if sf.Password != "" {
		hash, err := HashPassword(sf.Password)
		if err != nil {
			return Settings{}, fmt.Errorf("failed to hash password: %w", err)
		}
		s.PasswordHash = hash
	}

	validateAndSetDefaults(&s)
	return s, nil
}

// convertToFile is the inverse of convertFromFile.
func convertToFile(s Settings) SettingsFile {
	return SettingsFile{
		BaseURL:                 s.BaseURL,
		ListenAddr:              s.ListenAddr,
		DatabasePath:            s.DatabasePath,
		LogLevel:                s.LogLevel,
		WorkerThreads:           s.WorkerThreads,
		StreamMethod:            s.StreamMethod,
		FFmpegCommand:           s.FFmpegCommand,
		FFmpegTimeout:           s.FFmpegTimeout.String(),
		LinkTimeout:             s.LinkTimeout.String(),
		StallTimeout:            s.StallTimeout.String(),
		TestStreams:             &s.TestStreams,
		TryAllMACs:              &s.TryAllMACs,
		MACCooldown:             s.MACCooldown.String(),
		UseChannelGenres:        &s.UseChannelGenres,
		UseChannelNumbers:       &s.UseChannelNumbers,
		SortByGenre:             s.SortByGenre,
		SortByNumber:            s.SortByNumber,
		SortByName:              s.SortByName,
		EnableSecurity:          s.EnableSecurity,
		Username:                s.Username,
		PasswordHash:            s.PasswordHash,
		EnableHDHR:              &s.EnableHDHR,
		HDHRName:                s.HDHRName,
		HDHRID:                  s.HDHRID,
		HDHRTuners:              s.HDHRTuners,
		CatalogRefreshInterval:  s.CatalogRefreshInterval.String(),
		CatalogMaxAge:           s.CatalogMaxAge.String(),
		EPGPeriodHours:          s.EPGPeriodHours,
		TokenTTL:                s.TokenTTL.String(),
		PortalRequestsPerSecond: s.PortalRequestsPerSecond,
	}
}

// FromFile parses settings as submitted by the admin API. Blank password fields keep
// the hash in current.
func FromFile(sf SettingsFile, current Settings) (Settings, error) {
	if sf.Password == "" && sf.PasswordHash == "" {
		sf.PasswordHash = current.PasswordHash
	}
	if sf.HDHRID == "" {
		sf.HDHRID = current.HDHRID
	}
	return convertFromFile(&sf)
}

// ToFile renders settings for the admin API. The password hash is never exposed.
func ToFile(s Settings) SettingsFile {
	sf := convertToFile(s)
	sf.PasswordHash = ""
	return sf
}

// NewPortalID returns a fresh identifier for a portal record.
func NewPortalID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// HashPassword returns the bcrypt hash stored in Settings.PasswordHash.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckCredentials reports whether the supplied basic auth pair matches the settings.
func (s Settings) CheckCredentials(username, password string) bool {
	if username != s.Username {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(s.PasswordHash), []byte(password)) == nil
}

// defaultPasswordHash hashes the factory password once per process.
func defaultPasswordHash() string {
	defaultHashOnce.Do(func() {
		defaultHash, _ = HashPassword("12345")
	})
	return defaultHash
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func newDeviceID() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}
