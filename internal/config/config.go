package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/javanstorm/rvhost/internal/device"
	"github.com/javanstorm/rvhost/internal/image"
	"github.com/javanstorm/rvhost/pkg/hart"
)

// Config holds all rvhost configuration.
type Config struct {
	// VMName is the name of the VM instance.
	VMName string `mapstructure:"vm_name"`

	// DataDir holds run state, snapshots and the instance registry.
	DataDir string `mapstructure:"data_dir"`

	// Core selects a registered hart implementation.
	Core string `mapstructure:"core"`

	// CoreOptions are passed through to the core.
	CoreOptions map[string]string `mapstructure:"core_options"`

	// MemoryMB is the amount of guest RAM in megabytes.
	MemoryMB int `mapstructure:"memory_mb"`

	// RAMBase is the guest physical address of RAM.
	RAMBase uint64 `mapstructure:"ram_base"`

	// FirmwareOffset and KernelOffset place boot images inside RAM.
	FirmwareOffset uint64 `mapstructure:"firmware_offset"`
	KernelOffset   uint64 `mapstructure:"kernel_offset"`

	// FrequencyHz paces the machine to wall time (0 = unpaced).
	FrequencyHz uint64 `mapstructure:"frequency_hz"`

	// CyclesPerStep bounds the work of a single core step.
	CyclesPerStep uint64 `mapstructure:"cycles_per_step"`

	// BootArgs is the kernel command line.
	BootArgs string `mapstructure:"boot_args"`

	// Image selects the boot artifacts.
	Image ImageConfig `mapstructure:"image"`

	// Devices replaces the default device set when non-empty.
	Devices []device.Spec `mapstructure:"devices"`

	// ControlAddr is the listen address of the control server ("" = off).
	ControlAddr string `mapstructure:"control_addr"`

	// Metrics exposes /metrics on the control server.
	Metrics bool `mapstructure:"metrics"`

	// LogLevel is a zap level name.
	LogLevel string `mapstructure:"log_level"`

	// LogDevelopment switches to human-readable console logs.
	LogDevelopment bool `mapstructure:"log_development"`

	Console ConsoleConfig `mapstructure:"console"`
	SSH     SSHConfig     `mapstructure:"ssh"`
}

// ImageConfig selects an image provider and its artifacts.
type ImageConfig struct {
	// Profile is a registered image provider ID.
	Profile string `mapstructure:"profile"`

	image.Config `mapstructure:",squash"`
}

// ConsoleConfig controls the local terminal attachment.
type ConsoleConfig struct {
	// Attach connects stdin/stdout to the guest console.
	Attach bool `mapstructure:"attach"`

	// GUI shows the console in a desktop terminal window instead.
	GUI bool `mapstructure:"gui"`

	// Escape is the detach key, pressed twice ("ctrl-]").
	Escape string `mapstructure:"escape"`

	// Backlog is the number of output bytes replayed to new viewers.
	Backlog int `mapstructure:"backlog"`
}

// SSHConfig controls the SSH console server.
type SSHConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`

	// HostKey is the server's private key, generated on first use.
	HostKey string `mapstructure:"host_key"`

	// AuthorizedKeys lists the public keys allowed to connect.
	AuthorizedKeys string `mapstructure:"authorized_keys"`
}

// RAMSize returns the configured RAM size in bytes.
func (c *Config) RAMSize() uint64 {
	return uint64(c.MemoryMB) << 20
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	paths, err := GetPaths()
	if err != nil {
		// Fallback if we can't determine home directory
		paths = &Paths{
			DataDir: "/tmp/rvhost",
		}
	}

	return &Config{
		VMName:         "default",
		DataDir:        paths.DataDir,
		Core:           hart.IdleName,
		MemoryMB:       int(device.DefaultRAMSize >> 20),
		RAMBase:        device.DefaultRAMBase,
		FirmwareOffset: device.DefaultFirmwareOffset,
		KernelOffset:   device.DefaultKernelOffset,
		FrequencyHz:    0,
		CyclesPerStep:  1000,
		BootArgs:       image.DefaultBootArgs,
		Image: ImageConfig{
			Profile: string(image.DefaultID()),
			Config: image.Config{
				Dir: filepath.Join(paths.DataDir, "images"),
			},
		},
		ControlAddr:    "127.0.0.1:7070",
		Metrics:        true,
		LogLevel:       "info",
		LogDevelopment: false,
		Console: ConsoleConfig{
			Attach:  true,
			Escape:  "ctrl-]",
			Backlog: 64 << 10,
		},
		SSH: SSHConfig{
			Enabled:        false,
			Addr:           "127.0.0.1:2222",
			HostKey:        filepath.Join(paths.DataDir, "ssh_host_ed25519_key"),
			AuthorizedKeys: filepath.Join(paths.DataDir, "authorized_keys"),
		},
	}
}

// Global holds the loaded configuration.
var Global *Config

// SetDefaults registers the defaults of every key on v.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("vm_name", d.VMName)
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("core", d.Core)
	v.SetDefault("memory_mb", d.MemoryMB)
	v.SetDefault("ram_base", d.RAMBase)
	v.SetDefault("firmware_offset", d.FirmwareOffset)
	v.SetDefault("kernel_offset", d.KernelOffset)
	v.SetDefault("frequency_hz", d.FrequencyHz)
	v.SetDefault("cycles_per_step", d.CyclesPerStep)
	v.SetDefault("boot_args", d.BootArgs)
	v.SetDefault("image.profile", d.Image.Profile)
	v.SetDefault("image.dir", d.Image.Dir)
	v.SetDefault("image.firmware", "")
	v.SetDefault("image.kernel", "")
	v.SetDefault("image.rootfs", "")
	v.SetDefault("control_addr", d.ControlAddr)
	v.SetDefault("metrics", d.Metrics)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_development", d.LogDevelopment)
	v.SetDefault("console.attach", d.Console.Attach)
	v.SetDefault("console.gui", d.Console.GUI)
	v.SetDefault("console.escape", d.Console.Escape)
	v.SetDefault("console.backlog", d.Console.Backlog)
	v.SetDefault("ssh.enabled", d.SSH.Enabled)
	v.SetDefault("ssh.addr", d.SSH.Addr)
	v.SetDefault("ssh.host_key", d.SSH.HostKey)
	v.SetDefault("ssh.authorized_keys", d.SSH.AuthorizedKeys)
}

// Load reads configuration from file, environment, and defaults into
// Global. An explicit configFile must exist; otherwise config.yaml is
// looked up in the data and config directories.
func Load(configFile string) error {
	cfg, err := LoadFrom(viper.GetViper(), configFile)
	if err != nil {
		return err
	}
	Global = cfg
	return nil
}

// LoadFrom is Load on a caller-supplied viper instance.
func LoadFrom(v *viper.Viper, configFile string) (*Config, error) {
	SetDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		paths, err := GetPaths()
		if err != nil {
			return nil, fmt.Errorf("failed to determine paths: %w", err)
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(paths.DataDir)
		v.AddConfigPath(paths.ConfigDir)
	}

	// Environment variable support: RVHOST_VM_NAME, RVHOST_SSH_ENABLED, etc.
	v.SetEnvPrefix("RVHOST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (optional - not an error if missing)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || configFile != "" {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	defaultDeviceIRQs(v, cfg.Devices)
	if cfg.Image.CacheDir == "" {
		cfg.Image.CacheDir = filepath.Join(cfg.DataDir, "cache")
	}
	cfg.Image.BootArgs = cfg.BootArgs
	return cfg, nil
}

// defaultDeviceIRQs marks devices written without an irq key as having no
// interrupt line, since an absent key decodes as line 0.
func defaultDeviceIRQs(v *viper.Viper, devices []device.Spec) {
	raw, ok := v.Get("devices").([]any)
	if !ok {
		return
	}
	for i, entry := range raw {
		if i >= len(devices) {
			break
		}
		fields, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		if _, set := fields["irq"]; !set {
			devices[i].IRQ = device.NoIRQ
		}
	}
}

// ConfigFileUsed returns the path of the config file being used, if any.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
