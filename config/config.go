// This file is part of goborgmatic, a frontend to drive periodic borg backups.
// For further information, check https://github.com/marcopaganini/goborgmatic
//
// (C) 2015-2024 by Marco Paganini <paganini AT paganini DOT net>

// Package config reads and validates goborgmatic configuration files. Files
// ending in .yaml or .yml are parsed as YAML, everything else as TOML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Format is the configuration file syntax.
type Format int

// Supported configuration formats.
const (
	TOML Format = iota
	YAML
)

// Defaults.
const (
	DefaultLocalPath         = "borg"
	DefaultArchiveNameFormat = "{hostname}-{now:%Y-%m-%dT%H:%M:%S.%f}"
	DefaultCheckFrequency    = "1 month"
	DefaultSnapshotSize      = "10%ORIGIN"
	DefaultHashCommand       = "xxh64sum"
)

// Repository is one borg repository to back up to.
type Repository struct {
	Path  string `toml:"path" yaml:"path" validate:"required"`
	Label string `toml:"label" yaml:"label"`
}

// Name returns the label of the repository, or its path if no label is set.
func (r Repository) Name() string {
	if r.Label != "" {
		return r.Label
	}
	return r.Path
}

// Check configures one consistency check.
type Check struct {
	Name      string   `toml:"name" yaml:"name" validate:"required,oneof=repository archives data extract spot disabled"`
	Frequency string   `toml:"frequency" yaml:"frequency" validate:"omitempty,frequency"`
	OnlyRunOn []string `toml:"only_run_on" yaml:"only_run_on" validate:"dive,weekday"`

	// Spot check settings.
	CountTolerancePercentage float64 `toml:"count_tolerance_percentage" yaml:"count_tolerance_percentage" validate:"gte=0,lte=100"`
	DataSamplePercentage     float64 `toml:"data_sample_percentage" yaml:"data_sample_percentage" validate:"gte=0"`
	DataTolerancePercentage  float64 `toml:"data_tolerance_percentage" yaml:"data_tolerance_percentage" validate:"gte=0,lte=100"`
	XXH64SumCommand          string  `toml:"xxh64sum_command" yaml:"xxh64sum_command"`
}

// ExitCode overrides the treatment of one borg exit code.
type ExitCode struct {
	Code    int    `toml:"code" yaml:"code" validate:"gte=0,lte=255"`
	TreatAs string `toml:"treat_as" yaml:"treat_as" validate:"required,oneof=success warning error"`
}

// Btrfs configures the btrfs snapshot hook.
type Btrfs struct {
	BtrfsCommand   string `toml:"btrfs_command" yaml:"btrfs_command"`
	FindmntCommand string `toml:"findmnt_command" yaml:"findmnt_command"`
}

// LVM configures the LVM snapshot hook.
type LVM struct {
	SnapshotSize    string `toml:"snapshot_size" yaml:"snapshot_size"`
	LvcreateCommand string `toml:"lvcreate_command" yaml:"lvcreate_command"`
	LvremoveCommand string `toml:"lvremove_command" yaml:"lvremove_command"`
	LvsCommand      string `toml:"lvs_command" yaml:"lvs_command"`
	LsblkCommand    string `toml:"lsblk_command" yaml:"lsblk_command"`
	MountCommand    string `toml:"mount_command" yaml:"mount_command"`
	UmountCommand   string `toml:"umount_command" yaml:"umount_command"`
}

// ZFS configures the ZFS snapshot hook.
type ZFS struct {
	ZFSCommand    string `toml:"zfs_command" yaml:"zfs_command"`
	MountCommand  string `toml:"mount_command" yaml:"mount_command"`
	UmountCommand string `toml:"umount_command" yaml:"umount_command"`
}

// Config is the main representation of a configuration file on disk.
type Config struct {
	// Path is the file this configuration was read from.
	Path string `toml:"-" yaml:"-"`

	// Sources and patterns.
	SourceDirectories          []string `toml:"source_directories" yaml:"source_directories" validate:"required_without_all=Patterns PatternsFrom"`
	SourceDirectoriesMustExist bool     `toml:"source_directories_must_exist" yaml:"source_directories_must_exist"`
	Patterns                   []string `toml:"patterns" yaml:"patterns"`
	PatternsFrom               []string `toml:"patterns_from" yaml:"patterns_from"`
	ExcludePatterns            []string `toml:"exclude_patterns" yaml:"exclude_patterns"`
	ExcludeFrom                []string `toml:"exclude_from" yaml:"exclude_from"`
	ExcludeCaches              bool     `toml:"exclude_caches" yaml:"exclude_caches"`
	ExcludeIfPresent           []string `toml:"exclude_if_present" yaml:"exclude_if_present"`
	KeepExcludeTags            bool     `toml:"keep_exclude_tags" yaml:"keep_exclude_tags"`
	ExcludeNodump              bool     `toml:"exclude_nodump" yaml:"exclude_nodump"`
	WorkingDirectory           string   `toml:"working_directory" yaml:"working_directory"`

	Repositories []Repository `toml:"repositories" yaml:"repositories" validate:"required,min=1,dive"`

	// Create options.
	OneFileSystem      bool   `toml:"one_file_system" yaml:"one_file_system"`
	NumericIDs         bool   `toml:"numeric_ids" yaml:"numeric_ids"`
	Atime              *bool  `toml:"atime" yaml:"atime"`
	Ctime              *bool  `toml:"ctime" yaml:"ctime"`
	Birthtime          *bool  `toml:"birthtime" yaml:"birthtime"`
	BSDFlags           *bool  `toml:"bsd_flags" yaml:"bsd_flags"`
	FilesCache         string `toml:"files_cache" yaml:"files_cache"`
	Compression        string `toml:"compression" yaml:"compression"`
	UploadRateLimit    int    `toml:"upload_rate_limit" yaml:"upload_rate_limit" validate:"gte=0"`
	ChunkerParams      string `toml:"chunker_params" yaml:"chunker_params"`
	CheckpointInterval int    `toml:"checkpoint_interval" yaml:"checkpoint_interval" validate:"gte=0"`
	CheckpointVolume   int    `toml:"checkpoint_volume" yaml:"checkpoint_volume" validate:"gte=0"`
	ArchiveNameFormat  string `toml:"archive_name_format" yaml:"archive_name_format"`
	MatchArchives      string `toml:"match_archives" yaml:"match_archives"`

	// Borg invocation.
	LocalPath        string            `toml:"local_path" yaml:"local_path"`
	RemotePath       string            `toml:"remote_path" yaml:"remote_path"`
	LockWait         int               `toml:"lock_wait" yaml:"lock_wait" validate:"gte=0"`
	Umask            string            `toml:"umask" yaml:"umask" validate:"omitempty,numeric"`
	LogJSON          bool              `toml:"log_json" yaml:"log_json"`
	ExtraBorgOptions map[string]string `toml:"extra_borg_options" yaml:"extra_borg_options"`
	BorgExitCodes    []ExitCode        `toml:"borg_exit_codes" yaml:"borg_exit_codes" validate:"dive"`

	// Borg environment.
	EncryptionPasscommand            string            `toml:"encryption_passcommand" yaml:"encryption_passcommand"`
	EncryptionPassphrase             string            `toml:"encryption_passphrase" yaml:"encryption_passphrase"`
	SSHCommand                       string            `toml:"ssh_command" yaml:"ssh_command"`
	BorgBaseDirectory                string            `toml:"borg_base_directory" yaml:"borg_base_directory"`
	BorgConfigDirectory              string            `toml:"borg_config_directory" yaml:"borg_config_directory"`
	BorgCacheDirectory               string            `toml:"borg_cache_directory" yaml:"borg_cache_directory"`
	BorgFilesCacheTTL                int               `toml:"borg_files_cache_ttl" yaml:"borg_files_cache_ttl" validate:"gte=0"`
	BorgSecurityDirectory            string            `toml:"borg_security_directory" yaml:"borg_security_directory"`
	BorgKeysDirectory                string            `toml:"borg_keys_directory" yaml:"borg_keys_directory"`
	TemporaryDirectory               string            `toml:"temporary_directory" yaml:"temporary_directory"`
	RelocatedRepoAccessIsOk          *bool             `toml:"relocated_repo_access_is_ok" yaml:"relocated_repo_access_is_ok"`
	UnknownUnencryptedRepoAccessIsOk *bool             `toml:"unknown_unencrypted_repo_access_is_ok" yaml:"unknown_unencrypted_repo_access_is_ok"`
	CheckIKnowWhatIAmDoing           *bool             `toml:"check_i_know_what_i_am_doing" yaml:"check_i_know_what_i_am_doing"`
	Environment                      map[string]string `toml:"environment" yaml:"environment"`

	// Retention.
	KeepWithin   string `toml:"keep_within" yaml:"keep_within"`
	KeepSecondly int    `toml:"keep_secondly" yaml:"keep_secondly" validate:"gte=0"`
	KeepMinutely int    `toml:"keep_minutely" yaml:"keep_minutely" validate:"gte=0"`
	KeepHourly   int    `toml:"keep_hourly" yaml:"keep_hourly" validate:"gte=0"`
	KeepDaily    int    `toml:"keep_daily" yaml:"keep_daily" validate:"gte=0"`
	KeepWeekly   int    `toml:"keep_weekly" yaml:"keep_weekly" validate:"gte=0"`
	KeepMonthly  int    `toml:"keep_monthly" yaml:"keep_monthly" validate:"gte=0"`
	KeepYearly   int    `toml:"keep_yearly" yaml:"keep_yearly" validate:"gte=0"`
	Prefix       string `toml:"prefix" yaml:"prefix"`

	// Compaction.
	CompactThreshold int `toml:"compact_threshold" yaml:"compact_threshold" validate:"gte=0,lte=100"`

	// Consistency checks.
	Checks            []Check  `toml:"checks" yaml:"checks" validate:"dive"`
	CheckRepositories []string `toml:"check_repositories" yaml:"check_repositories"`
	CheckLast         int      `toml:"check_last" yaml:"check_last" validate:"gte=0"`

	// Directories used by goborgmatic itself.
	UserRuntimeDirectory     string `toml:"user_runtime_directory" yaml:"user_runtime_directory" validate:"omitempty,startswith=/"`
	UserStateDirectory       string `toml:"user_state_directory" yaml:"user_state_directory"`
	BorgmaticSourceDirectory string `toml:"borgmatic_source_directory" yaml:"borgmatic_source_directory"`

	// Output.
	LogFile            string `toml:"log_file" yaml:"log_file"`
	PrometheusTextfile string `toml:"prometheus_textfile" yaml:"prometheus_textfile"`

	// Command hooks.
	BeforeBackup []string `toml:"before_backup" yaml:"before_backup"`
	AfterBackup  []string `toml:"after_backup" yaml:"after_backup"`
	OnError      []string `toml:"on_error" yaml:"on_error"`

	// Retries.
	Retries   int `toml:"retries" yaml:"retries" validate:"gte=0"`
	RetryWait int `toml:"retry_wait" yaml:"retry_wait" validate:"gte=0"`

	// Snapshot hooks. A nil pointer means the hook is disabled.
	Btrfs *Btrfs `toml:"btrfs" yaml:"btrfs"`
	LVM   *LVM   `toml:"lvm" yaml:"lvm"`
	ZFS   *ZFS   `toml:"zfs" yaml:"zfs"`
}

// Error is a configuration problem: unreadable file, bad syntax, failed
// validation or an unreadable pattern file.
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("configuration error: %v", e.Err)
	}
	return fmt.Sprintf("configuration error in %q: %v", e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

var (
	frequencyRe = regexp.MustCompile(`^(always|[0-9]+ +(hour|day|week|month|year)s?)$`)
	weekdays    = map[string]bool{
		"monday": true, "tuesday": true, "wednesday": true, "thursday": true,
		"friday": true, "saturday": true, "sunday": true,
		"weekday": true, "weekend": true,
	}
)

// newValidator returns a validator with our custom tags registered.
func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("frequency", func(fl validator.FieldLevel) bool {
		return frequencyRe.MatchString(strings.ToLower(strings.TrimSpace(fl.Field().String())))
	})
	_ = v.RegisterValidation("weekday", func(fl validator.FieldLevel) bool {
		return weekdays[strings.ToLower(fl.Field().String())]
	})
	return v
}

// FormatFromPath returns the configuration format implied by the filename.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return YAML
	}
	return TOML
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	r, err := os.Open(path)
	if err != nil {
		return nil, &Error{Path: path, Err: err}
	}
	defer r.Close()

	cfg, err := ParseConfig(r, FormatFromPath(path))
	if err != nil {
		var cerr *Error
		if errors.As(err, &cerr) && cerr.Path == "" {
			cerr.Path = path
		}
		return nil, err
	}
	cfg.Path = path
	return cfg, nil
}

// ParseConfig parses the configuration pointed by io.Reader and performs
// sanity checking. Unknown keys are errors. Returns a Config struct or error.
func ParseConfig(r io.Reader, format Format) (*Config, error) {
	config := &Config{}

	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, &Error{Err: fmt.Errorf("unable to read configuration: %w", err)}
	}

	switch format {
	case YAML:
		dec := yaml.NewDecoder(bytes.NewReader(buf))
		dec.KnownFields(true)
		if err := dec.Decode(config); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, &Error{Err: errors.New("empty configuration")}
			}
			return nil, &Error{Err: fmt.Errorf("error parsing configuration: %w", err)}
		}
	default:
		md, err := toml.Decode(string(buf), config)
		if err != nil {
			return nil, &Error{Err: fmt.Errorf("error parsing configuration: %w", err)}
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := []string{}
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			sort.Strings(keys)
			return nil, &Error{Err: fmt.Errorf("unknown configuration keys: %s", strings.Join(keys, ", "))}
		}
	}

	config.setDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate performs the sanity checks on the configuration.
func (c *Config) Validate() error {
	if err := newValidator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := []string{}
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q validation", fe.Namespace(), fe.Tag()))
			}
			return &Error{Path: c.Path, Err: errors.New(strings.Join(msgs, "; "))}
		}
		return &Error{Path: c.Path, Err: err}
	}
	for _, ck := range c.Checks {
		if ck.Name == "spot" && ck.DataTolerancePercentage > ck.DataSamplePercentage {
			return &Error{Path: c.Path, Err: errors.New("spot check data_tolerance_percentage must be less than or equal to data_sample_percentage")}
		}
	}
	return nil
}

// setDefaults fills in every unset option that has a default value.
func (c *Config) setDefaults() {
	if c.LocalPath == "" {
		c.LocalPath = DefaultLocalPath
	}
	if c.ArchiveNameFormat == "" {
		c.ArchiveNameFormat = DefaultArchiveNameFormat
	}
	if c.Checks == nil {
		c.Checks = []Check{
			{Name: "repository", Frequency: DefaultCheckFrequency},
			{Name: "archives", Frequency: DefaultCheckFrequency},
		}
	}
	for i := range c.Checks {
		if c.Checks[i].Name == "spot" && c.Checks[i].XXH64SumCommand == "" {
			c.Checks[i].XXH64SumCommand = DefaultHashCommand
		}
	}
	if c.Btrfs != nil {
		setDefault(&c.Btrfs.BtrfsCommand, "btrfs")
		setDefault(&c.Btrfs.FindmntCommand, "findmnt")
	}
	if c.LVM != nil {
		setDefault(&c.LVM.SnapshotSize, DefaultSnapshotSize)
		setDefault(&c.LVM.LvcreateCommand, "lvcreate")
		setDefault(&c.LVM.LvremoveCommand, "lvremove")
		setDefault(&c.LVM.LvsCommand, "lvs")
		setDefault(&c.LVM.LsblkCommand, "lsblk")
		setDefault(&c.LVM.MountCommand, "mount")
		setDefault(&c.LVM.UmountCommand, "umount")
	}
	if c.ZFS != nil {
		setDefault(&c.ZFS.ZFSCommand, "zfs")
		setDefault(&c.ZFS.MountCommand, "mount")
		setDefault(&c.ZFS.UmountCommand, "umount")
	}
}

func setDefault(s *string, value string) {
	if *s == "" {
		*s = value
	}
}

// Default returns a configuration with only the defaults set. Mostly useful
// for tests and for actions that don't need a configuration file.
func Default() *Config {
	c := &Config{}
	c.setDefaults()
	return c
}
