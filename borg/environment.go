// This file is part of goborgmatic, a frontend to drive periodic borg backups.
// For further information, check https://github.com/marcopaganini/goborgmatic
//
// (C) 2015-2024 by Marco Paganini <paganini AT paganini DOT net>

package borg

import (
	"sort"
	"strconv"

	"github.com/marcopaganini/goborgmatic/config"
)

// Environment returns the "KEY=value" environment entries borg needs for the
// configuration, sorted by key. Entries from the configuration's environment
// table come last and override ours.
func Environment(cfg *config.Config) []string {
	env := map[string]string{}

	set := func(key, value string) {
		if value != "" {
			env[key] = value
		}
	}
	set("BORG_PASSCOMMAND", cfg.EncryptionPasscommand)
	set("BORG_PASSPHRASE", cfg.EncryptionPassphrase)
	set("BORG_RSH", cfg.SSHCommand)
	set("BORG_BASE_DIR", cfg.BorgBaseDirectory)
	set("BORG_CONFIG_DIR", cfg.BorgConfigDirectory)
	set("BORG_CACHE_DIR", cfg.BorgCacheDirectory)
	set("BORG_SECURITY_DIR", cfg.BorgSecurityDirectory)
	set("BORG_KEYS_DIR", cfg.BorgKeysDirectory)
	set("TMPDIR", cfg.TemporaryDirectory)
	if cfg.BorgFilesCacheTTL > 0 {
		set("BORG_FILES_CACHE_TTL", strconv.Itoa(cfg.BorgFilesCacheTTL))
	}

	// Borg wants yes/no for these, except for the check prompt which
	// wants YES/NO.
	yesNo := func(key string, value *bool, yes, no string) {
		if value == nil {
			return
		}
		if *value {
			env[key] = yes
			return
		}
		env[key] = no
	}
	yesNo("BORG_RELOCATED_REPO_ACCESS_IS_OK", cfg.RelocatedRepoAccessIsOk, "yes", "no")
	yesNo("BORG_UNKNOWN_UNENCRYPTED_REPO_ACCESS_IS_OK", cfg.UnknownUnencryptedRepoAccessIsOk, "yes", "no")
	yesNo("BORG_CHECK_I_KNOW_WHAT_I_AM_DOING", cfg.CheckIKnowWhatIAmDoing, "YES", "NO")

	for k, v := range cfg.Environment {
		env[k] = v
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ret := make([]string, 0, len(keys))
	for _, k := range keys {
		ret = append(ret, k+"="+env[k])
	}
	return ret
}
