// This file is part of goborgmatic, a frontend to drive periodic borg backups.
// For further information, check https://github.com/marcopaganini/goborgmatic
//
// (C) 2015-2024 by Marco Paganini <paganini AT paganini DOT net>

package main

import (
	"fmt"
	"strconv"

	"github.com/marcopaganini/goborgmatic/actions"
	"github.com/marcopaganini/goborgmatic/borg"
	"github.com/marcopaganini/goborgmatic/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// verbosityLevel is a flag holding a log level between -2 and 2.
type verbosityLevel logging.Level

type cmdLineOpts struct {
	configs    []string
	dryRun     bool
	verbosity  verbosityLevel
	repository string
	logFile    string
	logJSON    bool
}

// runFunc runs the actions selected on the command line.
type runFunc func(cmd *cobra.Command, acts []actions.Action) error

// Definitions for the custom flag type verbosityLevel.

// String returns the string representation of the flag.
func (v *verbosityLevel) String() string {
	return strconv.Itoa(int(*v))
}

// Set parses and validates the verbosity.
func (v *verbosityLevel) Set(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("verbosity must be a number: %q", s)
	}
	level, err := logging.ParseLevel(n)
	if err != nil {
		return err
	}
	*v = verbosityLevel(level)
	return nil
}

// Type is shown in the usage message.
func (v *verbosityLevel) Type() string {
	return "level"
}

// filterFlags adds the archive selection flags shared by list, info, mount
// and delete.
func filterFlags(fs *pflag.FlagSet, f *borg.Filters) {
	fs.IntVar(&f.First, "first", 0, "Only the first N archives")
	fs.IntVar(&f.Last, "last", 0, "Only the last N archives")
	fs.StringVar(&f.Oldest, "oldest", "", "Only archives within this interval of the oldest one (e.g. 7d)")
	fs.StringVar(&f.Newest, "newest", "", "Only archives within this interval of the newest one")
	fs.StringVar(&f.Older, "older", "", "Only archives older than this interval")
	fs.StringVar(&f.Newer, "newer", "", "Only archives newer than this interval")
}

// single returns a cobra run function running one action built by fn.
func single(run runFunc, fn func(args []string) (actions.Action, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := fn(args)
		if err != nil {
			return err
		}
		return run(cmd, []actions.Action{a})
	}
}

// newRootCommand returns the command tree. Without a sub command the
// default actions (create, prune, compact and check) run.
func newRootCommand(opt *cmdLineOpts, run runFunc) *cobra.Command {
	root := &cobra.Command{
		Use:   "goborgmatic",
		Short: "Simple, configuration driven backups with borg",
		Long: `goborgmatic runs borg for every repository in the configuration files,
wrapping archive creation with filesystem snapshots and running consistency
checks on a schedule.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, actions.Default())
		},
	}

	pf := root.PersistentFlags()
	pf.StringSliceVarP(&opt.configs, "config", "c", nil, "Configuration file or directory (may be repeated)")
	pf.BoolVarP(&opt.dryRun, "dry-run", "n", false, "Dry-run mode (borg runs with --dry-run where supported)")
	pf.VarP(&opt.verbosity, "verbosity", "v", "Log level: -2 (disabled), -1 (errors), 0 (warnings), 1 (info) or 2 (debug)")
	pf.StringVar(&opt.repository, "repository", "", "Only run against the repository with this path or label")
	pf.StringVar(&opt.logFile, "log-file", "", "Also write log messages to this file")
	pf.BoolVar(&opt.logJSON, "log-json", false, "Ask borg to log in JSON")

	// create
	var create actions.Create
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create an archive",
		Args:  cobra.NoArgs,
		RunE:  single(run, func([]string) (actions.Action, error) { return create, nil }),
	}
	fs := createCmd.Flags()
	fs.BoolVar(&create.Progress, "progress", false, "Display progress for each file")
	fs.BoolVar(&create.Stats, "stats", false, "Display statistics of the archive")
	fs.BoolVar(&create.List, "list", false, "Show per-file details")
	fs.BoolVar(&create.JSON, "json", false, "Output results as JSON")

	// prune
	var prune actions.Prune
	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Prune archives according to the retention policy",
		Args:  cobra.NoArgs,
		RunE:  single(run, func([]string) (actions.Action, error) { return prune, nil }),
	}
	fs = pruneCmd.Flags()
	fs.BoolVar(&prune.Stats, "stats", false, "Display statistics of the pruned archives")
	fs.BoolVar(&prune.List, "list", false, "List kept and pruned archives")

	// compact
	var compact actions.Compact
	compactCmd := &cobra.Command{
		Use:   "compact",
		Short: "Compact segments to free space",
		Args:  cobra.NoArgs,
		RunE:  single(run, func([]string) (actions.Action, error) { return compact, nil }),
	}
	fs = compactCmd.Flags()
	fs.BoolVar(&compact.Progress, "progress", false, "Display progress")
	fs.BoolVar(&compact.CleanupCommits, "cleanup-commits", false, "Cleanup commit-only segment files (borg 1.2)")

	// check
	var check actions.Check
	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Check archives for consistency",
		Args:  cobra.NoArgs,
		RunE:  single(run, func([]string) (actions.Action, error) { return check, nil }),
	}
	fs = checkCmd.Flags()
	fs.BoolVar(&check.Progress, "progress", false, "Display progress")
	fs.BoolVar(&check.Repair, "repair", false, "Attempt to repair inconsistencies")
	fs.IntVar(&check.MaxDuration, "max-duration", 0, "Partial repository check, limited to this many seconds")
	fs.StringSliceVar(&check.Only, "only", nil, "Run only these checks, ignoring their frequencies")
	fs.BoolVar(&check.Force, "force", false, "Ignore the configured check frequencies")

	// list
	var list actions.List
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List archives, or the files in one archive",
		Args:  cobra.NoArgs,
		RunE:  single(run, func([]string) (actions.Action, error) { return list, nil }),
	}
	fs = listCmd.Flags()
	fs.StringVar(&list.Archive, "archive", "", "Archive name to list (or \"latest\")")
	fs.StringSliceVar(&list.Paths, "path", nil, "Only list these paths within the archive")
	fs.StringVar(&list.Prefix, "prefix", "", "Only list archive names starting with this prefix")
	fs.StringVarP(&list.MatchArchives, "match-archives", "a", "", "Only list archive names matching this pattern")
	fs.StringVar(&list.Format, "format", "", "Format for the listed entries")
	fs.BoolVar(&list.Short, "short", false, "Output only names")
	fs.BoolVar(&list.JSON, "json", false, "Output results as JSON")
	filterFlags(fs, &list.Filters)

	// info
	var info actions.Info
	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Display summary information on archives",
		Args:  cobra.NoArgs,
		RunE:  single(run, func([]string) (actions.Action, error) { return info, nil }),
	}
	fs = infoCmd.Flags()
	fs.StringVar(&info.Archive, "archive", "", "Archive name to show (or \"latest\")")
	fs.StringVar(&info.Prefix, "prefix", "", "Only show archive names starting with this prefix")
	fs.StringVarP(&info.MatchArchives, "match-archives", "a", "", "Only show archive names matching this pattern")
	fs.BoolVar(&info.JSON, "json", false, "Output results as JSON")
	filterFlags(fs, &info.Filters)

	// recreate
	var recreate actions.Recreate
	recreateCmd := &cobra.Command{
		Use:   "recreate",
		Short: "Recreate archives with the current patterns and compression",
		Args:  cobra.NoArgs,
		RunE:  single(run, func([]string) (actions.Action, error) { return recreate, nil }),
	}
	fs = recreateCmd.Flags()
	fs.StringVar(&recreate.Archive, "archive", "", "Archive name to recreate (or \"latest\")")
	fs.StringVarP(&recreate.MatchArchives, "match-archives", "a", "", "Only recreate archive names matching this pattern")
	fs.StringVar(&recreate.Target, "target", "", "Create a new archive with this name instead of replacing the original")
	fs.StringVar(&recreate.Comment, "comment", "", "Add a comment to the archive")
	fs.StringVar(&recreate.Timestamp, "timestamp", "", "Manually set the archive creation date/time")
	fs.StringVar(&recreate.Recompress, "recompress", "", "Recompress chunks with the configured compression (if-different, always or never)")
	fs.BoolVar(&recreate.List, "list", false, "Show per-file details")

	// delete
	var del actions.Delete
	deleteCmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete archives (or the whole repository when no archive is selected)",
		Args:  cobra.NoArgs,
		RunE:  single(run, func([]string) (actions.Action, error) { return del, nil }),
	}
	fs = deleteCmd.Flags()
	fs.StringVar(&del.Archive, "archive", "", "Archive name to delete (or \"latest\")")
	fs.StringVarP(&del.MatchArchives, "match-archives", "a", "", "Only delete archive names matching this pattern")
	fs.CountVar(&del.Force, "force", "Force deletion of corrupted archives (twice to force harder)")
	fs.BoolVar(&del.Stats, "stats", false, "Display statistics for the deleted archives")
	fs.BoolVar(&del.List, "list", false, "Show details for the deleted archives")
	fs.BoolVar(&del.CacheOnly, "cache-only", false, "Delete only the local cache")
	fs.BoolVar(&del.KeepSecurityInfo, "keep-security-info", false, "Do not delete the local security info")
	filterFlags(fs, &del.Filters)

	// mount
	var mount actions.Mount
	mountCmd := &cobra.Command{
		Use:   "mount",
		Short: "Mount archives as a FUSE filesystem",
		Args:  cobra.NoArgs,
		RunE: single(run, func([]string) (actions.Action, error) {
			if mount.MountPoint == "" {
				return nil, fmt.Errorf("mount requires --mount-point")
			}
			return mount, nil
		}),
	}
	fs = mountCmd.Flags()
	fs.StringVar(&mount.Archive, "archive", "", "Archive name to mount (or \"latest\"); all archives when empty")
	fs.StringVar(&mount.MountPoint, "mount-point", "", "Path where the filesystem will be mounted")
	fs.StringSliceVar(&mount.Paths, "path", nil, "Only mount these paths within the archive")
	fs.BoolVar(&mount.Foreground, "foreground", false, "Stay in the foreground until unmounted")
	fs.StringVar(&mount.Options, "options", "", "Extra FUSE mount options")
	filterFlags(fs, &mount.Filters)

	// umount
	var umount actions.Umount
	umountCmd := &cobra.Command{
		Use:   "umount",
		Short: "Unmount a FUSE filesystem mounted with mount",
		Args:  cobra.NoArgs,
		RunE: single(run, func([]string) (actions.Action, error) {
			if umount.MountPoint == "" {
				return nil, fmt.Errorf("umount requires --mount-point")
			}
			return umount, nil
		}),
	}
	umountCmd.Flags().StringVar(&umount.MountPoint, "mount-point", "", "Path of the mounted filesystem")

	// extract
	var extract actions.Extract
	extractCmd := &cobra.Command{
		Use:   "extract",
		Short: "Extract files from an archive",
		Args:  cobra.NoArgs,
		RunE: single(run, func([]string) (actions.Action, error) {
			if extract.Archive == "" {
				return nil, fmt.Errorf("extract requires --archive")
			}
			return extract, nil
		}),
	}
	fs = extractCmd.Flags()
	fs.StringVar(&extract.Archive, "archive", "", "Archive name to extract (or \"latest\")")
	fs.StringSliceVar(&extract.Paths, "path", nil, "Only extract these paths")
	fs.StringVar(&extract.Destination, "destination", "", "Directory to extract into (default: working directory)")
	fs.IntVar(&extract.StripComponents, "strip-components", 0, "Number of leading path components to remove")
	fs.BoolVar(&extract.Progress, "progress", false, "Display progress")

	// repo-create
	var repoCreate actions.RepoCreate
	repoCreateCmd := &cobra.Command{
		Use:     "repo-create",
		Aliases: []string{"rcreate", "init"},
		Short:   "Create a new, empty repository",
		Args:    cobra.NoArgs,
		RunE: single(run, func([]string) (actions.Action, error) {
			if repoCreate.Encryption == "" {
				return nil, fmt.Errorf("repo-create requires --encryption")
			}
			return repoCreate, nil
		}),
	}
	fs = repoCreateCmd.Flags()
	fs.StringVarP(&repoCreate.Encryption, "encryption", "e", "", "Encryption mode (e.g. repokey-blake2)")
	fs.StringVar(&repoCreate.SourceRepository, "source-repository", "", "Repository to copy the key material from (borg 2)")
	fs.BoolVar(&repoCreate.CopyCryptKey, "copy-crypt-key", false, "Copy the crypt key from the source repository (borg 2)")
	fs.BoolVar(&repoCreate.AppendOnly, "append-only", false, "Create an append-only repository")
	fs.StringVar(&repoCreate.StorageQuota, "storage-quota", "", "Repository storage quota (e.g. 5G)")
	fs.BoolVar(&repoCreate.MakeParentDirs, "make-parent-dirs", false, "Create missing parent directories")

	// repo-delete
	var repoDelete actions.RepoDelete
	repoDeleteCmd := &cobra.Command{
		Use:     "repo-delete",
		Aliases: []string{"rdelete"},
		Short:   "Delete the whole repository",
		Args:    cobra.NoArgs,
		RunE:    single(run, func([]string) (actions.Action, error) { return repoDelete, nil }),
	}
	fs = repoDeleteCmd.Flags()
	fs.CountVar(&repoDelete.Force, "force", "Force deletion of a corrupted repository (twice to force harder)")
	fs.BoolVar(&repoDelete.CacheOnly, "cache-only", false, "Delete only the local cache")
	fs.BoolVar(&repoDelete.KeepSecurityInfo, "keep-security-info", false, "Do not delete the local security info")
	fs.BoolVar(&repoDelete.List, "list", false, "Show details for the deleted archives")

	// key export / key import
	keyCmd := &cobra.Command{
		Use:   "key",
		Short: "Manage repository keys",
	}
	var keyExport actions.KeyExport
	keyExportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export the repository key for safekeeping",
		Args:  cobra.NoArgs,
		RunE:  single(run, func([]string) (actions.Action, error) { return keyExport, nil }),
	}
	fs = keyExportCmd.Flags()
	fs.BoolVar(&keyExport.Paper, "paper", false, "Export in a text format suitable for printing")
	fs.BoolVar(&keyExport.QRHTML, "qr-html", false, "Export as an HTML file with a QR code")
	fs.StringVar(&keyExport.Path, "path", "", "File to export the key to (default: standard output)")

	var keyImport actions.KeyImport
	keyImportCmd := &cobra.Command{
		Use:   "import",
		Short: "Import a previously exported repository key",
		Args:  cobra.NoArgs,
		RunE:  single(run, func([]string) (actions.Action, error) { return keyImport, nil }),
	}
	fs = keyImportCmd.Flags()
	fs.BoolVar(&keyImport.Paper, "paper", false, "Import from the text format, interactively")
	fs.StringVar(&keyImport.Path, "path", "", "File to import the key from (default: standard input)")
	keyCmd.AddCommand(keyExportCmd, keyImportCmd)

	changePassphraseCmd := &cobra.Command{
		Use:   "change-passphrase",
		Short: "Change the repository passphrase",
		Args:  cobra.NoArgs,
		RunE: single(run, func([]string) (actions.Action, error) {
			return actions.ChangePassphrase{}, nil
		}),
	}

	breakLockCmd := &cobra.Command{
		Use:   "break-lock",
		Short: "Remove stale repository and cache locks",
		Args:  cobra.NoArgs,
		RunE: single(run, func([]string) (actions.Action, error) {
			return actions.BreakLock{}, nil
		}),
	}

	// borg passes everything after "--" straight to borg.
	var passthrough actions.Borg
	borgCmd := &cobra.Command{
		Use:   "borg [flags] -- borg_options...",
		Short: "Run an arbitrary borg command with the repository selected",
		Args:  cobra.MinimumNArgs(1),
		RunE: single(run, func(args []string) (actions.Action, error) {
			a := passthrough
			a.Options = args
			return a, nil
		}),
	}
	borgCmd.Flags().StringVar(&passthrough.Archive, "archive", "", "Archive name to pass to borg (or \"latest\")")

	root.AddCommand(createCmd, pruneCmd, compactCmd, checkCmd, listCmd, infoCmd,
		recreateCmd, deleteCmd, mountCmd, umountCmd, extractCmd, repoCreateCmd,
		repoDeleteCmd, keyCmd, changePassphraseCmd, breakLockCmd, borgCmd)
	return root
}
