// This file is part of goborgmatic, a frontend to drive periodic borg backups.
// For further information, check https://github.com/marcopaganini/goborgmatic
//
// (C) 2015-2024 by Marco Paganini <paganini AT paganini DOT net>

package borg

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/marcopaganini/goborgmatic/logging"
)

// KeyExportArgs holds the command line options of the key export action.
type KeyExportArgs struct {
	Paper  bool
	QRHTML bool
	// Path to write the key to. Empty or "-" writes to standard output.
	Path string
}

func toStdio(path string) bool {
	return path == "" || path == "-"
}

// keyPath returns path relative to the working directory, the way borg
// will see it.
func (r *Runner) keyPath(path string) string {
	if filepath.IsAbs(path) || r.Config.WorkingDir() == "" {
		return path
	}
	return filepath.Join(r.Config.WorkingDir(), path)
}

// KeyExportCommand returns the command line exporting the key of repo.
func (r *Runner) KeyExportCommand(repo string, args KeyExportArgs) ([]string, error) {
	cmd := r.command("key", "export")
	cmd = append(cmd, r.logLevelFlags(false)...)
	cmd = append(cmd, r.globalFlags(repo)...)
	cmd = append(cmd, boolFlag("paper", args.Paper)...)
	cmd = append(cmd, boolFlag("qr-html", args.QRHTML)...)

	extra, err := r.extraOptions("key_export")
	if err != nil {
		return nil, err
	}
	cmd = append(cmd, extra...)
	cmd = append(cmd, RepositoryFlags(repo, r.Version)...)
	if !toStdio(args.Path) {
		cmd = append(cmd, args.Path)
	}
	return cmd, nil
}

// KeyExport exports the key of repo. An existing destination file is never
// overwritten.
func (r *Runner) KeyExport(ctx context.Context, repo string, args KeyExportArgs) error {
	if !toStdio(args.Path) {
		if _, err := os.Stat(r.keyPath(args.Path)); err == nil {
			return fmt.Errorf("destination path %s already exists, aborting", args.Path)
		}
	}
	cmd, err := r.KeyExportCommand(repo, args)
	if err != nil {
		return err
	}
	if r.skipDryRun(ctx, "key export") {
		return nil
	}
	_, err = r.run(ctx, cmd, runOptions{output: logging.Answer, interactive: true})
	return err
}

// KeyImportArgs holds the command line options of the key import action.
type KeyImportArgs struct {
	Paper bool
	// Path to read the key from. Empty or "-" reads from standard input.
	Path string
}

// KeyImportCommand returns the command line importing a key into repo.
func (r *Runner) KeyImportCommand(repo string, args KeyImportArgs) []string {
	cmd := r.command("key", "import")
	cmd = append(cmd, r.logLevelFlags(false)...)
	cmd = append(cmd, r.globalFlags(repo)...)
	cmd = append(cmd, boolFlag("paper", args.Paper)...)
	cmd = append(cmd, RepositoryFlags(repo, r.Version)...)
	if toStdio(args.Path) {
		return append(cmd, "-")
	}
	return append(cmd, args.Path)
}

// KeyImport imports a key into repo. The source file must exist.
func (r *Runner) KeyImport(ctx context.Context, repo string, args KeyImportArgs) error {
	if !toStdio(args.Path) {
		if _, err := os.Stat(r.keyPath(args.Path)); err != nil {
			return fmt.Errorf("source key %s: %w", args.Path, err)
		}
	}
	if r.skipDryRun(ctx, "key import") {
		return nil
	}
	_, err := r.run(ctx, r.KeyImportCommand(repo, args), runOptions{output: logging.Answer, interactive: true})
	return err
}

// ChangePassphraseCommand returns the command line changing the passphrase
// of the key of repo.
func (r *Runner) ChangePassphraseCommand(repo string) []string {
	cmd := r.command("key", "change-passphrase")
	cmd = append(cmd, r.logLevelFlags(false)...)
	cmd = append(cmd, r.globalFlags(repo)...)
	return append(cmd, RepositoryFlags(repo, r.Version)...)
}

// ChangePassphrase changes the passphrase of the key of repo. Borg prompts
// for the new passphrase.
func (r *Runner) ChangePassphrase(ctx context.Context, repo string) error {
	if r.skipDryRun(ctx, "passphrase change") {
		return nil
	}
	_, err := r.run(ctx, r.ChangePassphraseCommand(repo), runOptions{output: logging.Answer, interactive: true})
	return err
}
