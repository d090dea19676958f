package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	qrterminal "github.com/mdp/qrterminal/v3"

	"peersync/go-core/internal/config"
	"peersync/go-core/internal/identity"
	"peersync/go-core/internal/pairing"
	"peersync/go-core/internal/platform/privacylog"
	"peersync/go-core/internal/storage"
)

const (
	exitOK           = 0
	exitInvalidInput = 10
	exitStateFailed  = 20
	exitAuthFailed   = 30

	passphraseEnv = "PEERSYNC_PASSPHRASE"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitInvalidInput)
	}
	os.Exit(run(os.Args[1], os.Args[2:]))
}

// run dispatches a subcommand and returns its exit code. Subcommands return
// instead of exiting once they hold key material, so deferred wipes run.
func run(cmd string, args []string) int {
	switch cmd {
	case "init":
		return runInit(args)
	case "show":
		return runShow(args)
	case "pair-code":
		return runPairCode(args)
	case "recovery-phrase":
		return runRecoveryPhrase(args)
	case "recover":
		return runRecover(args)
	case "trusted":
		return runTrusted(args)
	case "revoke":
		return runRevoke(args)
	default:
		printUsage()
		return exitInvalidInput
	}
}

type commonFlags struct {
	configPath     *string
	dataDir        *string
	passphraseFile *string
}

func registerCommon(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		configPath:     fs.String("config", "", "config file path"),
		dataDir:        fs.String("data-dir", "", "state directory (overrides config)"),
		passphraseFile: fs.String("passphrase-file", "", "file holding the state passphrase (default $"+passphraseEnv+")"),
	}
}

func (c commonFlags) open() (*storage.StateStore, config.Config, *slog.Logger) {
	cfg, err := config.LoadFromPath(*c.configPath)
	if err != nil {
		writeStderrln(err.Error(), exitInvalidInput)
	}
	if dir := strings.TrimSpace(*c.dataDir); dir != "" {
		cfg.DataDir = dir
	}
	logger := privacylog.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	passphrase, err := readPassphrase(*c.passphraseFile)
	if err != nil {
		writeStderrln(err.Error(), exitInvalidInput)
	}
	store, err := storage.NewStateStore(cfg.DataDir, passphrase)
	if err != nil {
		writeStderrln(err.Error(), exitStateFailed)
	}
	return store, cfg, logger
}

func readPassphrase(path string) (string, error) {
	if path = strings.TrimSpace(path); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return strings.TrimRight(string(raw), "\r\n"), nil
	}
	if v := os.Getenv(passphraseEnv); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("passphrase required: set $%s or --passphrase-file", passphraseEnv)
}

func runInit(args []string) int {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	common := registerCommon(fs)
	if err := fs.Parse(args); err != nil {
		return fail(err.Error(), exitInvalidInput)
	}
	store, _, logger := common.open()
	id, created, err := store.LoadOrCreateIdentity()
	if err != nil {
		return stateFailure(err)
	}
	defer id.Wipe()
	if created {
		logger.Info("identity created", "device_id", id.DeviceID())
	}
	return printIdentity(id, created)
}

func runShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	common := registerCommon(fs)
	if err := fs.Parse(args); err != nil {
		return fail(err.Error(), exitInvalidInput)
	}
	store, _, _ := common.open()
	id, err := store.LoadIdentity()
	if err != nil {
		return stateFailure(err)
	}
	defer id.Wipe()
	return printIdentity(id, false)
}

// runPairCode issues a pairing code and stores it sealed in the data dir,
// where the node host picks it up as its live code.
func runPairCode(args []string) int {
	fs := flag.NewFlagSet("pair-code", flag.ExitOnError)
	common := registerCommon(fs)
	pngPath := fs.String("png", "", "also write the token as a PNG QR code")
	if err := fs.Parse(args); err != nil {
		return fail(err.Error(), exitInvalidInput)
	}
	store, cfg, logger := common.open()
	id, err := store.LoadIdentity()
	if err != nil {
		return stateFailure(err)
	}
	fingerprint := id.Fingerprint()
	id.Wipe()

	code, err := pairing.GenerateCode(fingerprint, time.Now(), cfg.PairingCodeTTL)
	if err != nil {
		return fail(err.Error(), exitStateFailed)
	}
	if err := store.SavePairingCode(code.Record()); err != nil {
		return fail(err.Error(), exitStateFailed)
	}
	logger.Info("pairing code stored", "expires_at", code.ExpiresAt.UTC().Format(time.RFC3339))

	if err := printLines(
		"code:        "+code.Value,
		"fingerprint: "+identity.FormatFingerprint(code.Fingerprint),
		"expires:     "+code.ExpiresAt.Format(time.Kitchen),
	); err != nil {
		return exitStateFailed
	}
	qrterminal.GenerateWithConfig(code.Token(), qrterminal.Config{
		Level:     qrterminal.M,
		Writer:    os.Stdout,
		BlackChar: qrterminal.BLACK,
		WhiteChar: qrterminal.WHITE,
		QuietZone: 1,
	})
	if *pngPath != "" {
		png, err := code.QRCodePNG(256)
		if err != nil {
			return fail(err.Error(), exitStateFailed)
		}
		if err := os.WriteFile(*pngPath, png, 0o600); err != nil {
			return fail(err.Error(), exitStateFailed)
		}
	}
	return exitOK
}

func runRecoveryPhrase(args []string) int {
	fs := flag.NewFlagSet("recovery-phrase", flag.ExitOnError)
	common := registerCommon(fs)
	if err := fs.Parse(args); err != nil {
		return fail(err.Error(), exitInvalidInput)
	}
	store, _, _ := common.open()
	id, err := store.LoadIdentity()
	if err != nil {
		return stateFailure(err)
	}
	defer id.Wipe()
	phrase, err := id.RecoveryPhrase()
	if err != nil {
		return fail(err.Error(), exitStateFailed)
	}
	if err := printLines(phrase); err != nil {
		return exitStateFailed
	}
	return exitOK
}

func runRecover(args []string) int {
	fs := flag.NewFlagSet("recover", flag.ExitOnError)
	common := registerCommon(fs)
	force := fs.Bool("force", false, "replace an existing identity")
	if err := fs.Parse(args); err != nil {
		return fail(err.Error(), exitInvalidInput)
	}
	store, _, logger := common.open()
	if existing, err := store.LoadIdentity(); err == nil {
		existing.Wipe()
		if !*force {
			return fail("identity already exists; pass --force to replace it", exitInvalidInput)
		}
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return fail("read recovery phrase from stdin: "+err.Error(), exitInvalidInput)
	}
	id, err := identity.FromRecoveryPhrase(line)
	if err != nil {
		return fail(err.Error(), exitInvalidInput)
	}
	defer id.Wipe()
	if err := store.SaveIdentity(id); err != nil {
		return fail(err.Error(), exitStateFailed)
	}
	// A code issued for the replaced identity can no longer be honored.
	if err := store.ClearPairingCode(); err != nil {
		return fail(err.Error(), exitStateFailed)
	}
	logger.Info("identity recovered", "device_id", id.DeviceID())
	return printIdentity(id, true)
}

func runTrusted(args []string) int {
	fs := flag.NewFlagSet("trusted", flag.ExitOnError)
	common := registerCommon(fs)
	if err := fs.Parse(args); err != nil {
		return fail(err.Error(), exitInvalidInput)
	}
	store, _, _ := common.open()
	peers, err := store.LoadTrusted()
	if err != nil {
		return stateFailure(err)
	}
	out := make([]map[string]any, 0, len(peers))
	for _, p := range peers {
		out = append(out, map[string]any{
			"device_id":   p.DeviceID,
			"name":        p.Name,
			"fingerprint": identity.FormatFingerprint(p.Fingerprint),
			"paired_at":   p.PairedAt,
		})
	}
	if err := printJSON(out); err != nil {
		return fail(err.Error(), exitStateFailed)
	}
	return exitOK
}

func runRevoke(args []string) int {
	fs := flag.NewFlagSet("revoke", flag.ExitOnError)
	common := registerCommon(fs)
	deviceID := fs.String("device-id", "", "device id to remove from the trusted set")
	if err := fs.Parse(args); err != nil {
		return fail(err.Error(), exitInvalidInput)
	}
	target := strings.TrimSpace(*deviceID)
	if target == "" {
		return fail("device-id is required", exitInvalidInput)
	}
	store, _, logger := common.open()
	peers, err := store.LoadTrusted()
	if err != nil {
		return stateFailure(err)
	}
	kept := peers[:0]
	for _, p := range peers {
		if p.DeviceID != target {
			kept = append(kept, p)
		}
	}
	if len(kept) == len(peers) {
		return fail("device is not trusted", exitInvalidInput)
	}
	if err := store.SaveTrusted(kept); err != nil {
		return fail(err.Error(), exitStateFailed)
	}
	logger.Info("trusted peer revoked", "peer_device_id", target)
	return exitOK
}

func printIdentity(id *identity.DeviceIdentity, created bool) int {
	if err := printJSON(map[string]any{
		"created":     created,
		"device_id":   id.DeviceID(),
		"fingerprint": identity.FormatFingerprint(id.Fingerprint()),
	}); err != nil {
		return fail(err.Error(), exitStateFailed)
	}
	return exitOK
}

// stateFailure maps a state store error to its exit code.
func stateFailure(err error) int {
	switch {
	case errors.Is(err, storage.ErrIdentityNotFound):
		return fail("no identity found; run init first", exitInvalidInput)
	case isAuthError(err):
		return fail("cannot open state: wrong passphrase or corrupted file", exitAuthFailed)
	default:
		return fail(err.Error(), exitStateFailed)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printUsage() {
	writeStdoutln(exitInvalidInput, "peersync-keytool <command> [flags]")
	writeStdoutln(exitInvalidInput, "commands:")
	writeStdoutln(exitInvalidInput, "  init             [--config path] [--data-dir path] [--passphrase-file path]")
	writeStdoutln(exitInvalidInput, "  show             [--data-dir path]")
	writeStdoutln(exitInvalidInput, "  pair-code        [--data-dir path] [--png path]")
	writeStdoutln(exitInvalidInput, "  recovery-phrase  [--data-dir path]")
	writeStdoutln(exitInvalidInput, "  recover          [--data-dir path] [--force] < phrase")
	writeStdoutln(exitInvalidInput, "  trusted          [--data-dir path]")
	writeStdoutln(exitInvalidInput, "  revoke           --device-id id [--data-dir path]")
}

func printLines(lines ...string) error {
	for _, line := range lines {
		if _, err := fmt.Fprintln(os.Stdout, line); err != nil {
			return err
		}
	}
	return nil
}

// fail reports line on stderr and returns exitCode for the caller to return.
func fail(line string, exitCode int) int {
	_, _ = fmt.Fprintln(os.Stderr, line)
	return exitCode
}

func writeStdoutln(exitCode int, line string) {
	if _, err := fmt.Fprintln(os.Stdout, line); err != nil {
		os.Exit(exitCode)
	}
}

func writeStderrln(line string, exitCode int) {
	if _, err := fmt.Fprintln(os.Stderr, line); err != nil {
		os.Exit(exitCode)
	}
	os.Exit(exitCode)
}
