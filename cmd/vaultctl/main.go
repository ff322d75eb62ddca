// Command vaultctl works a local encrypted vault without the daemon:
// encrypt and restore files, manage encryption keys, and inspect
// containers.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/etcr-vault/internal/config"
	"github.com/kenneth/etcr-vault/internal/container"
	"github.com/kenneth/etcr-vault/internal/errs"
	"github.com/kenneth/etcr-vault/internal/keystore"
	"github.com/kenneth/etcr-vault/internal/remote"
	"github.com/kenneth/etcr-vault/internal/vault"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// env bundles the services a command works against.
type env struct {
	cfg        *config.Config
	logger     *logrus.Logger
	keys       *keystore.Store
	vault      *vault.Service
	policies   *config.PolicyManager
	replicator *remote.Service
}

func run(args []string) int {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.WarnLevel)

	global := flag.NewFlagSet("vaultctl", flag.ExitOnError)
	configPath := global.String("config", "", "path to the configuration file")
	verbose := global.Bool("v", false, "verbose logging")
	global.Usage = func() { usage(global) }
	_ = global.Parse(args)

	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	rest := global.Args()
	if len(rest) == 0 {
		usage(global)
		return errs.ExitGeneric
	}

	path := *configPath
	if path == "" {
		path = os.Getenv("ETCR_CONFIG")
	}
	if path == "" {
		path = "config.yaml"
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		logger.WithError(err).Error("Failed to load configuration")
		return errs.ExitGeneric
	}

	ctx := context.Background()

	e, err := setup(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize")
		return errs.ExitCode(err)
	}
	defer e.close(logger)

	cmdErr := dispatch(ctx, e, rest[0], rest[1:])
	if cmdErr != nil {
		logger.WithError(cmdErr).Error("Command failed")
	}
	return errs.ExitCode(cmdErr)
}

func setup(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*env, error) {
	keys, err := keystore.Open(cfg.Keystore.Dir, keystore.Options{
		Logger:         logger,
		KDFConcurrency: cfg.Keystore.KDFConcurrency,
	})
	if err != nil {
		return nil, err
	}

	e := &env{cfg: cfg, logger: logger, keys: keys}

	if cfg.Remote.Enabled {
		if e.replicator, err = openReplicator(ctx, cfg, keys, logger); err != nil {
			keys.Close()
			return nil, err
		}
	}

	defaultAlg, err := container.ParseAlgorithm(cfg.Vault.DefaultAlgorithm)
	if err != nil {
		keys.Close()
		return nil, err
	}

	vaultCfg := vault.Config{
		Dir:              cfg.Vault.Dir,
		Keys:             keys,
		Logger:           logger,
		DefaultAlgorithm: defaultAlg,
	}
	if e.replicator != nil {
		vaultCfg.Replicator = e.replicator
		vaultCfg.Fetcher = e.replicator
	}
	if e.vault, err = vault.New(vaultCfg); err != nil {
		keys.Close()
		return nil, err
	}

	if len(cfg.Policies) > 0 {
		e.policies = config.NewPolicyManager()
		if err := e.policies.LoadPolicies(cfg.Policies); err != nil {
			keys.Close()
			return nil, err
		}
	}
	return e, nil
}

func openReplicator(ctx context.Context, cfg *config.Config, keys *keystore.Store, logger *logrus.Logger) (*remote.Service, error) {
	userID, err := config.EnsureUserID(cfg)
	if err != nil {
		return nil, err
	}

	var store remote.ObjectStore
	switch cfg.Remote.Backend {
	case "s3":
		store, err = remote.NewS3Store(ctx, remote.S3Config{
			Bucket:    cfg.Remote.S3.Bucket,
			Region:    cfg.Remote.S3.Region,
			Endpoint:  cfg.Remote.S3.Endpoint,
			AccessKey: cfg.Remote.S3.AccessKey,
			SecretKey: cfg.Remote.S3.SecretKey,
			PathStyle: cfg.Remote.S3.UsePathStyle,
		})
	case "drive":
		store, err = remote.NewDriveStore(ctx, remote.DriveConfig{
			CredentialsFile: cfg.Remote.Drive.CredentialsFile,
			TokenFile:       cfg.Remote.Drive.TokenFile,
			RootFolderID:    cfg.Remote.Drive.RootFolderID,
			FolderCacheTTL:  cfg.Remote.Drive.FolderCacheTTL,
		})
	default:
		return nil, fmt.Errorf("unknown remote backend %q", cfg.Remote.Backend)
	}
	if err != nil {
		return nil, err
	}

	return remote.New(remote.Config{
		Store:         store,
		UserID:        userID,
		Keys:          keys,
		KeyPassphrase: cfg.Remote.KeyPassphrase,
		Logger:        logger,
		Workers:       cfg.Remote.Workers,
		QueueSize:     cfg.Remote.QueueSize,
	})
}

// close drains pending uploads and releases the key store.
func (e *env) close(logger *logrus.Logger) {
	if e.replicator != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		if err := e.replicator.Close(ctx); err != nil {
			logger.WithError(err).Warn("Replication queue not fully drained")
		}
		cancel()
	}
	if e.keys != nil {
		e.keys.Close()
	}
}

func dispatch(ctx context.Context, e *env, command string, args []string) error {
	switch command {
	case "put":
		return cmdPut(ctx, e, args)
	case "get":
		return cmdGet(ctx, e, args)
	case "list", "ls":
		return cmdList(ctx, e)
	case "delete", "rm":
		return cmdDelete(ctx, e, args)
	case "inspect":
		return cmdInspect(ctx, e, args)
	case "keys":
		return cmdKeys(ctx, e, args)
	case "backup":
		return cmdBackup(e, args)
	case "restore":
		return cmdRestore(ctx, e, args)
	default:
		return fmt.Errorf("unknown command %q (run vaultctl -h)", command)
	}
}

func cmdPut(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("put", flag.ExitOnError)
	algName := fs.String("algorithm", "", "encryption algorithm (default from config or policy)")
	deleteOriginal := fs.Bool("delete", e.cfg.Vault.DeleteOriginals, "delete the source file after encryption")
	backupDir := fs.String("backup", e.cfg.Vault.BackupDir, "directory for a user-visible copy of each container (empty disables)")
	_ = fs.Parse(args)
	if fs.NArg() == 0 {
		return fmt.Errorf("put needs at least one file")
	}

	deleteSet := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "delete" {
			deleteSet = true
		}
	})

	for _, path := range fs.Args() {
		opts, err := putOptions(e, path, *algName, *backupDir, *deleteOriginal, deleteSet)
		if err != nil {
			return err
		}
		entry, err := e.vault.Put(ctx, path, opts)
		if err != nil {
			return err
		}
		fmt.Printf("%s -> %s (%s, key %s)\n", entry.OriginalName, entry.EncryptedFilename, entry.Algorithm, entry.KeyID)
		if entry.BackupPath != "" {
			fmt.Printf("  backup: %s\n", entry.BackupPath)
		}
	}
	return nil
}

// putOptions resolves algorithm and delete behavior for one file: an
// explicit -algorithm wins over a matching policy; an explicit -delete
// wins over both policy and config.
func putOptions(e *env, path, algName, backupDir string, deleteOriginal, deleteSet bool) (vault.PutOptions, error) {
	effective := e.cfg
	if e.policies != nil {
		if policy := e.policies.PolicyForFile(path); policy != nil {
			effective = policy.ApplyToConfig(e.cfg)
			if algName == "" && policy.Algorithm != "" {
				algName = policy.Algorithm
			}
			e.logger.WithFields(logrus.Fields{
				"file":   path,
				"policy": policy.ID,
			}).Debug("Applying file policy")
		}
	}

	opts := vault.PutOptions{
		DeleteOriginal: effective.Vault.DeleteOriginals,
		BackupDir:      backupDir,
	}
	if deleteSet {
		opts.DeleteOriginal = deleteOriginal
	}

	if algName != "" {
		alg, err := container.ParseAlgorithm(algName)
		if err != nil {
			return opts, err
		}
		if !alg.Encryptable() {
			return opts, errs.E(errs.UnknownAlgorithm, "vaultctl.put", path,
				fmt.Errorf("algorithm %s is decrypt-only", algName))
		}
		opts.Algorithm = alg
	}
	return opts, nil
}

func cmdGet(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	outDir := fs.String("out", ".", "directory for restored files")
	_ = fs.Parse(args)
	if fs.NArg() == 0 {
		return fmt.Errorf("get needs at least one container reference")
	}

	for _, ref := range fs.Args() {
		path, res, err := e.vault.Get(ctx, ref, *outDir)
		if err != nil {
			return err
		}
		fmt.Printf("%s -> %s (%s)\n", ref, path, res.Algorithm)
		if res.Unauthenticated {
			fmt.Fprintf(os.Stderr, "warning: %s was decrypted without integrity verification\n", ref)
		}
	}
	return nil
}

func cmdList(ctx context.Context, e *env) error {
	entries, err := e.vault.List(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("vault is empty")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSIZE\tALGORITHM\tKEY\tUPLOADED")
	for _, entry := range entries {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			entry.ID, entry.OriginalName, entry.OriginalSize,
			entry.Algorithm, entry.KeyID,
			entry.Timestamp.Local().Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func cmdDelete(ctx context.Context, e *env, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("delete needs exactly one container reference")
	}
	if err := e.vault.Delete(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("deleted %s\n", args[0])
	return nil
}

func cmdInspect(ctx context.Context, e *env, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("inspect needs exactly one container reference")
	}
	info, err := e.vault.Inspect(ctx, args[0])
	if err != nil {
		return err
	}

	c := info.Container
	fmt.Printf("path:            %s\n", info.Path)
	if c.Legacy {
		fmt.Printf("format:          legacy (unframed)\n")
	} else {
		fmt.Printf("format:          ETCR v%d\n", c.Version)
	}
	fmt.Printf("algorithm:       %s\n", c.Algorithm)
	fmt.Printf("iv size:         %d\n", c.IVSize)
	fmt.Printf("tag size:        %d\n", c.TagSize)
	fmt.Printf("dek hash:        %s\n", c.KeyHashHex())
	fmt.Printf("ciphertext size: %d\n", c.CiphertextSize)
	if info.Entry != nil {
		fmt.Printf("original name:   %s\n", info.Entry.OriginalName)
		fmt.Printf("original size:   %d\n", info.Entry.OriginalSize)
		fmt.Printf("key id:          %s\n", info.Entry.KeyID)
		fmt.Printf("uploaded:        %s\n", info.Entry.Timestamp.Format(time.RFC3339))
	}
	return nil
}

func cmdKeys(ctx context.Context, e *env, args []string) error {
	if len(args) == 0 {
		return keysList(e)
	}
	sub, rest := args[0], args[1:]
	switch sub {
	case "list":
		return keysList(e)
	case "generate":
		return keysGenerate(ctx, e, rest)
	case "import":
		return keysImport(ctx, e, rest)
	case "derive":
		return keysDerive(ctx, e, rest)
	case "activate":
		return keysActivate(ctx, e, rest)
	case "delete":
		return keysDelete(ctx, e, rest)
	case "export":
		return keysExport(e, rest)
	case "restore-remote":
		return keysRestoreRemote(ctx, e, rest)
	default:
		return fmt.Errorf("unknown keys subcommand %q", sub)
	}
}

func keysList(e *env) error {
	records := e.keys.List()
	if len(records) == 0 {
		fmt.Println("no keys stored")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tCREATED\tACTIVE\tDESCRIPTION")
	for _, rec := range records {
		active := ""
		if rec.Active {
			active = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			rec.ID, rec.Kind, rec.Created.Local().Format("2006-01-02 15:04"),
			active, rec.Description)
	}
	return w.Flush()
}

func keysGenerate(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("keys generate", flag.ExitOnError)
	description := fs.String("description", "", "free-form key description")
	_ = fs.Parse(args)

	rec, err := e.keys.Generate(ctx, *description)
	if err != nil {
		return err
	}
	fmt.Printf("generated key %s (active: %v)\n", rec.ID, rec.Active)
	return nil
}

func keysImport(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("keys import", flag.ExitOnError)
	description := fs.String("description", "", "free-form key description")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("keys import needs the key as 64 hex characters")
	}

	rec, err := e.keys.Import(ctx, fs.Arg(0), *description)
	if err != nil {
		return err
	}
	fmt.Printf("imported key %s (active: %v)\n", rec.ID, rec.Active)
	return nil
}

func keysDerive(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("keys derive", flag.ExitOnError)
	passphrase := fs.String("passphrase", "", "passphrase to derive from (or ETCR_PASSPHRASE)")
	entropy := fs.String("entropy", "", "extra entropy; same passphrase and entropy always yield the same key")
	description := fs.String("description", "", "free-form key description")
	_ = fs.Parse(args)

	pass, err := resolvePassphrase(*passphrase)
	if err != nil {
		return err
	}
	rec, err := e.keys.Derive(ctx, pass, *entropy, *description)
	if err != nil {
		return err
	}
	fmt.Printf("derived key %s (active: %v)\n", rec.ID, rec.Active)
	return nil
}

func keysActivate(ctx context.Context, e *env, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("keys activate needs a key id")
	}
	if err := e.keys.Activate(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("activated key %s\n", args[0])
	return nil
}

func keysDelete(ctx context.Context, e *env, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("keys delete needs a key id")
	}
	if err := e.keys.Delete(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("deleted key %s\n", args[0])
	return nil
}

// keysExport prints the raw key hex on stdout so it can be piped without
// the surrounding chatter all other subcommands print.
func keysExport(e *env, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("keys export needs a key id")
	}
	keyHex, err := e.keys.Export(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, "handle this key like the plaintext it protects")
	fmt.Println(keyHex)
	return nil
}

// keysRestoreRemote fetches the wrapped key stored beside a container's
// remote copies, for machines that never held the key locally. The
// configured remote key passphrase unseals it.
func keysRestoreRemote(ctx context.Context, e *env, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("keys restore-remote needs a container DEK hash")
	}
	if e.replicator == nil {
		return fmt.Errorf("remote replication is not enabled")
	}

	rec, err := e.replicator.RestoreKey(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("restored key %s from remote storage (active: %v)\n", rec.ID, rec.Active)
	return nil
}

func cmdBackup(e *env, args []string) error {
	fs := flag.NewFlagSet("backup", flag.ExitOnError)
	passphrase := fs.String("passphrase", "", "passphrase sealing the backup (or ETCR_PASSPHRASE)")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("backup needs a destination path")
	}

	pass, err := resolvePassphrase(*passphrase)
	if err != nil {
		return err
	}
	if err := e.keys.Backup(fs.Arg(0), pass); err != nil {
		return err
	}
	fmt.Printf("backed up active key to %s\n", fs.Arg(0))
	return nil
}

func cmdRestore(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("restore", flag.ExitOnError)
	passphrase := fs.String("passphrase", "", "passphrase the backup was sealed with (or ETCR_PASSPHRASE)")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("restore needs a backup path")
	}

	pass, err := resolvePassphrase(*passphrase)
	if err != nil {
		return err
	}
	rec, err := e.keys.Restore(ctx, fs.Arg(0), pass)
	if err != nil {
		return err
	}
	fmt.Printf("restored key %s (active: %v)\n", rec.ID, rec.Active)
	return nil
}

// resolvePassphrase falls back to the ETCR_PASSPHRASE environment
// variable so scripts can avoid putting secrets in argv.
func resolvePassphrase(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if v := os.Getenv("ETCR_PASSPHRASE"); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("a passphrase is required (use -passphrase or ETCR_PASSPHRASE)")
}

func usage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `Usage: vaultctl [flags] <command> [command flags] [args]

Commands:
  put <file>...               encrypt files into the vault
  get <ref>...                restore files from the vault
  list                        list vault containers
  delete <ref>                remove a container from the vault
  inspect <ref>               show container details
  keys [list]                 list encryption keys
  keys generate               generate a new random key
  keys import <hex>           import a raw 32-byte key
  keys derive                 derive a key from a passphrase
  keys activate <id>          make a key the active one
  keys delete <id>            remove a key
  keys export <id>            print a key as 64 hex characters
  keys restore-remote <hash>  fetch and import a wrapped key from remote storage
  backup <path>               write a passphrase-sealed backup of the active key
  restore <path>              import a key from a backup file

Flags:
`)
	fs.PrintDefaults()
}
