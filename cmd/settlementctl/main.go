package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/stellar/go/keypair"

	"fundledger/cmd/internal/passphrase"
	"fundledger/services/settlementd"
	"fundledger/services/settlementd/domain"
	"fundledger/services/settlementd/secrets"
)

const (
	defaultVaultKeyEnv = "SETTLEMENTD_VAULT_KEY"
	defaultVaultPath   = "data-local/settlementd/vault.db"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) < 1 {
		usage(out)
		return fmt.Errorf("command required")
	}
	switch args[0] {
	case "import-secret":
		return runImport(args[1:], out)
	case "list-secrets":
		return runList(args[1:], out)
	case "delete-secret":
		return runDelete(args[1:], out)
	case "check-config":
		return runCheckConfig(args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "Usage: settlementctl <command> [flags]")
	fmt.Fprintln(out, "Commands:")
	fmt.Fprintln(out, "  import-secret  seal a wallet signing secret into the vault")
	fmt.Fprintln(out, "  list-secrets   list stored secret references")
	fmt.Fprintln(out, "  delete-secret  remove a stored secret")
	fmt.Fprintln(out, "  check-config   validate a settlementd configuration file")
}

type vaultFlags struct {
	path   string
	keyEnv string
}

func (v *vaultFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&v.path, "vault", defaultVaultPath, "path to the secret vault")
	fs.StringVar(&v.keyEnv, "key-env", defaultVaultKeyEnv, "environment variable holding the vault passphrase")
}

func (v *vaultFlags) open() (*secrets.Vault, error) {
	key, err := passphrase.NewSource(v.keyEnv, "vault passphrase").Get()
	if err != nil {
		return nil, err
	}
	return secrets.OpenVault(v.path, key)
}

func runImport(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("import-secret", flag.ContinueOnError)
	var vf vaultFlags
	vf.register(fs)
	ref := fs.String("ref", "", "reference stored on the donor or campaign row")
	secretEnv := fs.String("secret-env", "", "environment variable holding the signing secret; prompts when unset")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *ref == "" {
		return fmt.Errorf("-ref is required")
	}
	seed, err := passphrase.NewSource(*secretEnv, "signing secret").Get()
	if err != nil {
		return err
	}
	kp, err := keypair.ParseFull(seed)
	if err != nil {
		return fmt.Errorf("signing secret is not a valid seed")
	}
	vault, err := vf.open()
	if err != nil {
		return err
	}
	defer vault.Close()
	if err := vault.PutSigningSecret(context.Background(), *ref, domain.NewSecret(seed)); err != nil {
		return err
	}
	fmt.Fprintf(out, "stored %s for account %s\n", *ref, kp.Address())
	return nil
}

func runList(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("list-secrets", flag.ContinueOnError)
	var vf vaultFlags
	vf.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	vault, err := vf.open()
	if err != nil {
		return err
	}
	defer vault.Close()
	refs, err := vault.References()
	if err != nil {
		return err
	}
	sort.Strings(refs)
	for _, ref := range refs {
		fmt.Fprintln(out, ref)
	}
	return nil
}

func runDelete(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("delete-secret", flag.ContinueOnError)
	var vf vaultFlags
	vf.register(fs)
	ref := fs.String("ref", "", "reference to remove")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *ref == "" {
		return fmt.Errorf("-ref is required")
	}
	vault, err := vf.open()
	if err != nil {
		return err
	}
	defer vault.Close()
	if err := vault.DeleteSigningSecret(*ref); err != nil {
		return err
	}
	fmt.Fprintf(out, "deleted %s\n", *ref)
	return nil
}

func runCheckConfig(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("check-config", flag.ContinueOnError)
	path := fs.String("config", "services/settlementd/config.example.yaml", "path to settlementd configuration")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := settlementd.LoadConfig(*path)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "config ok: listen %s, network %s, %d donation assets\n",
		cfg.ListenAddress, cfg.Ledger.Network, len(cfg.Donations.Assets))
	return nil
}
