package main

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"

	"github.com/awnumar/memguard"
	"github.com/ruteri/device-keyvault/cmd/flags"
	"github.com/ruteri/device-keyvault/common"
	"github.com/ruteri/device-keyvault/interfaces"
	"github.com/urfave/cli/v2"
)

var KeyctlServiceLogFlag = flags.LogServiceFlagFn("keyctl")

var flagYes = &cli.BoolFlag{
	Name:  "yes",
	Usage: "confirm destroying all keys",
}

func main() {
	// Wipe enclaves before exiting on interrupt
	memguard.CatchInterrupt()
	defer memguard.Purge()

	if err := newApp().Run(os.Args); err != nil {
		memguard.Purge()
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "keyctl",
		Usage:   "Manage device encryption keys and stored secrets",
		Version: common.Version,
		Flags:   append(append(append([]cli.Flag{}, flags.KeyStoreFlags...), flags.SecretsURIFlag, KeyctlServiceLogFlag), flags.CommonFlags...),
		Commands: []*cli.Command{
			{
				Name:  "db-key",
				Usage: "Derive the database key and print its SHA-256 fingerprint",
				Action: func(cCtx *cli.Context) error {
					logger := flags.SetupLogger(cCtx)
					manager, closeStore, err := flags.OpenKeyManager(cCtx, logger)
					if err != nil {
						return err
					}
					defer closeStore()

					dbKey, err := manager.GetDatabaseKey(cCtx.Context)
					if err != nil {
						return err
					}
					defer memguard.WipeBytes(dbKey[:])

					fingerprint := sha256.Sum256(dbKey[:])
					fmt.Fprintln(cCtx.App.Writer, hex.EncodeToString(fingerprint[:]))
					return nil
				},
			},
			{
				Name:  "secret",
				Usage: "Store and retrieve encrypted secrets",
				Subcommands: []*cli.Command{
					{
						Name:      "put",
						Usage:     "Encrypt and store a secret read from the first line of stdin",
						ArgsUsage: "NAME",
						Action: func(cCtx *cli.Context) error {
							name, err := secretNameArg(cCtx)
							if err != nil {
								return err
							}
							// Arguments end up in shell history and the process table
							if cCtx.NArg() > 1 {
								return errors.New("secret values are read from stdin, not from arguments")
							}

							value, err := readLine(cCtx.App.Reader)
							if err != nil {
								return err
							}

							logger := flags.SetupLogger(cCtx)
							manager, closeStore, err := flags.OpenKeyManager(cCtx, logger)
							if err != nil {
								return err
							}
							defer closeStore()

							store, err := flags.OpenSecretStore(cCtx, manager, logger)
							if err != nil {
								return err
							}
							return store.Put(cCtx.Context, name, value)
						},
					},
					{
						Name:      "get",
						Usage:     "Print a decrypted secret",
						ArgsUsage: "NAME",
						Action: func(cCtx *cli.Context) error {
							name, err := secretNameArg(cCtx)
							if err != nil {
								return err
							}

							logger := flags.SetupLogger(cCtx)
							manager, closeStore, err := flags.OpenKeyManager(cCtx, logger)
							if err != nil {
								return err
							}
							defer closeStore()

							store, err := flags.OpenSecretStore(cCtx, manager, logger)
							if err != nil {
								return err
							}

							value, err := store.Get(cCtx.Context, name)
							if err != nil {
								return err
							}
							fmt.Fprintln(cCtx.App.Writer, value)
							return nil
						},
					},
					{
						Name:      "rm",
						Usage:     "Delete a stored secret",
						ArgsUsage: "NAME",
						Action: func(cCtx *cli.Context) error {
							name, err := secretNameArg(cCtx)
							if err != nil {
								return err
							}

							logger := flags.SetupLogger(cCtx)
							manager, closeStore, err := flags.OpenKeyManager(cCtx, logger)
							if err != nil {
								return err
							}
							defer closeStore()

							store, err := flags.OpenSecretStore(cCtx, manager, logger)
							if err != nil {
								return err
							}
							return store.Delete(cCtx.Context, name)
						},
					},
				},
			},
			{
				Name:        "reset",
				Usage:       "Delete all keys",
				Description: "Destroys the database and secret keys. The existing database and every stored secret become unreadable.",
				Flags:       []cli.Flag{flagYes},
				Action: func(cCtx *cli.Context) error {
					if !cCtx.Bool(flagYes.Name) {
						return errors.New("refusing to reset without --yes")
					}

					logger := flags.SetupLogger(cCtx)
					manager, closeStore, err := flags.OpenKeyManager(cCtx, logger)
					if err != nil {
						return err
					}
					defer closeStore()

					return manager.ResetAllKeys(cCtx.Context)
				},
			},
			{
				Name:  "status",
				Usage: "Show which keys exist",
				Action: func(cCtx *cli.Context) error {
					logger := flags.SetupLogger(cCtx)
					manager, closeStore, err := flags.OpenKeyManager(cCtx, logger)
					if err != nil {
						return err
					}
					defer closeStore()

					status, err := manager.KeyStatus(cCtx.Context)
					if err != nil {
						return err
					}

					aliases := make([]string, 0, len(status))
					for alias := range status {
						aliases = append(aliases, alias.String())
					}
					sort.Strings(aliases)

					for _, alias := range aliases {
						state := "absent"
						if status[interfaces.KeyAlias(alias)] {
							state = "present"
						}
						fmt.Fprintf(cCtx.App.Writer, "%s\t%s\n", alias, state)
					}
					return nil
				},
			},
		},
	}
}

func secretNameArg(cCtx *cli.Context) (interfaces.SecretName, error) {
	if cCtx.NArg() < 1 {
		return "", errors.New("secret name is required")
	}
	name := interfaces.SecretName(cCtx.Args().First())
	return name, name.Validate()
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read secret value: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
