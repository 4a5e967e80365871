package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/ruteri/passkey-kms-client/cmd/flags"
	"github.com/ruteri/passkey-kms-client/devserver"
	"github.com/ruteri/passkey-kms-client/interfaces"
	"github.com/urfave/cli/v2"
)

var serverFlags []cli.Flag = []cli.Flag{
	&cli.StringFlag{
		Name:  "listen-addr",
		Value: "127.0.0.1:8080",
		Usage: "address to listen on for API",
	},
	&cli.StringFlag{
		Name:  "rp-id",
		Value: "localhost",
		Usage: "relying party id passkeys must be bound to",
	},
	&cli.StringFlag{
		Name:  "origin",
		Usage: "if set, reject attestations made for any other origin",
	},
	&cli.StringFlag{
		Name:  "parent-org",
		Value: "org-parent",
		Usage: "id of the parent organization",
	},
	&cli.StringFlag{
		Name:  "master-key",
		Usage: "hex-encoded 32-byte master key; a random one is generated if empty",
	},
	&cli.Int64Flag{
		Name:  "chain-id",
		Value: 1,
		Usage: "chain id used to sign legacy transactions",
	},
	&cli.StringSliceFlag{
		Name:  "parent-api-key",
		Usage: "compressed P-256 public key (hex) allowed to stamp for the parent organization",
	},
}

func main() {
	app := &cli.App{
		Name:  "devserver",
		Usage: "Serve an in-memory custodial key-management emulator",
		Flags: append(append(append([]cli.Flag{flags.LogServiceFlagFn("devserver")}, flags.CommonFlags...), flags.ServerFlags...), serverFlags...),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			masterKey, err := parseMasterKey(cCtx.String("master-key"))
			if err != nil {
				return err
			}

			custody, err := devserver.NewSimpleCustody(masterKey, big.NewInt(cCtx.Int64("chain-id")))
			if err != nil {
				logger.Error("Failed to create custody", "err", err)
				return err
			}

			parent := interfaces.OrganizationID(cCtx.String("parent-org"))
			directory := devserver.NewDirectory(parent, "parent")
			for _, key := range cCtx.StringSlice("parent-api-key") {
				if err := directory.AddAPIKey(parent, key); err != nil {
					return err
				}
			}

			handler := devserver.NewHandler(directory, custody, cCtx.String("rp-id"), logger).WithOrigin(cCtx.String("origin"))
			server, err := devserver.New(flags.ConfigureServer(cCtx, logger, cCtx.String("listen-addr")), handler)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			logger.Info("Starting server", "parentOrganization", parent, "rpId", cCtx.String("rp-id"))
			server.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
			<-exit
			logger.Info("Shutdown signal received")

			server.Shutdown()
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func parseMasterKey(encoded string) ([]byte, error) {
	if encoded == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
		return key, nil
	}

	key, err := hex.DecodeString(encoded)
	if err != nil || len(key) != 32 {
		return nil, errors.New("invalid master-key: must be 64 hex chars")
	}
	return key, nil
}
