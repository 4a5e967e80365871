package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ruteri/passkey-kms-client/activity"
	"github.com/ruteri/passkey-kms-client/api"
	"github.com/ruteri/passkey-kms-client/api/kmsclient"
	"github.com/ruteri/passkey-kms-client/ceremony"
	"github.com/ruteri/passkey-kms-client/cmd/flags"
	"github.com/ruteri/passkey-kms-client/config"
	"github.com/ruteri/passkey-kms-client/identity"
	"github.com/ruteri/passkey-kms-client/interfaces"
	"github.com/ruteri/passkey-kms-client/signer"
	"github.com/ruteri/passkey-kms-client/softauthn"
	"github.com/ruteri/passkey-kms-client/stamper"
	"github.com/urfave/cli/v2"
)

var flagLabel = &cli.StringFlag{
	Name:     "label",
	Required: true,
	Usage:    "name of the new sub-organization and of its passkey",
}

var flagOrg = &cli.StringFlag{
	Name:     "org",
	Required: true,
	Usage:    "organization id to act in",
}

var flagKey = &cli.StringFlag{
	Name:     "key",
	Required: true,
	Usage:    "private key id",
}

var flagKeyName = &cli.StringFlag{
	Name:  "name",
	Value: "default",
	Usage: "name of the new private key",
}

var flagCredential = &cli.StringFlag{
	Name:    "credential",
	EnvVars: []string{"PASSKEY_KMS_CREDENTIAL_ID"},
	Usage:   "base64url id of the stored passkey to stamp with; defaults to the most recently created one",
}

var txFlags = []cli.Flag{
	&cli.Int64Flag{Name: "chain-id", Usage: "chain id; 0 builds a legacy transaction signed with the service's chain id"},
	&cli.Uint64Flag{Name: "nonce", Usage: "sender nonce"},
	&cli.StringFlag{Name: "to", Required: true, Usage: "recipient address"},
	&cli.StringFlag{Name: "value", Value: "0", Usage: "value in wei"},
	&cli.Uint64Flag{Name: "gas", Value: 21000, Usage: "gas limit"},
	&cli.StringFlag{Name: "gas-price", Value: "1000000000", Usage: "gas price in wei, used as fee cap and tip for typed transactions"},
	&cli.StringFlag{Name: "data", Usage: "0x-prefixed call data"},
}

// session holds what every command needs to talk to the service.
type session struct {
	cfg        config.Config
	log        *slog.Logger
	auth       *softauthn.Authenticator
	credential []byte
}

func newSession(cCtx *cli.Context) (*session, error) {
	logger := flags.SetupLogger(cCtx)

	cfg, err := flags.LoadClientConfig(cCtx)
	if err != nil {
		return nil, err
	}

	auth, err := softauthn.Load(cfg.CredentialFile, cfg.Passphrase, cfg.Origin)
	if errors.Is(err, os.ErrNotExist) {
		logger.Debug("No credential file, starting with an empty authenticator", "file", cfg.CredentialFile)
		auth = softauthn.New(cfg.Origin)
	} else if err != nil {
		return nil, fmt.Errorf("could not open credential file: %w", err)
	}

	var credential []byte
	if raw := cCtx.String(flagCredential.Name); raw != "" {
		credential, err = base64.RawURLEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid credential id %q: %w", raw, err)
		}
	}

	return &session{cfg: cfg, log: logger, auth: auth, credential: credential}, nil
}

func (s *session) client() *kmsclient.Client {
	stamp := &stamper.WebAuthnStamper{Authenticator: s.auth, RPID: s.cfg.RPID, Timeout: s.cfg.CeremonyTimeout}
	if s.credential != nil {
		stamp.AllowCredentials = [][]byte{s.credential}
	}
	return kmsclient.NewClient(s.cfg.BaseURL, stamp, s.cfg.RequestTimeout).WithLogger(s.log)
}

func printJSON(v any) error {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}

func main() {
	app := &cli.App{
		Name:  "kmsclient",
		Usage: "Passkey-bound custodial key client",
		Flags: append(append([]cli.Flag{flags.LogServiceFlagFn("kmsclient"), flagCredential}, flags.CommonFlags...), flags.ClientFlags...),
		Commands: []*cli.Command{
			{
				Name:  "bootstrap",
				Usage: "create a passkey and a sub-organization bound to it",
				Flags: []cli.Flag{flagLabel},
				Action: func(cCtx *cli.Context) error {
					s, err := newSession(cCtx)
					if err != nil {
						return err
					}

					c := &ceremony.Ceremony{
						Authenticator: s.auth,
						RPID:          s.cfg.RPID,
						RPName:        s.cfg.RPName,
						Timeout:       s.cfg.CeremonyTimeout,
						Log:           s.log,
					}
					provisioner := kmsclient.NewClient(s.cfg.BaseURL, nil, s.cfg.RequestTimeout).WithLogger(s.log)

					orgID, err := identity.NewBootstrapper(c, provisioner, s.log).Bootstrap(cCtx.Context, cCtx.String(flagLabel.Name))
					if err != nil {
						return err
					}
					if err := s.auth.Save(s.cfg.CredentialFile, s.cfg.Passphrase); err != nil {
						return fmt.Errorf("sub-organization %s created but the passkey could not be saved: %w", orgID, err)
					}

					cred, _ := s.auth.Credential(s.cfg.RPID)
					return printJSON(map[string]string{
						"organizationId": orgID.String(),
						"credentialId":   base64.RawURLEncoding.EncodeToString(cred.ID),
					})
				},
			},
			{
				Name:  "passkeys",
				Usage: "list the stored passkeys for the relying party, oldest first",
				Action: func(cCtx *cli.Context) error {
					s, err := newSession(cCtx)
					if err != nil {
						return err
					}

					type listed struct {
						CredentialID string `json:"credentialId"`
						Label        string `json:"label"`
						SignCount    uint32 `json:"signCount"`
					}
					out := []listed{}
					for _, cred := range s.auth.Credentials(s.cfg.RPID) {
						out = append(out, listed{
							CredentialID: base64.RawURLEncoding.EncodeToString(cred.ID),
							Label:        cred.UserName,
							SignCount:    cred.SignCount,
						})
					}
					return printJSON(out)
				},
			},
			{
				Name:  "whoami",
				Usage: "resolve the sub-organization of the stored passkey",
				Action: func(cCtx *cli.Context) error {
					s, err := newSession(cCtx)
					if err != nil {
						return err
					}
					if s.cfg.ParentOrganizationID == "" {
						return errors.New("parent organization id is required")
					}

					orgID, err := identity.NewResolver(s.cfg.ParentOrganizationID, s.client(), s.log).Login(cCtx.Context)
					if err != nil {
						return err
					}
					fmt.Println(orgID)
					return nil
				},
			},
			{
				Name:  "create-key",
				Usage: "create a secp256k1 key with an ethereum address",
				Flags: []cli.Flag{flagOrg, flagKeyName},
				Action: func(cCtx *cli.Context) error {
					s, err := newSession(cCtx)
					if err != nil {
						return err
					}

					result, err := activity.NewSubmitter(s.client(), s.log).CreatePrivateKeys(cCtx.Context, interfaces.OrganizationID(cCtx.String(flagOrg.Name)), []api.PrivateKeyParams{{
						PrivateKeyName: cCtx.String(flagKeyName.Name),
						Curve:          api.CurveSecp256k1,
						AddressFormats: []interfaces.AddressFormat{interfaces.AddressFormatEthereum},
						PrivateKeyTags: []string{},
					}})
					if err != nil {
						return err
					}
					return printJSON(result)
				},
			},
			{
				Name:  "address",
				Usage: "print the ethereum address of a key",
				Flags: []cli.Flag{flagOrg, flagKey},
				Action: func(cCtx *cli.Context) error {
					s, err := newSession(cCtx)
					if err != nil {
						return err
					}

					client := s.client()
					address, err := signer.New(activity.NewSubmitter(client, s.log), client, interfaces.OrganizationID(cCtx.String(flagOrg.Name)), interfaces.KeyID(cCtx.String(flagKey.Name))).ResolveAddress(cCtx.Context)
					if err != nil {
						return err
					}
					fmt.Println(address.Hex())
					return nil
				},
			},
			{
				Name:  "sign-tx",
				Usage: "sign an ethereum transaction and print its 0x-prefixed encoding",
				Flags: append([]cli.Flag{flagOrg, flagKey}, txFlags...),
				Action: func(cCtx *cli.Context) error {
					s, err := newSession(cCtx)
					if err != nil {
						return err
					}

					tx, err := transactionFromFlags(cCtx)
					if err != nil {
						return err
					}

					client := s.client()
					signed, err := signer.New(activity.NewSubmitter(client, s.log), client, interfaces.OrganizationID(cCtx.String(flagOrg.Name)), interfaces.KeyID(cCtx.String(flagKey.Name))).SignTransaction(cCtx.Context, tx)
					if err != nil {
						return err
					}
					fmt.Println(signed)
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func transactionFromFlags(cCtx *cli.Context) (*types.Transaction, error) {
	to := cCtx.String("to")
	if !common.IsHexAddress(to) {
		return nil, fmt.Errorf("invalid recipient address %q", to)
	}
	recipient := common.HexToAddress(to)

	value, ok := new(big.Int).SetString(cCtx.String("value"), 10)
	if !ok {
		return nil, fmt.Errorf("invalid value %q", cCtx.String("value"))
	}
	gasPrice, ok := new(big.Int).SetString(cCtx.String("gas-price"), 10)
	if !ok {
		return nil, fmt.Errorf("invalid gas price %q", cCtx.String("gas-price"))
	}

	var data []byte
	if raw := cCtx.String("data"); raw != "" {
		decoded, err := hexutil.Decode(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid call data: %w", err)
		}
		data = decoded
	}

	if chainID := cCtx.Int64("chain-id"); chainID > 0 {
		return types.NewTx(&types.DynamicFeeTx{
			ChainID:   big.NewInt(chainID),
			Nonce:     cCtx.Uint64("nonce"),
			GasTipCap: gasPrice,
			GasFeeCap: gasPrice,
			Gas:       cCtx.Uint64("gas"),
			To:        &recipient,
			Value:     value,
			Data:      data,
		}), nil
	}

	return types.NewTx(&types.LegacyTx{
		Nonce:    cCtx.Uint64("nonce"),
		GasPrice: gasPrice,
		Gas:      cCtx.Uint64("gas"),
		To:       &recipient,
		Value:    value,
		Data:     data,
	}), nil
}
