package flags

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/passkey-kms-client/api"
	"github.com/ruteri/passkey-kms-client/common"
	"github.com/ruteri/passkey-kms-client/config"
	"github.com/ruteri/passkey-kms-client/interfaces"
	"github.com/urfave/cli/v2"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String("log-service")

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

func ConfigureServer(cCtx *cli.Context, logger *slog.Logger, listenAddr string) *api.HTTPServerConfig {
	enablePprof := cCtx.Bool(PprofFlag.Name)
	drainDuration := time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second

	return &api.HTTPServerConfig{
		ListenAddr:               listenAddr,
		Log:                      logger,
		EnablePprof:              enablePprof,
		DrainDuration:            drainDuration,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

// LoadClientConfig reads the environment configuration and applies any
// client flags given on the command line.
func LoadClientConfig(cCtx *cli.Context) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}

	if cCtx.IsSet(BaseURLFlag.Name) {
		cfg.BaseURL = cCtx.String(BaseURLFlag.Name)
	}
	if cCtx.IsSet(ParentOrgFlag.Name) {
		cfg.ParentOrganizationID = interfaces.OrganizationID(cCtx.String(ParentOrgFlag.Name))
	}
	if cCtx.IsSet(RPIDFlag.Name) {
		cfg.RPID = cCtx.String(RPIDFlag.Name)
		if !cCtx.IsSet(OriginFlag.Name) {
			cfg.Origin = "https://" + cfg.RPID
		}
	}
	if cCtx.IsSet(OriginFlag.Name) {
		cfg.Origin = cCtx.String(OriginFlag.Name)
	}
	if cCtx.IsSet(CredentialFileFlag.Name) {
		cfg.CredentialFile = cCtx.String(CredentialFileFlag.Name)
	}
	if cCtx.IsSet(TimeoutFlag.Name) {
		cfg.RequestTimeout = cCtx.Duration(TimeoutFlag.Name)
	}

	return cfg, cfg.Validate()
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}

var LogServiceFlagFn = func(service string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:  "log-service",
		Value: service,
		Usage: "add 'service' tag to logs",
	}
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}

var BaseURLFlag = &cli.StringFlag{
	Name:  "base-url",
	Usage: "key-management service address (overrides PASSKEY_KMS_BASE_URL)",
}
var ParentOrgFlag = &cli.StringFlag{
	Name:  "parent-org",
	Usage: "parent organization id used to log in (overrides PASSKEY_KMS_PARENT_ORGANIZATION_ID)",
}
var RPIDFlag = &cli.StringFlag{
	Name:  "rp-id",
	Usage: "passkey relying party id (overrides PASSKEY_KMS_RP_ID)",
}
var OriginFlag = &cli.StringFlag{
	Name:  "origin",
	Usage: "origin reported by the software authenticator (overrides PASSKEY_KMS_ORIGIN)",
}
var CredentialFileFlag = &cli.StringFlag{
	Name:  "credential-file",
	Usage: "sealed passkey store (overrides PASSKEY_KMS_CREDENTIAL_FILE)",
}
var TimeoutFlag = &cli.DurationFlag{
	Name:  "timeout",
	Usage: "HTTP request timeout (overrides PASSKEY_KMS_REQUEST_TIMEOUT)",
}

var CommonFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
}

var ServerFlags = []cli.Flag{
	PprofFlag,
	DrainSecondsFlag,
}

var ClientFlags = []cli.Flag{
	BaseURLFlag,
	ParentOrgFlag,
	RPIDFlag,
	OriginFlag,
	CredentialFileFlag,
	TimeoutFlag,
}
