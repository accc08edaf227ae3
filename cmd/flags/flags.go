package flags

import (
	"log/slog"

	"github.com/google/uuid"
	"github.com/ruteri/e2ee-keyexchange/common"
	"github.com/ruteri/e2ee-keyexchange/interfaces"
	"github.com/ruteri/e2ee-keyexchange/storage"
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

// KeyBackend opens the key storage backends given with --storage. Several
// locations are combined into a multi-backend.
func KeyBackend(cCtx *cli.Context, logger *slog.Logger) (interfaces.StorageBackend, error) {
	factory := storage.NewStorageBackendFactory(logger)

	var locations []interfaces.StorageBackendLocation
	for _, uri := range cCtx.StringSlice(StorageFlag.Name) {
		locations = append(locations, interfaces.StorageBackendLocation(uri))
	}
	if len(locations) == 1 {
		return factory.StorageBackendFor(locations[0])
	}
	return factory.CreateMultiBackend(locations)
}

var StorageFlag = &cli.StringSliceFlag{
	Name:     "storage",
	Required: true,
	Usage:    "key storage location (memory://, file:///path?passphrase=..., vault://host:port/mount/path, badger:///path), repeat for fallbacks",
}

var OwnerFlag = &cli.StringFlag{
	Name:     "owner",
	Required: true,
	Usage:    "data owner id the keys belong to",
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

var CommonFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
}
