//go:build wireinject
// +build wireinject

package injector

import (
	"github.com/google/wire"

	"github.com/lk2023060901/filevault-backend/internal/conf"
	"github.com/lk2023060901/filevault-backend/internal/file/biz"
	"github.com/lk2023060901/filevault-backend/internal/file/service"
	"github.com/lk2023060901/filevault-backend/internal/pkg/logger"
	"github.com/lk2023060901/filevault-backend/internal/server"
)

// ProviderSet is the Wire provider set for all dependencies
var ProviderSet = wire.NewSet(
	// Data layer
	dataProviderSet,

	// Repositories
	repositoryProviderSet,

	// Use cases
	useCaseProviderSet,

	// Servers and jobs
	serverProviderSet,
)

var dataProviderSet = wire.NewSet(
	provideData,
	provideBlobStore,
	provideLimiter,
	provideLocker,
	provideHealth,
)

var repositoryProviderSet = wire.NewSet(
	provideFileRepo,
	provideTombstoneRepo,
	provideTransactor,
)

var useCaseProviderSet = wire.NewSet(
	provideHasher,
	provideQuotaTracker,
	biz.NewDedupEngine,
	biz.NewFileUseCase,
)

var serverProviderSet = wire.NewSet(
	provideJWTManager,
	service.NewFileService,
	server.NewHTTPServer,
	server.NewGRPCServer,
	provideWorkerPool,
	provideSweeper,
)

// InitializeApp initializes the application with Wire
func InitializeApp(config *conf.Config, log *logger.Logger) (*App, func(), error) {
	wire.Build(ProviderSet, newApp)
	return nil, nil, nil
}
