package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	logger "github.com/sirupsen/logrus"

	"tradeengine/src/connectors"
	"tradeengine/src/copytrade"
	"tradeengine/src/database"
	"tradeengine/src/dca"
	"tradeengine/src/execution"
	"tradeengine/src/ratelimit"
	"tradeengine/src/repository"
	"tradeengine/src/server"
	"tradeengine/src/session"
)

var APP_NAME = os.Getenv("APP_NAME")

func SetupLogger() {
	levelStr := strings.ToLower(os.Getenv("LOG_LEVEL"))

	level, err := logger.ParseLevel(levelStr)
	if err != nil {
		level = logger.DebugLevel
	}

	logger.SetLevel(level)
	logger.SetFormatter(&logger.TextFormatter{
		FullTimestamp: true,
	})
}

func main() {
	SetupLogger()
	defer handlePanic()

	// Initialize main (read/write) database
	if err := database.InitMainDB(); err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}

	// Initialize read-only database
	if err := database.InitReadOnlyDB(); err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}

	connConfig := connectors.GetConfig()
	quotes := connectors.NewQuoteClient(connConfig.QuoteServiceURL, connConfig.ServiceAPIKey, connConfig.RequestTimeout)
	chain := connectors.NewChainClient(connConfig.ChainServiceURL, connConfig.ServiceAPIKey, connConfig.RequestTimeout)

	execRepo := repository.NewExecutionRepository()
	sessionRepo := repository.NewSessionRepository()
	dcaRepo := repository.NewDcaRepository()
	copyRepo := repository.NewCopyRepository()

	manager := execution.NewManager(logger.WithField("component", "execution"), execRepo)
	enforcer := session.NewEnforcer(logger.WithField("component", "session"), sessionRepo)
	limiter := ratelimit.NewRegistry(ratelimit.GetConfig())

	scheduler := dca.NewScheduler(logger.WithField("component", "dca"), dca.Deps{
		Strategies: dcaRepo,
		Sessions:   sessionRepo,
		Enforcer:   enforcer,
		Executions: manager,
		Quotes:     quotes,
		Chain:      chain,
		Limiter:    limiter,
	})

	engine := copytrade.NewEngine(logger.WithField("component", "copytrade"), copytrade.Deps{
		Relationships: copyRepo,
		Sessions:      sessionRepo,
		Enforcer:      enforcer,
		Executions:    manager,
		Quotes:        quotes,
		Chain:         chain,
		Portfolio:     quotes,
		Limiter:       limiter,
	})

	server.StartServer(server.GetConfig(), server.Deps{
		Scheduler:  scheduler,
		Engine:     engine,
		Enforcer:   enforcer,
		Manager:    manager,
		Executions: execRepo,
		Strategies: dcaRepo,
		Relations:  copyRepo,
		Sessions:   sessionRepo,
	})
}

func handlePanic() {
	if r := recover(); r != nil {
		logger.WithError(fmt.Errorf("%+v", r)).Error(fmt.Sprintf("Application %s panic", APP_NAME))
	}
	//nolint
	time.Sleep(time.Second * 5)
}
