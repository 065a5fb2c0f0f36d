package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"tradeengine/src/connectors"
	"tradeengine/src/copytrade"
	"tradeengine/src/database"
	"tradeengine/src/dca"
	"tradeengine/src/execution"
	"tradeengine/src/executors"
	"tradeengine/src/ratelimit"
	"tradeengine/src/repository"
	"tradeengine/src/session"
)

var Version string

func main() {
	app := cli.NewApp()
	app.Name = "Tradeengine CMD"
	app.Usage = "The trade engine command line interface"

	app.Commands = []cli.Command{
		schedulerCMD,
		ingesterCMD,
	}

	if err := app.Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var (
	schedulerCMD = cli.Command{
		Name:        "scheduler",
		Usage:       "run the recurring-strategy scheduler loop",
		Action:      schedulerAction,
		ArgsUsage:   "",
		Flags:       []cli.Flag{},
		Description: `Scan due strategies, clean up expired sessions and sweep stale executions on a fixed period`,
	}
	ingesterCMD = cli.Command{
		Name:        "ingester",
		Usage:       "run the leader-signal stream ingester",
		Action:      ingesterAction,
		ArgsUsage:   "",
		Flags:       []cli.Flag{},
		Description: `Consume the leader trade signal stream and fan each signal out to matching relationships`,
	}
)

// signalContext cancels on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()
	return ctx, cancel
}

func schedulerAction(_ *cli.Context) error {
	logrus.Info("Starting scheduler CMD")

	if err := database.InitMainDB(); err != nil {
		logrus.WithError(err).Fatal("Failed to connect to database")
	}

	connConfig := connectors.GetConfig()
	quotes := connectors.NewQuoteClient(connConfig.QuoteServiceURL, connConfig.ServiceAPIKey, connConfig.RequestTimeout)
	chain := connectors.NewChainClient(connConfig.ChainServiceURL, connConfig.ServiceAPIKey, connConfig.RequestTimeout)

	sessionRepo := repository.NewSessionRepository()
	manager := execution.NewManager(logrus.WithField("cmd", "scheduler"), repository.NewExecutionRepository())
	enforcer := session.NewEnforcer(logrus.WithField("cmd", "scheduler"), sessionRepo)

	scheduler := dca.NewScheduler(logrus.WithField("cmd", "scheduler"), dca.Deps{
		Strategies: repository.NewDcaRepository(),
		Sessions:   sessionRepo,
		Enforcer:   enforcer,
		Executions: manager,
		Quotes:     quotes,
		Chain:      chain,
		Limiter:    ratelimit.NewRegistry(ratelimit.GetConfig()),
	})

	ctx, cancel := signalContext()
	defer cancel()

	if err := executors.StartLoop(ctx, scheduler, enforcer, manager); err != nil {
		logrus.WithError(err).Error("Starting cmd")
		return err
	}
	return nil
}

func ingesterAction(_ *cli.Context) error {
	logrus.Info("Starting ingester CMD")

	if err := database.InitMainDB(); err != nil {
		logrus.WithError(err).Fatal("Failed to connect to database")
	}

	connConfig := connectors.GetConfig()
	quotes := connectors.NewQuoteClient(connConfig.QuoteServiceURL, connConfig.ServiceAPIKey, connConfig.RequestTimeout)
	chain := connectors.NewChainClient(connConfig.ChainServiceURL, connConfig.ServiceAPIKey, connConfig.RequestTimeout)

	sessionRepo := repository.NewSessionRepository()
	manager := execution.NewManager(logrus.WithField("cmd", "ingester"), repository.NewExecutionRepository())
	enforcer := session.NewEnforcer(logrus.WithField("cmd", "ingester"), sessionRepo)

	engine := copytrade.NewEngine(logrus.WithField("cmd", "ingester"), copytrade.Deps{
		Relationships: repository.NewCopyRepository(),
		Sessions:      sessionRepo,
		Enforcer:      enforcer,
		Executions:    manager,
		Quotes:        quotes,
		Chain:         chain,
		Portfolio:     quotes,
		Limiter:       ratelimit.NewRegistry(ratelimit.GetConfig()),
	})

	stream := connectors.NewSignalStream(connConfig.SignalStreamURL, connConfig.StreamPingPeriod, engine.HandleSignalAbsorbed)

	ctx, cancel := signalContext()
	defer cancel()

	// Delayed replications are parked by the fan-out and picked up here
	// once their hold elapses.
	go func() {
		ticker := time.NewTicker(executors.GetConfig().LoopPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				picked, err := engine.RunScheduled(ctx, time.Now())
				if err != nil {
					logrus.WithError(err).Error("delayed replication scan failed")
				} else if picked > 0 {
					logrus.WithField("picked", picked).Info("delayed replications submitted")
				}
			}
		}
	}()

	if err := stream.Run(ctx); err != nil {
		logrus.WithError(err).Error("Starting cmd")
		return err
	}
	return nil
}
