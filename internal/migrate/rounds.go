package migrate

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/temirov/prmigrate/internal/difflookup"
	"github.com/temirov/prmigrate/internal/gateway"
	"github.com/temirov/prmigrate/internal/state"
)

const (
	repositoriesRequiredMessageConstant = "at least one repository plan is required"
	gatewayFactoryRequiredMessage       = "round runner requires a gateway factory"
	logMessageRoundCompletedConstant    = "Completed migration round"
	logMessageRoundsConvergedConstant   = "Stopping rounds"
	logFieldRoundConstant               = "round"
	logFieldPreviousUnresolvedConstant  = "previous_unresolved"
	repositoryGatewayErrorTemplate      = "unable to build gateway for %s: %w"
	repositoryServiceErrorTemplate      = "unable to build migration service for %s: %w"
)

var (
	// ErrRepositoriesRequired indicates a multi-repository run without plans.
	ErrRepositoriesRequired = errors.New(repositoriesRequiredMessageConstant)
	// ErrGatewayFactoryRequired indicates the round runner cannot reach the target.
	ErrGatewayFactoryRequired = errors.New(gatewayFactoryRequiredMessage)
)

// GatewayFactory builds the gateway serving one repository configuration.
type GatewayFactory func(configuration Configuration) (gateway.Gateway, error)

// ServiceProvider constructs the executor of one repository configuration.
type ServiceProvider func(configuration Configuration, dependencies ServiceDependencies) (Executor, error)

// RoundsResult summarizes a multi-repository run.
type RoundsResult struct {
	Rounds     int
	Reports    []Report
	Unresolved int
}

// RoundRunner migrates several repositories in rounds. Objects created for one repository become
// resolvable cross-reference targets for the others; rounds repeat while the total unresolved
// count shrinks.
type RoundRunner struct {
	Configuration   Configuration
	Logger          *zap.Logger
	GatewayFactory  GatewayFactory
	ServiceProvider ServiceProvider
	DiffLookup      difflookup.Lookup
}

// Run executes rounds until every repository resolves, progress stops or the round limit is hit.
func (runner RoundRunner) Run(executionContext context.Context) (RoundsResult, error) {
	configuration := runner.Configuration.Sanitize()
	if len(configuration.Repositories) == 0 {
		return RoundsResult{}, ErrRepositoriesRequired
	}
	if runner.GatewayFactory == nil {
		return RoundsResult{}, ErrGatewayFactoryRequired
	}
	logger := runner.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	provider := runner.ServiceProvider
	if provider == nil {
		provider = defaultServiceProvider
	}

	store := state.NewStore()
	result := RoundsResult{}
	previousUnresolved := -1
	for round := 1; round <= configuration.MaxRounds; round++ {
		result.Rounds = round
		result.Reports = make([]Report, 0, len(configuration.Repositories))
		result.Unresolved = 0

		for _, plan := range configuration.Repositories {
			repositoryConfiguration := configuration.ForRepository(plan)
			target, gatewayError := runner.GatewayFactory(repositoryConfiguration)
			if gatewayError != nil {
				return result, fmt.Errorf(repositoryGatewayErrorTemplate, plan.Repository, gatewayError)
			}
			executor, serviceError := provider(repositoryConfiguration, ServiceDependencies{
				Logger:     logger,
				Gateway:    target,
				Store:      store,
				DiffLookup: runner.DiffLookup,
			})
			if serviceError != nil {
				return result, fmt.Errorf(repositoryServiceErrorTemplate, plan.Repository, serviceError)
			}

			report, executeError := executor.Execute(executionContext)
			result.Reports = append(result.Reports, report)
			result.Unresolved += report.UnresolvedCount()
			if executeError != nil {
				return result, executeError
			}
		}

		logger.Info(
			logMessageRoundCompletedConstant,
			zap.Int(logFieldRoundConstant, round),
			zap.Int(logFieldUnresolvedConstant, result.Unresolved),
		)
		if result.Unresolved == 0 || (previousUnresolved >= 0 && result.Unresolved >= previousUnresolved) {
			break
		}
		previousUnresolved = result.Unresolved
	}

	logger.Info(
		logMessageRoundsConvergedConstant,
		zap.Int(logFieldRoundConstant, result.Rounds),
		zap.Int(logFieldUnresolvedConstant, result.Unresolved),
		zap.Int(logFieldPreviousUnresolvedConstant, previousUnresolved),
	)
	return result, nil
}

func defaultServiceProvider(configuration Configuration, dependencies ServiceDependencies) (Executor, error) {
	return NewService(configuration, dependencies)
}
