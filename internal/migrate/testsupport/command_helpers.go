package testsupport

import (
	"context"
	"sync"

	"github.com/temirov/prmigrate/internal/gateway"
	migrate "github.com/temirov/prmigrate/internal/migrate"
)

// ServiceOutcome configures the result returned by ServiceStub for a repository.
type ServiceOutcome struct {
	Report migrate.Report
	Error  error
}

// ServiceStub captures the configurations executors were built with.
type ServiceStub struct {
	mutex                  sync.Mutex
	Outcomes               map[string][]ServiceOutcome
	ExecutedConfigurations []migrate.Configuration
	ReceivedDependencies   []migrate.ServiceDependencies
}

// Provider returns a migrate.ServiceProvider backed by the stub.
func (stub *ServiceStub) Provider() migrate.ServiceProvider {
	return func(configuration migrate.Configuration, dependencies migrate.ServiceDependencies) (migrate.Executor, error) {
		stub.mutex.Lock()
		defer stub.mutex.Unlock()
		stub.ReceivedDependencies = append(stub.ReceivedDependencies, dependencies)
		return stubExecutor{stub: stub, configuration: configuration}, nil
	}
}

// Executions returns how many times configurations for repository were executed.
func (stub *ServiceStub) Executions(repository string) int {
	stub.mutex.Lock()
	defer stub.mutex.Unlock()
	count := 0
	for _, configuration := range stub.ExecutedConfigurations {
		if configuration.Repository == repository {
			count++
		}
	}
	return count
}

type stubExecutor struct {
	stub          *ServiceStub
	configuration migrate.Configuration
}

// Execute returns the next configured outcome of the repository, repeating the last one.
func (executor stubExecutor) Execute(context.Context) (migrate.Report, error) {
	stub := executor.stub
	stub.mutex.Lock()
	defer stub.mutex.Unlock()

	repository := executor.configuration.Repository
	previousExecutions := 0
	for _, configuration := range stub.ExecutedConfigurations {
		if configuration.Repository == repository {
			previousExecutions++
		}
	}
	stub.ExecutedConfigurations = append(stub.ExecutedConfigurations, executor.configuration)

	outcomes := stub.Outcomes[repository]
	if len(outcomes) == 0 {
		return migrate.Report{Repository: repository, Mode: executor.configuration.Mode}, nil
	}
	if previousExecutions >= len(outcomes) {
		previousExecutions = len(outcomes) - 1
	}
	outcome := outcomes[previousExecutions]
	return outcome.Report, outcome.Error
}

// GatewayFactoryStub hands out gateways per repository and records requests.
type GatewayFactoryStub struct {
	mutex        sync.Mutex
	Gateways     map[string]gateway.Gateway
	Fallback     gateway.Gateway
	Error        error
	Repositories []string
}

// Factory returns a migrate.GatewayFactory backed by the stub.
func (stub *GatewayFactoryStub) Factory() migrate.GatewayFactory {
	return func(configuration migrate.Configuration) (gateway.Gateway, error) {
		stub.mutex.Lock()
		defer stub.mutex.Unlock()
		stub.Repositories = append(stub.Repositories, configuration.Repository)
		if stub.Error != nil {
			return nil, stub.Error
		}
		if target, exists := stub.Gateways[configuration.Repository]; exists {
			return target, nil
		}
		return stub.Fallback, nil
	}
}
