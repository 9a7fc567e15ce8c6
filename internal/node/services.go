package node

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Service is the interface for managed subsystems.
type Service interface {
	Start(ctx context.Context) error
	Stop() error
	Name() string
}

// funcService adapts a pair of lifecycle functions to Service.
type funcService struct {
	name  string
	start func(ctx context.Context) error
	stop  func() error
}

func (f *funcService) Start(ctx context.Context) error {
	if f.start == nil {
		return nil
	}
	return f.start(ctx)
}

func (f *funcService) Stop() error {
	if f.stop == nil {
		return nil
	}
	return f.stop()
}

func (f *funcService) Name() string { return f.name }

// ServiceManager starts node subsystems in registration order and stops
// the started prefix in reverse.
type ServiceManager struct {
	services []Service
	started  int
	logger   *zap.Logger
}

// NewServiceManager creates a service manager.
func NewServiceManager(logger *zap.Logger) *ServiceManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ServiceManager{logger: logger}
}

// Add appends a service to the manager.
func (sm *ServiceManager) Add(svc Service) {
	sm.services = append(sm.services, svc)
}

// StartAll starts every service. If one fails, the services already started
// are stopped again and their stop errors are returned with the start error.
func (sm *ServiceManager) StartAll(ctx context.Context) error {
	for i, svc := range sm.services {
		began := time.Now()
		if err := svc.Start(ctx); err != nil {
			err = fmt.Errorf("start %s: %w", svc.Name(), err)
			sm.started = i
			return multierr.Append(err, sm.stopStarted("rollback"))
		}
		sm.started = i + 1
		sm.logger.Info("service started",
			zap.String("name", svc.Name()),
			zap.Duration("took", time.Since(began)),
		)
	}
	return nil
}

// StopAll stops started services in reverse order and returns every
// failure.
func (sm *ServiceManager) StopAll() error {
	return sm.stopStarted("shutdown")
}

func (sm *ServiceManager) stopStarted(reason string) error {
	var errs error
	for ; sm.started > 0; sm.started-- {
		svc := sm.services[sm.started-1]
		if err := svc.Stop(); err != nil {
			sm.logger.Error("failed to stop service",
				zap.String("name", svc.Name()),
				zap.String("reason", reason),
				zap.Error(err),
			)
			errs = multierr.Append(errs, fmt.Errorf("stop %s: %w", svc.Name(), err))
			continue
		}
		sm.logger.Info("service stopped", zap.String("name", svc.Name()), zap.String("reason", reason))
	}
	return errs
}

// Services returns the list of managed services.
func (sm *ServiceManager) Services() []Service {
	return sm.services
}
