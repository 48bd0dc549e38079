package main

import (
	"fmt"
	"log/slog"

	"github.com/doughall/linuxrmm/bridge/internal/activity"
	"github.com/doughall/linuxrmm/bridge/internal/binder"
	"github.com/doughall/linuxrmm/bridge/internal/explorer"
	"github.com/doughall/linuxrmm/bridge/internal/host"
	"github.com/doughall/linuxrmm/bridge/internal/tasks"
)

// newServiceManager registers the host implementations of every contract.
// Each stub reports its transactions to observers.
func newServiceManager(visibility string, observers []binder.Observer, logger *slog.Logger) (*binder.ServiceManager, error) {
	opts := []binder.StubOption{binder.WithLogger(logger)}
	for _, o := range observers {
		opts = append(opts, binder.WithObserver(o))
	}

	table := host.NewProcfsTable(logger)

	activityStub, err := activity.NewStub(host.NewActivityService(table, visibility, logger), opts...)
	if err != nil {
		return nil, fmt.Errorf("activity stub: %w", err)
	}
	tasksStub, err := tasks.NewStub(host.NewTaskService(table, logger), opts...)
	if err != nil {
		return nil, fmt.Errorf("task stub: %w", err)
	}
	explorerStub, err := explorer.NewStub(host.NewFileService(logger), opts...)
	if err != nil {
		return nil, fmt.Errorf("file explorer stub: %w", err)
	}

	sm := binder.NewServiceManager(logger)
	for _, svc := range []struct {
		name string
		stub *binder.Stub
	}{
		{activity.ServiceName, activityStub},
		{tasks.ServiceName, tasksStub},
		{explorer.ServiceName, explorerStub},
	} {
		if err := sm.Register(svc.name, svc.stub); err != nil {
			return nil, err
		}
	}
	return sm, nil
}
