// Package gateway provides the HTTP API, WebSocket channels and service
// layer in front of the kernel supervisor.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/devtomas22/note/internal/audit"
	"github.com/devtomas22/note/internal/execqueue"
	"github.com/devtomas22/note/internal/kernelspec"
	"github.com/devtomas22/note/internal/models"
	"github.com/devtomas22/note/internal/store"
	"github.com/devtomas22/note/internal/supervisor"
)

// NotebookStore persists notebooks.
type NotebookStore interface {
	CreateNotebook(name string, spec models.KernelSpecRef) (*models.Notebook, error)
	GetNotebook(id string) (*models.Notebook, error)
	ListNotebooks() ([]models.Notebook, error)
	SaveNotebook(nb *models.Notebook) error
	DeleteNotebook(id string) error
}

// Store is everything the service needs from persistence.
type Store interface {
	NotebookStore
	HistoryStore
	Ping(ctx context.Context) error
}

// Service provides the gateway business logic.
type Service struct {
	kernels *supervisor.Supervisor
	specs   *kernelspec.Registry
	store   Store
	audit   *audit.Recorder
	log     *slog.Logger
}

// NewService creates a new gateway service.
func NewService(kernels *supervisor.Supervisor, specs *kernelspec.Registry, st Store, rec *audit.Recorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		kernels: kernels,
		specs:   specs,
		store:   st,
		audit:   rec,
		log:     logger,
	}
}

func (s *Service) record(action string, inputs any, err error, kernelID, details string) {
	outcome := audit.OutcomeSuccess
	if err != nil {
		outcome = audit.OutcomeFailure
		details = err.Error()
	}
	if _, aerr := s.audit.Record(action, inputs, outcome, kernelID, details); aerr != nil {
		s.log.Warn("audit write failed", "action", action, "error", aerr)
	}
}

// --- Kernel Operations ---

// KernelSpecs returns the default kernelspec name and every registered spec.
func (s *Service) KernelSpecs() (string, []models.KernelSpec) {
	return s.specs.Default(), s.specs.List()
}

// StartKernel launches a kernel from the named spec; "" means the default.
func (s *Service) StartKernel(ctx context.Context, name string) (models.KernelInfo, error) {
	info, err := s.kernels.Start(ctx, name)
	s.record("kernel.start", map[string]string{"name": name}, err, info.ID, info.Name)
	return info, err
}

// ListKernels returns every known kernel.
func (s *Service) ListKernels() []models.KernelInfo {
	return s.kernels.List()
}

// GetKernel returns one kernel.
func (s *Service) GetKernel(id string) (models.KernelInfo, error) {
	return s.kernels.Get(id)
}

// ShutdownKernel stops a kernel. Stopping a dead kernel succeeds.
func (s *Service) ShutdownKernel(ctx context.Context, id string) error {
	err := s.kernels.Shutdown(ctx, id)
	if errors.Is(err, supervisor.ErrKernelNotFound) {
		return err
	}
	s.record("kernel.shutdown", map[string]string{"kernel_id": id}, err, id, "")
	return err
}

// RestartKernel replaces the kernel process, keeping its id.
func (s *Service) RestartKernel(ctx context.Context, id string) (models.KernelInfo, error) {
	info, err := s.kernels.Restart(ctx, id)
	if errors.Is(err, supervisor.ErrKernelNotFound) {
		return info, err
	}
	s.record("kernel.restart", map[string]string{"kernel_id": id}, err, id, "")
	return info, err
}

// InterruptKernel interrupts the running execution, if any.
func (s *Service) InterruptKernel(ctx context.Context, id string) error {
	err := s.kernels.Interrupt(ctx, id)
	if errors.Is(err, supervisor.ErrKernelNotFound) {
		return err
	}
	s.record("kernel.interrupt", map[string]string{"kernel_id": id}, err, id, "")
	return err
}

// Execute runs code and waits for its result. When ctx ends first the
// request is cancelled and an ErrCancelled error is returned.
func (s *Service) Execute(ctx context.Context, id, code string) (*models.ExecutionResult, error) {
	fut, err := s.kernels.Submit(id, models.ExecutionRequest{MsgID: uuid.New().String(), Code: code})
	if err != nil {
		return nil, err
	}
	select {
	case <-fut.Done():
		return fut.Result()
	case <-ctx.Done():
		fut.Cancel()
		return nil, &execqueue.ExecError{
			KernelID: id,
			MsgID:    fut.MsgID(),
			Err:      execqueue.ErrCancelled,
			Cause:    ctx.Err(),
		}
	}
}

// History returns the most recent executions of a kernel, newest first.
// It works for kernels that are no longer tracked.
func (s *Service) History(id string, limit int) ([]models.ExecutionRecord, error) {
	if limit <= 0 {
		limit = store.DefaultHistoryLimit
	}
	records, err := s.store.ListExecutions(id, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return records, nil
}

// Ping checks that the database is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// --- Notebook Operations ---

// CreateNotebook creates an empty notebook bound to a kernelspec; "" means
// the default spec.
func (s *Service) CreateNotebook(name, kernelSpec string) (*models.Notebook, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrBadRequest)
	}
	nb, err := s.store.CreateNotebook(name, s.specRef(kernelSpec))
	if err != nil {
		return nil, fmt.Errorf("create notebook: %w", err)
	}
	s.record("notebook.create", map[string]string{"name": name, "kernelspec": kernelSpec}, nil, "", nb.ID)
	return nb, nil
}

func (s *Service) specRef(name string) models.KernelSpecRef {
	if name == "" {
		name = s.specs.Default()
	}
	ref := models.KernelSpecRef{Name: name}
	if spec, ok := s.specs.Get(name); ok {
		ref.Language = spec.Language
	}
	return ref
}

// GetNotebook retrieves a notebook with its cells.
func (s *Service) GetNotebook(id string) (*models.Notebook, error) {
	nb, err := s.store.GetNotebook(id)
	if err != nil {
		return nil, fmt.Errorf("get notebook: %w", err)
	}
	if nb == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotebookNotFound, id)
	}
	return nb, nil
}

// ListNotebooks returns every notebook without cells.
func (s *Service) ListNotebooks() ([]models.Notebook, error) {
	return s.store.ListNotebooks()
}

// SaveNotebook creates or replaces the notebook with the given id. Cells
// without an id get one.
func (s *Service) SaveNotebook(id string, nb *models.Notebook) (*models.Notebook, error) {
	if nb == nil {
		return nil, fmt.Errorf("%w: notebook body is required", ErrBadRequest)
	}
	if dup := nb.DuplicateCellID(); dup != "" {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateCellID, dup)
	}
	nb.ID = id
	for i := range nb.Cells {
		if nb.Cells[i].ID == "" {
			nb.Cells[i].ID = uuid.New().String()
		}
	}
	if nb.Metadata.KernelSpec.Name == "" {
		nb.Metadata.KernelSpec = s.specRef("")
	}
	if err := s.store.SaveNotebook(nb); err != nil {
		return nil, fmt.Errorf("save notebook: %w", err)
	}
	s.record("notebook.save", map[string]any{"id": id, "cells": len(nb.Cells)}, nil, "", id)
	return nb, nil
}

// DeleteNotebook removes a notebook.
func (s *Service) DeleteNotebook(id string) error {
	err := s.store.DeleteNotebook(id)
	if store.IsNotFound(err) {
		return fmt.Errorf("%w: %s", ErrNotebookNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("delete notebook: %w", err)
	}
	s.record("notebook.delete", map[string]string{"id": id}, nil, "", id)
	return nil
}
