// Package mocks holds testify mocks of the worker's collaborators.
package mocks

import (
	"context"

	"github.com/mhpenta/pagegen"
	"github.com/mhpenta/pagegen/internal/worker"
	"github.com/stretchr/testify/mock"
)

// Engine mocks worker.Engine.
type Engine struct {
	mock.Mock
}

func (m *Engine) Generate(ctx context.Context, sessionID, userInput string, cfg pagegen.PageConfig, onProgress pagegen.ProgressFunc) (*pagegen.Page, error) {
	args := m.Called(ctx, sessionID, userInput, cfg, onProgress)
	page, _ := args.Get(0).(*pagegen.Page)
	return page, args.Error(1)
}

func (m *Engine) RunBatch(ctx context.Context, req pagegen.BatchRequest) (*pagegen.BatchResult, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*pagegen.BatchResult)
	return res, args.Error(1)
}

func (m *Engine) CancelBatch(batchID string) bool {
	return m.Called(batchID).Bool(0)
}

// ResultPublisher mocks worker.ResultPublisher.
type ResultPublisher struct {
	mock.Mock
}

func (m *ResultPublisher) PublishResult(ctx context.Context, result worker.Result) error {
	return m.Called(ctx, result).Error(0)
}

// Canceller mocks worker.Canceller.
type Canceller struct {
	mock.Mock
}

func (m *Canceller) Cancel(ctx context.Context, batchID string) error {
	return m.Called(ctx, batchID).Error(0)
}
