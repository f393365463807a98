package handler

import (
	"context"

	"github.com/sandeepkv93/crm-export-proxy/internal/crm"
	"github.com/sandeepkv93/crm-export-proxy/internal/domain"
	"github.com/sandeepkv93/crm-export-proxy/internal/export"
	"github.com/sandeepkv93/crm-export-proxy/internal/service"
)

type AuthFlow interface {
	BeginAuth(ctx context.Context, sessionID string) (string, error)
	CompleteAuth(ctx context.Context, rawState, code string) (*domain.Session, error)
}

type SessionStatusReader interface {
	Status(ctx context.Context, sessionID string) (service.SessionStatus, error)
}

type RecordSource interface {
	BaseURL() string
	GetRecord(ctx context.Context, sessionID string, resource crm.Resource, id string) (domain.Record, error)
	FetchPages(ctx context.Context, sessionID, startURL string, pageCap int) ([]domain.Record, error)
	ForgetMisses(ctx context.Context, resource string) error
}

type QueryExports interface {
	Schema(ctx context.Context, sessionID, queryID string) ([]string, error)
	Rows(ctx context.Context, sessionID, queryID string, page, chunkSize int) (*export.Chunk, error)
}

type BulkExports interface {
	Start(ctx context.Context, sessionID string, resource crm.Resource, startURL string) (*export.BulkResult, error)
	ReadChunk(ctx context.Context, sessionID, jobID string, page, chunkSize int) (*export.Chunk, error)
	Purge(ctx context.Context, sessionID, jobID string) error
}
