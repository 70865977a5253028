package engine

import (
	"context"

	"github.com/castilho/inferoute/pkg/inferoute/retrieval"
	"github.com/castilho/inferoute/pkg/inferoute/store"
)

// ModelBinder resolves capability tags and model attributes. Satisfied by
// *store.Catalog.
type ModelBinder interface {
	DefaultModel(capability string, ownerID int64) int64
	ModelByID(id int64) (*store.Model, error)
	ProviderFor(modelID int64) string
	ModelNameFor(modelID int64) string
	FeaturesFor(modelID int64) []string
	EligibleModels(capability string, minRating int) ([]store.Model, error)
}

// PromptSource looks up prompt templates and enumerates topics. Satisfied
// by *store.PromptStore.
type PromptSource interface {
	FindByTopic(topic string, ownerID int64, language string) (*store.PromptTemplate, error)
	ListTopics(excludeInternal bool) ([]store.TopicInfo, error)
}

// RetrievalService is the knowledge-base lookup. Satisfied by
// *retrieval.Store.
type RetrievalService interface {
	SemanticSearch(ctx context.Context, query string, ownerID int64, groupKey string, limit int, minScore float64) ([]retrieval.Result, error)
}
