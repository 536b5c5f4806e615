// Package search keeps a searchable audit copy of partner change events in
// Elasticsearch. PostgreSQL stays authoritative; the index is best effort.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"example.com/eduwallet/services/partners/config"
	"example.com/eduwallet/services/partners/internal/models"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ElasticClient provides integration with Elasticsearch
type ElasticClient struct {
	client *elasticsearch.Client
	config config.ElasticConfig
}

// NewElasticClient creates a new Elasticsearch client. It returns nil without
// error when indexing is disabled.
func NewElasticClient(cfg config.ElasticConfig) (*ElasticClient, error) {
	if !cfg.Enabled || cfg.URL == "" {
		return nil, nil
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Elasticsearch client")
	}

	return &ElasticClient{client: client, config: cfg}, nil
}

func (c *ElasticClient) indexName() string {
	return config.FormatIndex(c.config, c.config.Index)
}

// ChangeEventDocument is the indexed form of a change event
func ChangeEventDocument(event *models.PartnerChangeEvent) map[string]interface{} {
	doc := map[string]interface{}{
		"id":              event.ID.String(),
		"partner_id":      event.PartnerID.String(),
		"event_type":      event.EventType,
		"direction":       string(event.Direction),
		"delivery_status": string(event.DeliveryStatus),
		"attempts":        event.Attempts,
		"created_at":      event.CreatedAt.UTC().Format(time.RFC3339Nano),
		"expires_at":      event.ExpiresAt.UTC().Format(time.RFC3339Nano),
	}
	if event.EnrollmentID != nil {
		doc["enrollment_id"] = event.EnrollmentID.String()
	}
	if len(event.Diff) > 0 {
		doc["diff"] = event.Diff
	}
	if len(event.Metadata) > 0 {
		doc["metadata"] = event.Metadata
	}
	if event.LastError != "" {
		doc["last_error"] = event.LastError
	}
	return doc
}

// IndexChangeEvent writes event to the audit index, keyed by its id so
// reindexing the same event overwrites rather than duplicates.
func (c *ElasticClient) IndexChangeEvent(ctx context.Context, event *models.PartnerChangeEvent) error {
	body, err := json.Marshal(ChangeEventDocument(event))
	if err != nil {
		return errors.Wrap(err, "failed to marshal change event document")
	}

	req := esapi.IndexRequest{
		Index:      c.indexName(),
		DocumentID: event.ID.String(),
		Body:       bytes.NewReader(body),
	}
	res, err := req.Do(ctx, c.client)
	if err != nil {
		return errors.Wrap(err, "failed to execute Elasticsearch index request")
	}
	defer res.Body.Close()

	if res.IsError() {
		return responseError(res, "index")
	}

	log.Debug().Str("change_event_id", event.ID.String()).Msg("Change event indexed")
	return nil
}

// Query narrows a change event search. Zero values mean no constraint.
type Query struct {
	PartnerID      uuid.UUID
	EnrollmentID   uuid.UUID
	EventType      string
	DeliveryStatus string
	Since          time.Time
	Until          time.Time
	Size           int
}

// BuildQuery renders q as an Elasticsearch bool query, newest first
func BuildQuery(q Query) map[string]interface{} {
	filters := []interface{}{}
	term := func(field, value string) {
		filters = append(filters, map[string]interface{}{"term": map[string]interface{}{field: value}})
	}
	if q.PartnerID != uuid.Nil {
		term("partner_id", q.PartnerID.String())
	}
	if q.EnrollmentID != uuid.Nil {
		term("enrollment_id", q.EnrollmentID.String())
	}
	if q.EventType != "" {
		term("event_type", q.EventType)
	}
	if q.DeliveryStatus != "" {
		term("delivery_status", q.DeliveryStatus)
	}
	if !q.Since.IsZero() || !q.Until.IsZero() {
		rng := map[string]interface{}{}
		if !q.Since.IsZero() {
			rng["gte"] = q.Since.UTC().Format(time.RFC3339Nano)
		}
		if !q.Until.IsZero() {
			rng["lte"] = q.Until.UTC().Format(time.RFC3339Nano)
		}
		filters = append(filters, map[string]interface{}{"range": map[string]interface{}{"created_at": rng}})
	}

	size := q.Size
	if size <= 0 || size > 500 {
		size = 50
	}

	return map[string]interface{}{
		"size":  size,
		"sort":  []interface{}{map[string]interface{}{"created_at": map[string]interface{}{"order": "desc"}}},
		"query": map[string]interface{}{"bool": map[string]interface{}{"filter": filters}},
	}
}

// SearchChangeEvents returns the source documents matching q
func (c *ElasticClient) SearchChangeEvents(ctx context.Context, q Query) ([]map[string]interface{}, error) {
	body, err := json.Marshal(BuildQuery(q))
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal search query")
	}

	req := esapi.SearchRequest{
		Index: []string{c.indexName()},
		Body:  bytes.NewReader(body),
	}
	res, err := req.Do(ctx, c.client)
	if err != nil {
		return nil, errors.Wrap(err, "failed to execute Elasticsearch search request")
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, responseError(res, "search")
	}

	var result struct {
		Hits struct {
			Hits []struct {
				Source map[string]interface{} `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return nil, errors.Wrap(err, "failed to parse Elasticsearch search response")
	}

	docs := make([]map[string]interface{}, 0, len(result.Hits.Hits))
	for _, hit := range result.Hits.Hits {
		docs = append(docs, hit.Source)
	}
	return docs, nil
}

// Ping checks cluster reachability
func (c *ElasticClient) Ping(ctx context.Context) error {
	res, err := c.client.Ping(c.client.Ping.WithContext(ctx))
	if err != nil {
		return errors.Wrap(err, "failed to ping Elasticsearch")
	}
	defer res.Body.Close()
	if res.IsError() {
		return errors.Errorf("Elasticsearch ping returned %s", res.Status())
	}
	return nil
}

func responseError(res *esapi.Response, op string) error {
	var e map[string]interface{}
	if err := json.NewDecoder(res.Body).Decode(&e); err != nil {
		return errors.Wrapf(err, "failed to parse Elasticsearch %s error response", op)
	}
	return errors.Errorf("Elasticsearch %s error: %v", op, e)
}
