// Package esclient adapts github.com/elastic/go-elasticsearch/v8 to
// pipeline.ESTransport, the narrow interface the Data Pipeline's
// Elasticsearch sink depends on. Kept out of internal/pipeline so that
// package has no hard compile-time dependency on the concrete client.
package esclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// Transport wraps a real Elasticsearch client.
type Transport struct {
	client *elasticsearch.Client
}

// New connects to the Elasticsearch cluster at url.
func New(url string) (*Transport, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{url},
	})
	if err != nil {
		return nil, fmt.Errorf("esclient: new client: %w", err)
	}
	return &Transport{client: client}, nil
}

func (t *Transport) Ping(ctx context.Context) error {
	resp, err := t.client.Ping(t.client.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("esclient: ping: %w", err)
	}
	defer resp.Body.Close()
	if resp.IsError() {
		return fmt.Errorf("esclient: ping returned %s", resp.Status())
	}
	return nil
}

func (t *Transport) IndexDocument(ctx context.Context, index string, document map[string]any) error {
	body, err := json.Marshal(document)
	if err != nil {
		return fmt.Errorf("esclient: marshal document: %w", err)
	}

	req := esapi.IndexRequest{
		Index:   index,
		Body:    bytes.NewReader(body),
		Refresh: "false",
	}
	resp, err := req.Do(ctx, t.client)
	if err != nil {
		return fmt.Errorf("esclient: index request: %w", err)
	}
	defer resp.Body.Close()
	if resp.IsError() {
		drained, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("esclient: index returned %s: %s", resp.Status(), string(drained))
	}
	return nil
}
