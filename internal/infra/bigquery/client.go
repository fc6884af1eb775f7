// Package bigquery implements the source reader, hash store and session
// store on top of BigQuery tables.
package bigquery

import (
	"context"
	"fmt"
	"regexp"

	"cloud.google.com/go/bigquery"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_\-]*$`)

// Client wraps a BigQuery client bound to one dataset.
type Client struct {
	bq      *bigquery.Client
	project string
	dataset string
}

// NewClient creates a BigQuery client for project and dataset.
func NewClient(ctx context.Context, project, dataset string) (*Client, error) {
	bq, err := bigquery.NewClient(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("NewClient: creating client: %w", err)
	}
	return NewClientWithBigQuery(bq, project, dataset), nil
}

// NewClientWithBigQuery wraps an existing client.
func NewClientWithBigQuery(bq *bigquery.Client, project, dataset string) *Client {
	return &Client{bq: bq, project: project, dataset: dataset}
}

// Close closes the BigQuery client connection.
func (c *Client) Close() error {
	if c.bq != nil {
		return c.bq.Close()
	}
	return nil
}

// TableRef returns the quoted, fully qualified name of table.
func TableRef(project, dataset, table string) (string, error) {
	for _, part := range []string{project, dataset, table} {
		if !identRe.MatchString(part) {
			return "", fmt.Errorf("invalid BigQuery identifier %q", part)
		}
	}
	return fmt.Sprintf("`%s.%s.%s`", project, dataset, table), nil
}

func (c *Client) table(name string) (string, error) {
	return TableRef(c.project, c.dataset, name)
}

// exec runs a DML statement and waits for it to finish.
func (c *Client) exec(ctx context.Context, sql string, params []bigquery.QueryParameter) error {
	q := c.bq.Query(sql)
	q.Parameters = params

	job, err := q.Run(ctx)
	if err != nil {
		return fmt.Errorf("running query: %w", err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("waiting for job: %w", err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("job error: %w", err)
	}
	return nil
}
