// Package graph projects linking clusters into Memgraph/Neo4j over Bolt so they
// can be explored with Cypher.
package graph

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/Ramsey-B/clover/pkg/tracing"
)

// Client is a Bolt connection to Memgraph. Neo4j works too.
type Client struct {
	driver neo4j.DriverWithContext
	logger ectologger.Logger
}

// Config names the Bolt endpoint. An empty Username connects without auth.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
}

// NewClient creates the driver. It does not dial; call VerifyConnectivity.
func NewClient(cfg Config, logger ectologger.Logger) (*Client, error) {
	uri := fmt.Sprintf("bolt://%s:%d", cfg.Host, cfg.Port)

	auth := neo4j.NoAuth()
	if cfg.Username != "" {
		auth = neo4j.BasicAuth(cfg.Username, cfg.Password, "")
	}

	driver, err := neo4j.NewDriverWithContext(uri, auth)
	if err != nil {
		return nil, fmt.Errorf("failed to create graph driver: %w", err)
	}

	return &Client{
		driver: driver,
		logger: logger,
	}, nil
}

// Close closes the driver connection
func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

// VerifyConnectivity checks if the database is reachable
func (c *Client) VerifyConnectivity(ctx context.Context) error {
	return c.driver.VerifyConnectivity(ctx)
}

// ExecuteWrite runs work in a managed write transaction. The driver retries
// work on transient cluster errors, so it must be idempotent.
func (c *Client) ExecuteWrite(ctx context.Context, work neo4j.ManagedTransactionWork) (any, error) {
	return c.execute(ctx, neo4j.AccessModeWrite, work)
}

// ExecuteRead runs work in a managed read transaction.
func (c *Client) ExecuteRead(ctx context.Context, work neo4j.ManagedTransactionWork) (any, error) {
	return c.execute(ctx, neo4j.AccessModeRead, work)
}

func (c *Client) execute(ctx context.Context, mode neo4j.AccessMode, work neo4j.ManagedTransactionWork) (any, error) {
	name := "graph.Client.ExecuteRead"
	if mode == neo4j.AccessModeWrite {
		name = "graph.Client.ExecuteWrite"
	}
	ctx, span := tracing.StartSpan(ctx, name)
	defer span.End()

	session := c.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: mode})
	defer session.Close(ctx)

	var (
		out any
		err error
	)
	if mode == neo4j.AccessModeWrite {
		out, err = session.ExecuteWrite(ctx, work)
	} else {
		out, err = session.ExecuteRead(ctx, work)
	}
	if err != nil {
		c.logger.WithContext(ctx).WithError(err).Debugf("%s failed", name)
	}
	return out, err
}
