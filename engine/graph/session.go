package graph

import (
	"context"
	"time"

	"github.com/WessleyAI/gridgraph/pkg/config"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// CypherResult is the subset of neo4j.ResultWithContext the engine reads.
type CypherResult interface {
	Next(ctx context.Context) bool
	Record() *neo4j.Record
	Err() error
}

// CypherRunner runs one statement. Sessions and managed transactions both
// satisfy it.
type CypherRunner interface {
	Run(ctx context.Context, cypher string, params map[string]any) (CypherResult, error)
}

// CypherSession is a scoped store handle. Work passed to ExecuteWrite or
// ExecuteRead runs in one transaction that commits only if work returns nil.
type CypherSession interface {
	CypherRunner
	ExecuteWrite(ctx context.Context, work func(tx CypherRunner) (any, error)) (any, error)
	ExecuteRead(ctx context.Context, work func(tx CypherRunner) (any, error)) (any, error)
	Close(ctx context.Context) error
}

// SessionOpener hands out sessions. Every engine operation opens its own
// and closes it before returning.
type SessionOpener interface {
	OpenSession(ctx context.Context, mode neo4j.AccessMode) CypherSession
}

// NewDriver builds a driver from connection options. Driver-side transaction
// retries are disabled so failures surface to the caller unchanged.
func NewDriver(cfg config.Neo4j) (neo4j.DriverWithContext, error) {
	return neo4j.NewDriverWithContext(
		cfg.URI,
		neo4j.BasicAuth(cfg.Username, cfg.Password, ""),
		func(c *neo4j.Config) {
			if d := cfg.ConnectTimeout.Std(); d > 0 {
				c.SocketConnectTimeout = d
				c.ConnectionAcquisitionTimeout = d
			}
			c.MaxTransactionRetryTime = 0
		},
	)
}

// driverOpener opens real driver sessions bound to one database and a
// per-transaction timeout.
type driverOpener struct {
	driver   neo4j.DriverWithContext
	database string
	timeout  time.Duration
}

func (o *driverOpener) OpenSession(ctx context.Context, mode neo4j.AccessMode) CypherSession {
	sess := o.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   mode,
		DatabaseName: o.database,
	})
	return &driverSession{sess: sess, timeout: o.timeout}
}

type driverSession struct {
	sess    neo4j.SessionWithContext
	timeout time.Duration
}

func (s *driverSession) txConfig() []func(*neo4j.TransactionConfig) {
	if s.timeout <= 0 {
		return nil
	}
	return []func(*neo4j.TransactionConfig){neo4j.WithTxTimeout(s.timeout)}
}

func (s *driverSession) Run(ctx context.Context, cypher string, params map[string]any) (CypherResult, error) {
	res, err := s.sess.Run(ctx, cypher, params, s.txConfig()...)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *driverSession) ExecuteWrite(ctx context.Context, work func(tx CypherRunner) (any, error)) (any, error) {
	return s.sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return work(txRunner{tx: tx})
	}, s.txConfig()...)
}

func (s *driverSession) ExecuteRead(ctx context.Context, work func(tx CypherRunner) (any, error)) (any, error) {
	return s.sess.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return work(txRunner{tx: tx})
	}, s.txConfig()...)
}

func (s *driverSession) Close(ctx context.Context) error { return s.sess.Close(ctx) }

type txRunner struct{ tx neo4j.ManagedTransaction }

func (r txRunner) Run(ctx context.Context, cypher string, params map[string]any) (CypherResult, error) {
	res, err := r.tx.Run(ctx, cypher, params)
	if err != nil {
		return nil, err
	}
	return res, nil
}
