package db

import (
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/mahaj/chatcore/pkg/logger"
)

type Session struct {
	*gocql.Session
	Keyspace string
}

type Options struct {
	Hosts       []string
	Keyspace    string
	Consistency string
	Timeout     time.Duration
}

func NewSession(opts Options) (*Session, error) {
	cluster := gocql.NewCluster(opts.Hosts...)
	cluster.Keyspace = opts.Keyspace
	cluster.Consistency = gocql.Quorum
	if opts.Consistency != "" {
		c, err := gocql.ParseConsistencyWrapper(opts.Consistency)
		if err != nil {
			return nil, fmt.Errorf("consistency %q: %w", opts.Consistency, err)
		}
		cluster.Consistency = c
	}
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = 5 * time.Second
	cluster.ConnectTimeout = 5 * time.Second
	if opts.Timeout > 0 {
		cluster.Timeout = opts.Timeout
		cluster.ConnectTimeout = opts.Timeout
	}

	// Retry policy
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		NumRetries: 3,
		Min:        100 * time.Millisecond,
		Max:        1 * time.Second,
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, err
	}

	logger.Info("scylla_connected", "hosts", opts.Hosts, "keyspace", opts.Keyspace)
	return &Session{Session: session, Keyspace: opts.Keyspace}, nil
}
