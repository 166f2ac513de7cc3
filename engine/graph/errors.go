package graph

import (
	"errors"
	"strings"

	"github.com/WessleyAI/ifcgraph/engine/domain"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// IsTransient reports whether a failed write may succeed if retried as is:
// deadlocks, lock timeouts, leader switches and dropped connections.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, domain.ErrTransientWrite) || IsConnectivity(err) {
		return true
	}
	var nerr *neo4j.Neo4jError
	if errors.As(err, &nerr) {
		return strings.HasPrefix(nerr.Code, "Neo.TransientError.")
	}
	return neo4j.IsRetryable(err)
}

// IsConnectivity reports whether err means the database is unreachable.
func IsConnectivity(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, domain.ErrConnectivityLost) {
		return true
	}
	var cerr *neo4j.ConnectivityError
	return errors.As(err, &cerr)
}
