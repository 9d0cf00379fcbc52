package grpc

import (
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/soltixdb/searchcoord/internal/logging"
)

// ConnectionPool manages gRPC connections to search nodes, one per address
type ConnectionPool struct {
	mu     sync.RWMutex
	conns  map[string]*grpc.ClientConn
	logger *logging.Logger

	closed  bool
	closeMu sync.Mutex
}

// NewConnectionPool creates an empty pool
func NewConnectionPool(logger *logging.Logger) *ConnectionPool {
	return &ConnectionPool{
		conns:  make(map[string]*grpc.ClientConn),
		logger: logger,
	}
}

// GetConnection gets or creates a connection. A connection in TransientFailure or Shutdown
// is replaced.
func (p *ConnectionPool) GetConnection(address string) (*grpc.ClientConn, error) {
	p.mu.RLock()
	conn, exists := p.conns[address]
	p.mu.RUnlock()

	if exists && healthy(conn.GetState()) {
		return conn, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check after acquiring write lock
	if conn, exists := p.conns[address]; exists {
		if healthy(conn.GetState()) {
			return conn, nil
		}
		_ = conn.Close()
		delete(p.conns, address)
		p.logger.Debug("Replaced unhealthy gRPC connection", "address", address)
	}

	conn, err := grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	p.conns[address] = conn
	p.logger.Debug("Created new gRPC connection", "address", address)
	return conn, nil
}

// Remove closes and forgets the connection to address
func (p *ConnectionPool) Remove(address string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, exists := p.conns[address]; exists {
		_ = conn.Close()
		delete(p.conns, address)
	}
}

func healthy(state connectivity.State) bool {
	return state != connectivity.TransientFailure && state != connectivity.Shutdown
}

// GetConnectionCount returns the number of pooled connections
func (p *ConnectionPool) GetConnectionCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}

// Close closes every connection
func (p *ConnectionPool) Close() {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return
	}
	p.closed = true
	p.closeMu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	for address, conn := range p.conns {
		if err := conn.Close(); err != nil {
			p.logger.Warn("Failed to close gRPC connection", "address", address, "error", err)
		}
	}

	p.conns = make(map[string]*grpc.ClientConn)
	p.logger.Info("Closed all gRPC connections")
}
