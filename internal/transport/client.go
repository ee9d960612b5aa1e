package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/octoscheduler/octoscheduler/internal/collab"
	"github.com/octoscheduler/octoscheduler/internal/config"
	"github.com/octoscheduler/octoscheduler/internal/pipgraph"
)

// Client implements collab.WorkerTransport over mTLS gRPC connections to
// remote worker agents, one *grpc.ClientConn per attached worker ID.
// Grounded on internal/gossip/server.go's buildServerTLS, mirrored into a
// client-side TLS 1.3 + client-certificate config.
type Client struct {
	log *zap.Logger
	cfg config.TransportConfig

	tlsCfg *tls.Config

	mu    sync.Mutex
	conns map[int32]*grpc.ClientConn
}

var _ collab.WorkerTransport = (*Client)(nil)

// NewClient builds a Client from the scheduler's transport configuration.
// Returns an error if the configured certificate/key/CA files cannot be
// loaded — dialing individual peers happens lazily in Register.
func NewClient(log *zap.Logger, cfg config.TransportConfig) (*Client, error) {
	tlsCfg, err := buildClientTLS(cfg.TLSCertFile, cfg.TLSKeyFile, cfg.TLSCAFile)
	if err != nil {
		return nil, fmt.Errorf("transport: client TLS config: %w", err)
	}
	return &Client{
		log:    log,
		cfg:    cfg,
		tlsCfg: tlsCfg,
		conns:  make(map[int32]*grpc.ClientConn),
	}, nil
}

// Register dials a remote worker agent at addr and associates the
// connection with workerID, so subsequent WorkerTransport calls for that
// worker route to it.
func (c *Client) Register(ctx context.Context, workerID int32, addr string) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	conn, err := grpc.DialContext(dialCtx, addr,
		grpc.WithTransportCredentials(credentials.NewTLS(c.tlsCfg)),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
		grpc.WithBlock(),
	)
	if err != nil {
		return fmt.Errorf("transport: dial worker %d at %s: %w", workerID, addr, err)
	}

	c.mu.Lock()
	c.conns[workerID] = conn
	c.mu.Unlock()
	return nil
}

// Unregister closes and forgets the connection for workerID, if any.
func (c *Client) Unregister(workerID int32) {
	c.mu.Lock()
	conn := c.conns[workerID]
	delete(c.conns, workerID)
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Client) connFor(workerID int32) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.conns[workerID]
	if !ok {
		return nil, fmt.Errorf("transport: no connection registered for worker %d", workerID)
	}
	return conn, nil
}

func (c *Client) Initialize(ctx context.Context, workerID int32) error {
	conn, err := c.connFor(workerID)
	if err != nil {
		return err
	}
	var resp InitializeResponse
	return conn.Invoke(ctx, methodInitialize, &InitializeRequest{WorkerID: workerID}, &resp)
}

func (c *Client) CacheLookup(ctx context.Context, workerID int32, pip pipgraph.PipId) (*collab.CacheHit, error) {
	conn, err := c.connFor(workerID)
	if err != nil {
		return nil, err
	}
	var resp CacheLookupResponse
	req := &CacheLookupRequest{WorkerID: workerID, PipID: uint32(pip)}
	if err := conn.Invoke(ctx, methodCacheLookup, req, &resp); err != nil {
		return nil, err
	}
	if !resp.Hit {
		return nil, nil
	}
	return &collab.CacheHit{ContentHashes: resp.ContentHashes, Converged: resp.Converged}, nil
}

func (c *Client) MaterializeInputs(ctx context.Context, workerID int32, pip pipgraph.PipId) error {
	conn, err := c.connFor(workerID)
	if err != nil {
		return err
	}
	var resp MaterializeInputsResponse
	req := &MaterializeInputsRequest{WorkerID: workerID, PipID: uint32(pip)}
	return conn.Invoke(ctx, methodMaterializeInputs, req, &resp)
}

func (c *Client) ExecuteProcess(ctx context.Context, workerID int32, pip pipgraph.PipId) (collab.ExecutionResult, error) {
	conn, err := c.connFor(workerID)
	if err != nil {
		return collab.ExecutionResult{}, err
	}
	var resp ExecuteProcessResponse
	req := &ExecuteProcessRequest{WorkerID: workerID, PipID: uint32(pip)}
	if err := conn.Invoke(ctx, methodExecuteProcess, req, &resp); err != nil {
		return collab.ExecutionResult{}, err
	}
	return collab.ExecutionResult{
		Status:           resp.Status,
		DurationMs:       resp.DurationMs,
		PeakWorkingSetMb: resp.PeakWorkingSetMb,
		ObservedAccesses: resp.ObservedAccesses,
		OutputContent:    resp.OutputContent,
		Retryable:        resp.Retryable,
	}, nil
}

func (c *Client) MaterializeOutputs(ctx context.Context, workerID int32, pip pipgraph.PipId) error {
	conn, err := c.connFor(workerID)
	if err != nil {
		return err
	}
	var resp MaterializeOutputsResponse
	req := &MaterializeOutputsRequest{WorkerID: workerID, PipID: uint32(pip)}
	return conn.Invoke(ctx, methodMaterializeOutputs, req, &resp)
}

func (c *Client) Finish(ctx context.Context, workerID int32) error {
	conn, err := c.connFor(workerID)
	if err != nil {
		return err
	}
	var resp FinishResponse
	if err := conn.Invoke(ctx, methodFinish, &FinishRequest{WorkerID: workerID}, &resp); err != nil {
		return err
	}
	c.Unregister(workerID)
	return nil
}

// Close tears down every open connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, conn := range c.conns {
		_ = conn.Close()
		delete(c.conns, id)
	}
	return nil
}

// buildClientTLS mirrors gossip's buildServerTLS for the dial side: TLS
// 1.3 only, client certificate presented for mutual auth, server
// certificate verified against the configured CA.
func buildClientTLS(certFile, keyFile, caFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load client cert/key: %w", err)
	}

	caData, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read CA file %q: %w", caFile, err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caData) {
		return nil, fmt.Errorf("failed to parse CA certificate from %q", caFile)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      caPool,
		MinVersion:   tls.VersionTLS13,
	}, nil
}
