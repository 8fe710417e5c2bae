// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package swarm

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/crypto/blake2b"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/swarmsync/core/retry"
)

const (
	rpcPath        = "/storage_rpc/v1"
	maxResponseLen = 1 << 20
	defaultRetries = 2
)

// RPCError is a non success reply from a storage node.
type RPCError struct {
	Method string
	Status int
	Body   string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("swarm: %v rejected with status %d: %v", e.Method, e.Status, e.Body)
}

// StaticResolver picks a node from a fixed list by hashing the swarm key.
type StaticResolver struct {
	nodes []*Node
}

// NewStaticResolver returns a resolver over nodes.
func NewStaticResolver(nodes []*Node) *StaticResolver {
	return &StaticResolver{nodes: nodes}
}

// ResolveNode returns the node responsible for key.
func (r *StaticResolver) ResolveNode(_ context.Context, key string) (*Node, error) {
	if len(r.nodes) == 0 {
		return nil, ErrNoNodes
	}
	h := blake2b.Sum256([]byte(key))
	idx := binary.BigEndian.Uint64(h[:8]) % uint64(len(r.nodes))
	return r.nodes[idx], nil
}

type rpcRequest struct {
	Method string      `json:"method"`
	Params interface{} `json:"params"`
}

// RPCClient is a Client speaking JSON-RPC over HTTP.
type RPCClient struct {
	*StaticResolver

	log  *logging.Logger
	http *retryablehttp.Client
}

// NewRPCClient returns a client over nodes. Every request is bounded by
// timeout, retries included.
func NewRPCClient(log *logging.Logger, nodes []*Node, timeout time.Duration) *RPCClient {
	c := retryablehttp.NewClient()
	c.RetryMax = defaultRetries
	c.RetryWaitMin = retry.DefaultBaseDelay
	c.RetryWaitMax = retry.DefaultMaxDelay
	c.CheckRetry = retry.ShouldRetryHTTP
	c.Backoff = func(min, max time.Duration, attempt int, _ *http.Response) time.Duration {
		return retry.Delay(min, max, retry.DefaultJitter, attempt)
	}
	c.Logger = &retryLogger{log}
	c.HTTPClient.Timeout = timeout
	// Return the last response rather than a generic error once retries
	// are exhausted.
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &RPCClient{
		StaticResolver: NewStaticResolver(nodes),
		log:            log,
		http:           c,
	}
}

// Store implements Client.
func (c *RPCClient) Store(ctx context.Context, node *Node, req *StoreRequest) (*StoreResponse, error) {
	resp := new(StoreResponse)
	if err := c.call(ctx, node, "store", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Delete implements Client.
func (c *RPCClient) Delete(ctx context.Context, node *Node, req *DeleteRequest) error {
	return c.call(ctx, node, "delete", req, nil)
}

func (c *RPCClient) call(ctx context.Context, node *Node, method string, params, out interface{}) error {
	body, err := json.Marshal(&rpcRequest{Method: method, Params: params})
	if err != nil {
		return err
	}
	url := strings.TrimSuffix(node.Address, "/") + rpcPath
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("swarm: %v request to %v failed: %w", method, node, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseLen))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return &RPCError{Method: method, Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		return nil
	}
	if err = json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("swarm: malformed %v response from %v: %w", method, node, err)
	}
	return nil
}

type retryLogger struct {
	log *logging.Logger
}

func (l *retryLogger) Printf(format string, args ...interface{}) {
	l.log.Debugf(format, args...)
}
