// Package rpc manages the pools of query endpoints for each blockchain and network. Reads are tried against each
// endpoint of the pool in order, custom endpoints ahead of the defaults, moving to the next endpoint when one
// fails or times out. There are no retries against an endpoint that already failed and no response caching: a
// request makes at most one pass over the pool.
package rpc

import (
	"context"
	"errors"
	"log"
	"math/big"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/celora/custody/lib/chain"
	"github.com/celora/custody/lib/chain/types"
	"github.com/celora/custody/lib/config"
	"github.com/celora/custody/lib/store"
)

// ErrNetworkUnavailable is returned when every endpoint of a pool has failed.
var ErrNetworkUnavailable = errors.New("all endpoints failed for blockchain")

var requestCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "custody_rpc_requests_total",
	Help: "Endpoint requests by blockchain, endpoint and result.",
}, []string{"blockchain", "endpoint", "result"})

// Manager holds the endpoint pools and the blockchain adapters used to open clients against them.
type Manager struct {
	adapters map[string]chain.Adapter
	pools    map[string][]config.EndpointConfig
	timeout  time.Duration
}

// New builds a Manager from the configured endpoints. Within each blockchain and network pool, custom endpoints
// keep their configured order ahead of the default ones.
func New(adapters map[string]chain.Adapter, endpoints []config.EndpointConfig, timeoutMs int) *Manager {
	pools := make(map[string][]config.EndpointConfig)

	for _, ep := range endpoints {
		if ep.IsCustom {
			k := poolKey(ep.Blockchain, ep.Network)
			pools[k] = append(pools[k], ep)
		}
	}

	for _, ep := range endpoints {
		if !ep.IsCustom {
			k := poolKey(ep.Blockchain, ep.Network)
			pools[k] = append(pools[k], ep)
		}
	}

	return &Manager{adapters: adapters, pools: pools, timeout: time.Duration(timeoutMs) * time.Millisecond}
}

func poolKey(blockchain, network string) string {
	return blockchain + "/" + network
}

// Adapter returns the adapter for the given blockchain.
func (m *Manager) Adapter(blockchain string) (chain.Adapter, error) {
	a, ok := m.adapters[blockchain]
	if !ok {
		return nil, types.ErrUnknownNet
	}

	return a, nil
}

// TestConnection opens a client against url and runs a health check within the pool timeout. Used to validate an
// endpoint before accepting it into the configuration.
func (m *Manager) TestConnection(ctx context.Context, blockchain, url string) error {
	a, err := m.Adapter(blockchain)
	if err != nil {
		return err
	}

	cl, err := a.Client(url)
	if err != nil {
		return err
	}
	defer cl.Close()

	cctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	return cl.Health(cctx)
}

// Balance returns the address balance in the blockchain's smallest unit, asking each endpoint of the pool in turn.
func (m *Manager) Balance(ctx context.Context, blockchain, network, address string) (bal *big.Int, err error) {
	err = m.failover(ctx, blockchain, network, func(cctx context.Context, cl types.Client) error {
		bal, err = cl.Balance(cctx, address)

		return err
	})

	return
}

// Transactions returns recent transactions for the address, newest first, asking each endpoint of the pool in turn.
func (m *Manager) Transactions(ctx context.Context, blockchain, network, address string,
	limit int) (txs []store.Transaction, err error) {
	err = m.failover(ctx, blockchain, network, func(cctx context.Context, cl types.Client) error {
		txs, err = cl.Transactions(cctx, address, limit)

		return err
	})

	return
}

// failover runs op against each endpoint of the pool until one succeeds. Invalid input errors abort the pass, the
// rest move on to the next endpoint.
func (m *Manager) failover(ctx context.Context, blockchain, network string,
	op func(context.Context, types.Client) error) error {
	a, err := m.Adapter(blockchain)
	if err != nil {
		return err
	}

	pool, ok := m.pools[poolKey(blockchain, network)]
	if !ok || len(pool) == 0 {
		return types.ErrUnknownNet
	}

	for _, ep := range pool {
		cl, errCl := a.Client(ep.URL)
		if errCl != nil {
			requestCount.WithLabelValues(blockchain, ep.Name, "error").Inc()
			log.Printf("[%s] endpoint %s unreachable: %v", blockchain, ep.Name, errCl)

			continue
		}

		cctx, cancel := context.WithTimeout(ctx, m.timeout)
		errOp := op(cctx, cl)

		cancel()
		cl.Close()

		if errOp == nil {
			requestCount.WithLabelValues(blockchain, ep.Name, "success").Inc()

			return nil
		}

		if errors.Is(errOp, types.ErrInvalidAddress) {
			return errOp
		}

		requestCount.WithLabelValues(blockchain, ep.Name, "error").Inc()
		log.Printf("[%s] endpoint %s failed: %v", blockchain, ep.Name, errOp)
	}

	return ErrNetworkUnavailable
}
