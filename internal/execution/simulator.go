package execution

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"hash/fnv"
	mrand "math/rand/v2"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Checker-Finance/order-stream/pkg/model"
)

// SimulatorConfig shapes the simulated venue.
type SimulatorConfig struct {
	MinLatency  time.Duration
	MaxLatency  time.Duration
	FailureRate float64 // probability of a recoverable failure per call
}

// Simulator stands in for a DEX router when no execution URL is configured.
// Fills are remembered per order id so repeated calls return the same result.
type Simulator struct {
	cfg    SimulatorConfig
	logger *zap.Logger

	mu    sync.Mutex
	fills map[string]*model.Result
	rng   *mrand.Rand
}

// NewSimulator creates a simulated executor.
func NewSimulator(cfg SimulatorConfig, logger *zap.Logger) *Simulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxLatency < cfg.MinLatency {
		cfg.MaxLatency = cfg.MinLatency
	}
	return &Simulator{
		cfg:    cfg,
		logger: logger,
		fills:  make(map[string]*model.Result),
		rng:    mrand.New(mrand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)),
	}
}

func (s *Simulator) latency() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	span := s.cfg.MaxLatency - s.cfg.MinLatency
	if span <= 0 {
		return s.cfg.MinLatency
	}
	return s.cfg.MinLatency + time.Duration(s.rng.Int64N(int64(span)))
}

func (s *Simulator) fails() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.FailureRate > 0 && s.rng.Float64() < s.cfg.FailureRate
}

func (s *Simulator) Execute(ctx context.Context, o model.Order) (*model.Result, error) {
	s.mu.Lock()
	if prev, ok := s.fills[o.ID]; ok {
		s.mu.Unlock()
		return prev, nil
	}
	s.mu.Unlock()

	timer := time.NewTimer(s.latency())
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, model.Recoverable("venue timeout", ctx.Err())
	case <-timer.C:
	}

	if s.fails() {
		s.logger.Info("simulator.execution_failed", zap.String("order_id", o.ID))
		return nil, model.Recoverable("simulated venue failure", nil)
	}

	price := referencePrice(o.TokenIn, o.TokenOut)
	out := fillAmount(o, price)
	now := time.Now().UTC()
	res := &model.Result{
		Price:      &price,
		AmountOut:  &out,
		Venue:      "simulator",
		TxHash:     randomTxHash(),
		ExecutedAt: &now,
	}

	s.mu.Lock()
	if prev, ok := s.fills[o.ID]; ok {
		s.mu.Unlock()
		return prev, nil
	}
	s.fills[o.ID] = res
	s.mu.Unlock()

	s.logger.Info("simulator.order_filled",
		zap.String("order_id", o.ID),
		zap.String("price", price.String()),
		zap.String("amount_out", out.String()))
	return res, nil
}

// referencePrice is a stable pseudo price per pair in [1, 200).
func referencePrice(tokenIn, tokenOut string) decimal.Decimal {
	h := fnv.New32a()
	_, _ = h.Write([]byte(tokenIn + "/" + tokenOut))
	cents := int64(h.Sum32()%19900) + 100
	return decimal.New(cents, -2)
}

func randomTxHash() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return "0x" + hex.EncodeToString(b)
}
