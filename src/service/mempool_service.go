package service

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethaccount/bundler/erc4337"
	"github.com/ethaccount/bundler/src/domain"
	"github.com/ethaccount/bundler/src/repository"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

type MempoolConfig struct {
	RevalidationInterval time.Duration
}

// MempoolService admits validated operations and keeps pending entries
// honest by re-validating them when the code they touched changes.
type MempoolService struct {
	validation *ValidationService
	simulator  Simulator
	mempool    repository.Mempool
	metrics    *Metrics
	interval   time.Duration
}

func NewMempoolService(
	validation *ValidationService,
	simulator Simulator,
	mempool repository.Mempool,
	metrics *Metrics,
	config MempoolConfig,
) *MempoolService {
	if config.RevalidationInterval <= 0 {
		config.RevalidationInterval = time.Minute
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &MempoolService{
		validation: validation,
		simulator:  simulator,
		mempool:    mempool,
		metrics:    metrics,
		interval:   config.RevalidationInterval,
	}
}

// logger wraps the execution context with component info
func (s *MempoolService) logger(ctx context.Context) *zerolog.Logger {
	l := zerolog.Ctx(ctx).With().Str("component", "mempool-service").Logger()
	return &l
}

// Add validates op and stores it. Submitting an operation that is already
// pending returns its hash without simulating it again.
func (s *MempoolService) Add(ctx context.Context, op *erc4337.UserOperation, entryPoint common.Address) (common.Hash, error) {
	if op != nil && s.validation.SupportsEntryPoint(entryPoint) {
		if hash, ok := s.pendingHash(ctx, op, entryPoint); ok {
			s.logger(ctx).Debug().Str("user_op_hash", hash.Hex()).Msg("user operation already pending")
			return hash, nil
		}
	}

	entry, err := s.validation.Validate(ctx, op, entryPoint)
	if err != nil {
		return common.Hash{}, err
	}

	added, err := s.mempool.Add(ctx, entry)
	if err != nil {
		if errors.Is(err, repository.ErrNonceTaken) {
			return common.Hash{}, domain.NewError(domain.ErrorCodeParameterInvalid, err, domain.WithMsg(err.Error()))
		}
		s.logger(ctx).Error().Err(err).Str("user_op_hash", entry.UserOpHash.Hex()).Msg("failed to store mempool entry")
		return common.Hash{}, domain.NewError(domain.ErrorCodeInternalProcess, err)
	}
	if added {
		s.metrics.MempoolSize.Inc()
		s.logger(ctx).Info().
			Str("user_op_hash", entry.UserOpHash.Hex()).
			Str("sender", entry.Sender().Hex()).
			Msg("user operation added to mempool")
	}
	return entry.UserOpHash, nil
}

func (s *MempoolService) pendingHash(ctx context.Context, op *erc4337.UserOperation, entryPoint common.Address) (common.Hash, bool) {
	chainID, err := s.simulator.ChainID(ctx)
	if err != nil {
		return common.Hash{}, false
	}
	hash, err := op.GetUserOpHash(entryPoint, chainID)
	if err != nil {
		return common.Hash{}, false
	}
	if _, err := s.mempool.Get(ctx, hash); err != nil {
		return common.Hash{}, false
	}
	return hash, true
}

func (s *MempoolService) ChainID(ctx context.Context) (*big.Int, error) {
	chainID, err := s.simulator.ChainID(ctx)
	if err != nil {
		return nil, domain.NewError(domain.ErrorCodeRemoteProcess, err, domain.WithMsg("node unavailable"))
	}
	return chainID, nil
}

func (s *MempoolService) SupportedEntryPoints() []common.Address {
	return s.validation.SupportedEntryPoints()
}

// GetByHash returns the pending entry for hash.
func (s *MempoolService) GetByHash(ctx context.Context, hash common.Hash) (*domain.MempoolEntry, error) {
	entry, err := s.mempool.Get(ctx, hash)
	if err != nil {
		if errors.Is(err, repository.ErrEntryNotFound) {
			return nil, domain.NewError(domain.ErrorCodeResourceNotFound, err)
		}
		return nil, domain.NewError(domain.ErrorCodeInternalProcess, err)
	}
	return entry, nil
}

// Dump lists every pending entry, oldest first.
func (s *MempoolService) Dump(ctx context.Context) ([]*domain.MempoolEntry, error) {
	entries, err := s.mempool.List(ctx)
	if err != nil {
		return nil, domain.NewError(domain.ErrorCodeInternalProcess, err)
	}
	return entries, nil
}

// Start runs the revalidation loop until ctx is cancelled.
func (s *MempoolService) Start(ctx context.Context) error {
	s.logger(ctx).Info().
		Dur("revalidation_interval", s.interval).
		Msg("starting revalidation worker")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger(ctx).Info().Msg("revalidation worker stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger(ctx).Error().Err(err).Msg("revalidation cycle failed")
			}
		}
	}
}

// Sweep prunes expired entries, then re-validates every entry whose
// referenced code changed. Entries that no longer validate are evicted.
func (s *MempoolService) Sweep(ctx context.Context) error {
	s.logger(ctx).Debug().Msg("starting revalidation cycle")

	pruned, err := s.mempool.Prune(ctx, time.Now())
	if err != nil {
		return err
	}

	entries, err := s.mempool.List(ctx)
	if err != nil {
		return err
	}

	replaced, evicted := 0, 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		hashes, err := s.simulator.CodeHashes(ctx, entry.ReferencedCodeHashes.Addresses())
		if err != nil {
			s.logger(ctx).Warn().Err(err).
				Str("user_op_hash", entry.UserOpHash.Hex()).
				Msg("failed to fetch code hashes")
			continue
		}
		if !entry.NeedsRevalidation(domain.NewCodeHashes(hashes)) {
			continue
		}

		s.logger(ctx).Info().
			Str("user_op_hash", entry.UserOpHash.Hex()).
			Msg("referenced code changed, revalidating")

		revalidated, err := s.validation.Revalidate(ctx, entry)
		if err == nil {
			updated := *entry
			updated.ReplaceCodeHashes(revalidated.ReferencedCodeHashes)
			if err = s.mempool.Replace(ctx, &updated); err == nil {
				replaced++
				s.metrics.Revalidations.WithLabelValues(OutcomeAccepted).Inc()
				continue
			}
		}

		if errors.Is(err, domain.CodeError(domain.ErrorCodeRemoteProcess)) {
			s.logger(ctx).Warn().Err(err).
				Str("user_op_hash", entry.UserOpHash.Hex()).
				Msg("revalidation deferred, node unavailable")
			continue
		}

		s.evict(ctx, entry, err)
		evicted++
	}

	if size, err := s.mempool.List(ctx); err == nil {
		s.metrics.MempoolSize.Set(float64(len(size)))
	}

	s.logger(ctx).Debug().
		Int("entries", len(entries)).
		Int("pruned", pruned).
		Int("revalidated", replaced).
		Int("evicted", evicted).
		Msg("revalidation cycle completed")
	return nil
}

func (s *MempoolService) evict(ctx context.Context, entry *domain.MempoolEntry, cause error) {
	s.logger(ctx).Info().Err(cause).
		Str("user_op_hash", entry.UserOpHash.Hex()).
		Msg("evicting user operation")

	if err := s.mempool.Remove(ctx, entry.UserOpHash); err != nil && !errors.Is(err, repository.ErrEntryNotFound) {
		s.logger(ctx).Error().Err(err).
			Str("user_op_hash", entry.UserOpHash.Hex()).
			Msg("failed to remove mempool entry")
		return
	}
	s.metrics.Evictions.Inc()
	s.metrics.Revalidations.WithLabelValues(OutcomeRejected).Inc()
	s.validation.markEvicted(ctx, entry.UserOpHash, cause)
}
