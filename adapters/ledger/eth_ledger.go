package ledger

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"github.com/layer-3/pingmark/core"
	"github.com/layer-3/pingmark/logger"
	"github.com/layer-3/pingmark/ports"
)

// epochManagerABI is the fragment of the EpochManager contract the
// gateway needs: the write-once anchor and its read path.
const epochManagerABI = `[
	{"name":"finalizeEpoch","type":"function","stateMutability":"nonpayable","inputs":[{"name":"epoch","type":"uint256"},{"name":"root","type":"bytes32"}],"outputs":[]},
	{"name":"rootOf","type":"function","stateMutability":"view","inputs":[{"name":"epoch","type":"uint256"}],"outputs":[{"name":"","type":"bytes32"}]}
]`

// EthLedger anchors epoch roots on an EVM chain through the EpochManager
// contract.
type EthLedger struct {
	client   *ethclient.Client
	contract *bind.BoundContract
	opts     *bind.TransactOpts
	log      zerolog.Logger
}

// NewEthLedger dials the RPC endpoint and binds the EpochManager contract.
func NewEthLedger(ctx context.Context, rpcURL string, contractAddr common.Address, key *ecdsa.PrivateKey, chainID *big.Int) (*EthLedger, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial ledger rpc: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(epochManagerABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse epoch manager abi: %w", err)
	}

	opts, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}

	return &EthLedger{
		client:   client,
		contract: bind.NewBoundContract(contractAddr, parsed, client, client, client),
		opts:     opts,
		log:      logger.Logger().With().Str("component", "eth-ledger").Logger(),
	}, nil
}

var _ ports.Ledger = (*EthLedger)(nil)

// Submit anchors a root for an epoch. The read-before-write keeps the
// gateway from ever attempting to overwrite an existing anchor; an
// already anchored epoch is success.
func (l *EthLedger) Submit(ctx context.Context, epochID uint64, root core.Hash) (core.Hash, error) {
	existing, finalized, err := l.RootOf(ctx, epochID)
	if err != nil {
		return core.Hash{}, err
	}
	if finalized {
		l.log.Info().Uint64("epoch", epochID).Str("root", existing.String()).Msg("epoch already anchored")
		return existing, nil
	}

	opts := *l.opts
	opts.Context = ctx
	tx, err := l.contract.Transact(&opts, "finalizeEpoch", new(big.Int).SetUint64(epochID), [32]byte(root))
	if err != nil {
		return core.Hash{}, fmt.Errorf("%w: %v", core.ErrLedgerWriteFailed, err)
	}

	receipt, err := bind.WaitMined(ctx, l.client, tx)
	if err != nil {
		return core.Hash{}, fmt.Errorf("%w: %v", core.ErrLedgerWriteFailed, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return core.Hash{}, fmt.Errorf("%w: transaction %s reverted", core.ErrLedgerWriteFailed, tx.Hash())
	}

	l.log.Info().
		Uint64("epoch", epochID).
		Str("root", root.String()).
		Str("tx", tx.Hash().Hex()).
		Uint64("block", receipt.BlockNumber.Uint64()).
		Msg("epoch root anchored")
	return root, nil
}

// RootOf reads the anchored root; the zero root means unfinalized.
func (l *EthLedger) RootOf(ctx context.Context, epochID uint64) (core.Hash, bool, error) {
	var out []interface{}
	err := l.contract.Call(&bind.CallOpts{Context: ctx}, &out, "rootOf", new(big.Int).SetUint64(epochID))
	if err != nil {
		return core.Hash{}, false, fmt.Errorf("%w: %v", core.ErrLedgerUnavailable, err)
	}
	if len(out) != 1 {
		return core.Hash{}, false, fmt.Errorf("%w: unexpected rootOf output", core.ErrLedgerUnavailable)
	}

	raw, ok := out[0].([32]byte)
	if !ok {
		return core.Hash{}, false, fmt.Errorf("%w: unexpected rootOf type %T", core.ErrLedgerUnavailable, out[0])
	}
	root := core.Hash(raw)
	return root, !root.IsZero(), nil
}

// Close releases the underlying RPC connection.
func (l *EthLedger) Close() {
	l.client.Close()
}
