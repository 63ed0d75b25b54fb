package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/phuaky/pong-rank/internal/codec"
	"github.com/phuaky/pong-rank/internal/constants"
	"github.com/phuaky/pong-rank/internal/domain"
)

const pongRankABI = `[
 {"type":"function","name":"registerPlayer","stateMutability":"nonpayable","inputs":[{"name":"playerId","type":"bytes32"}],"outputs":[]},
 {"type":"function","name":"logMatch","stateMutability":"nonpayable","inputs":[{"name":"matchId","type":"bytes32"},{"name":"winnerIds","type":"bytes32[]"},{"name":"loserIds","type":"bytes32[]"},{"name":"eloChange","type":"int256"}],"outputs":[]},
 {"type":"function","name":"getPlayer","stateMutability":"view","inputs":[{"name":"playerId","type":"bytes32"}],"outputs":[{"name":"id","type":"bytes32"},{"name":"elo","type":"int256"},{"name":"wins","type":"uint256"},{"name":"losses","type":"uint256"},{"name":"exists","type":"bool"}]},
 {"type":"function","name":"getMatch","stateMutability":"view","inputs":[{"name":"matchId","type":"bytes32"}],"outputs":[{"name":"id","type":"bytes32"},{"name":"winnerIds","type":"bytes32[]"},{"name":"loserIds","type":"bytes32[]"},{"name":"eloChange","type":"int256"},{"name":"timestamp","type":"uint256"},{"name":"exists","type":"bool"}]},
 {"type":"function","name":"playerExists","stateMutability":"view","inputs":[{"name":"playerId","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"matchExists","stateMutability":"view","inputs":[{"name":"matchId","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"getPlayerCount","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"getMatchCount","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"getPlayerIdsPaginated","stateMutability":"view","inputs":[{"name":"offset","type":"uint256"},{"name":"limit","type":"uint256"}],"outputs":[{"name":"","type":"bytes32[]"}]},
 {"type":"function","name":"getMatchIdsPaginated","stateMutability":"view","inputs":[{"name":"offset","type":"uint256"},{"name":"limit","type":"uint256"}],"outputs":[{"name":"","type":"bytes32[]"}]},
 {"type":"function","name":"getPlayersBatch","stateMutability":"view","inputs":[{"name":"_playerIds","type":"bytes32[]"}],"outputs":[{"name":"ids","type":"bytes32[]"},{"name":"elos","type":"int256[]"},{"name":"wins","type":"uint256[]"},{"name":"losses","type":"uint256[]"}]}
]`

// EVMConfig locates the rating contract and the single signing identity
// that submits writes.
type EVMConfig struct {
	RPCURL          string
	ContractAddress string
	SignerKey       string
	RequestsPerSec  float64
}

// EVMLedger talks to the rating contract over JSON-RPC. Reads and writes
// share one rate limiter; writes are serialized because the signer's nonce
// is shared.
type EVMLedger struct {
	client   *ethclient.Client
	contract *bind.BoundContract
	signer   *ecdsa.PrivateKey
	chainID  *big.Int
	limiter  *rate.Limiter
	logger   zerolog.Logger

	writeMu sync.Mutex
}

func NewEVMLedger(ctx context.Context, cfg EVMConfig, logger zerolog.Logger) (*EVMLedger, error) {
	logger = logger.With().Str("component", "ledger.evm").Logger()

	parsed, err := abi.JSON(strings.NewReader(pongRankABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse contract abi: %w", err)
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("invalid contract address %q", cfg.ContractAddress)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.SignerKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid signer key: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, constants.ExternalAPITimeout)
	defer cancel()

	client, err := ethclient.DialContext(dialCtx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial rpc: %w", err)
	}
	chainID, err := client.ChainID(dialCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to get chain id: %w", err)
	}

	address := common.HexToAddress(cfg.ContractAddress)
	logger.Info().
		Str("contract", address.Hex()).
		Str("signer", crypto.PubkeyToAddress(key.PublicKey).Hex()).
		Str("chain_id", chainID.String()).
		Msg("connected to ledger contract")

	return &EVMLedger{
		client:   client,
		contract: bind.NewBoundContract(address, parsed, client, client, client),
		signer:   key,
		chainID:  chainID,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), 1),
		logger:   logger,
	}, nil
}

func (l *EVMLedger) Close() {
	l.client.Close()
}

// WalletAddress is the address that pays for writes.
func (l *EVMLedger) WalletAddress() common.Address {
	return crypto.PubkeyToAddress(l.signer.PublicKey)
}

// WalletBalance returns the signer's balance in wei.
func (l *EVMLedger) WalletBalance(ctx context.Context) (*big.Int, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return l.client.BalanceAt(ctx, l.WalletAddress(), nil)
}

func (l *EVMLedger) call(ctx context.Context, method string, params ...interface{}) ([]interface{}, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, constants.LedgerReadTimeout)
	defer cancel()

	var out []interface{}
	if err := l.contract.Call(&bind.CallOpts{Context: ctx}, &out, method, params...); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return out, nil
}

func (l *EVMLedger) GetPlayer(ctx context.Context, id codec.FixedID) (PlayerStats, error) {
	out, err := l.call(ctx, "getPlayer", [32]byte(id))
	if err != nil {
		return PlayerStats{}, err
	}
	if !*abi.ConvertType(out[4], new(bool)).(*bool) {
		return PlayerStats{ID: id}, nil
	}

	return PlayerStats{
		ID:     id,
		Rating: bigInt(out[1]).Int64(),
		Wins:   bigInt(out[2]).Uint64(),
		Losses: bigInt(out[3]).Uint64(),
		Exists: true,
	}, nil
}

func (l *EVMLedger) GetPlayersBatch(ctx context.Context, ids []codec.FixedID) ([]PlayerStats, error) {
	out := make([]PlayerStats, len(ids))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(constants.LedgerFanOut)

	for start := 0; start < len(ids); start += constants.LedgerBatchSize {
		end := start + constants.LedgerBatchSize
		if end > len(ids) {
			end = len(ids)
		}

		g.Go(func() error {
			res, err := l.call(ctx, "getPlayersBatch", toBytes32(ids[start:end]))
			if err != nil {
				return err
			}

			got := *abi.ConvertType(res[0], new([][32]byte)).(*[][32]byte)
			elos := *abi.ConvertType(res[1], new([]*big.Int)).(*[]*big.Int)
			wins := *abi.ConvertType(res[2], new([]*big.Int)).(*[]*big.Int)
			losses := *abi.ConvertType(res[3], new([]*big.Int)).(*[]*big.Int)
			if len(got) != end-start {
				return fmt.Errorf("getPlayersBatch: asked for %d players, got %d", end-start, len(got))
			}

			for i := range got {
				stats := PlayerStats{ID: ids[start+i]}
				if got[i] != ([32]byte{}) {
					stats.Rating = elos[i].Int64()
					stats.Wins = wins[i].Uint64()
					stats.Losses = losses[i].Uint64()
					stats.Exists = true
				}
				out[start+i] = stats
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (l *EVMLedger) GetMatch(ctx context.Context, id codec.FixedID) (Match, error) {
	out, err := l.call(ctx, "getMatch", [32]byte(id))
	if err != nil {
		return Match{}, err
	}
	if !*abi.ConvertType(out[5], new(bool)).(*bool) {
		return Match{ID: id}, nil
	}

	return Match{
		ID:        id,
		WinnerIDs: fromBytes32(*abi.ConvertType(out[1], new([][32]byte)).(*[][32]byte)),
		LoserIDs:  fromBytes32(*abi.ConvertType(out[2], new([][32]byte)).(*[][32]byte)),
		Delta:     bigInt(out[3]).Int64(),
		Timestamp: time.Unix(bigInt(out[4]).Int64(), 0).UTC(),
		Exists:    true,
	}, nil
}

func (l *EVMLedger) PlayerExists(ctx context.Context, id codec.FixedID) (bool, error) {
	return l.callBool(ctx, "playerExists", id)
}

func (l *EVMLedger) MatchExists(ctx context.Context, id codec.FixedID) (bool, error) {
	return l.callBool(ctx, "matchExists", id)
}

func (l *EVMLedger) callBool(ctx context.Context, method string, id codec.FixedID) (bool, error) {
	out, err := l.call(ctx, method, [32]byte(id))
	if err != nil {
		return false, err
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

func (l *EVMLedger) PlayerCount(ctx context.Context) (int, error) {
	return l.callCount(ctx, "getPlayerCount")
}

func (l *EVMLedger) MatchCount(ctx context.Context) (int, error) {
	return l.callCount(ctx, "getMatchCount")
}

func (l *EVMLedger) callCount(ctx context.Context, method string) (int, error) {
	out, err := l.call(ctx, method)
	if err != nil {
		return 0, err
	}
	return int(bigInt(out[0]).Int64()), nil
}

func (l *EVMLedger) PlayerIDsPage(ctx context.Context, offset, limit int) ([]codec.FixedID, error) {
	return l.callPage(ctx, "getPlayerIdsPaginated", offset, limit)
}

func (l *EVMLedger) MatchIDsPage(ctx context.Context, offset, limit int) ([]codec.FixedID, error) {
	return l.callPage(ctx, "getMatchIdsPaginated", offset, limit)
}

func (l *EVMLedger) callPage(ctx context.Context, method string, offset, limit int) ([]codec.FixedID, error) {
	out, err := l.call(ctx, method, big.NewInt(int64(offset)), big.NewInt(int64(limit)))
	if err != nil {
		return nil, err
	}
	return fromBytes32(*abi.ConvertType(out[0], new([][32]byte)).(*[][32]byte)), nil
}

func (l *EVMLedger) GetAllPlayerIDs(ctx context.Context) ([]codec.FixedID, error) {
	return walkPages(ctx, l.PlayerIDsPage, constants.LedgerPageSize)
}

func (l *EVMLedger) GetAllMatchIDs(ctx context.Context) ([]codec.FixedID, error) {
	return walkPages(ctx, l.MatchIDsPage, constants.LedgerPageSize)
}

func (l *EVMLedger) RegisterPlayer(ctx context.Context, id codec.FixedID) (TxRef, error) {
	exists, err := l.PlayerExists(ctx, id)
	if err != nil {
		return "", &WriteError{Op: "registerPlayer", Err: err}
	}
	if exists {
		// the original registration's tx hash is not indexed by the contract
		l.logger.Debug().Str("player_id", id.Hex()).Msg("player already registered")
		return TxRef(id.Hex()), nil
	}

	return l.transact(ctx, "registerPlayer", [32]byte(id))
}

func (l *EVMLedger) LogMatch(ctx context.Context, id codec.FixedID, winnerIDs, loserIDs []codec.FixedID, delta int64) (TxRef, error) {
	if err := validateMatch(winnerIDs, loserIDs, delta); err != nil {
		return "", err
	}

	exists, err := l.MatchExists(ctx, id)
	if err != nil {
		return "", &WriteError{Op: "logMatch", Err: err}
	}
	if exists {
		return "", fmt.Errorf("%w: %s", domain.ErrMatchExists, id)
	}

	// The contract reverts on unknown players; checking first turns a gas
	// estimation failure into a typed rejection.
	all := append(append([]codec.FixedID{}, winnerIDs...), loserIDs...)
	stats, err := l.GetPlayersBatch(ctx, all)
	if err != nil {
		return "", &WriteError{Op: "logMatch", Err: err}
	}
	for _, s := range stats {
		if !s.Exists {
			return "", fmt.Errorf("%w: %s", domain.ErrUnknownParticipant, s.ID)
		}
	}

	return l.transact(ctx, "logMatch", [32]byte(id), toBytes32(winnerIDs), toBytes32(loserIDs), big.NewInt(delta))
}

// transact submits and waits for the receipt. Failures after the
// transaction is broadcast are reported as indeterminate.
func (l *EVMLedger) transact(ctx context.Context, method string, params ...interface{}) (TxRef, error) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if err := l.limiter.Wait(ctx); err != nil {
		return "", &WriteError{Op: method, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, constants.LedgerWriteTimeout)
	defer cancel()

	opts, err := bind.NewKeyedTransactorWithChainID(l.signer, l.chainID)
	if err != nil {
		return "", &WriteError{Op: method, Err: err}
	}
	opts.Context = ctx

	tx, err := l.contract.Transact(opts, method, params...)
	if err != nil {
		l.logger.Error().Err(err).Str("method", method).Msg("failed to submit transaction")
		return "", &WriteError{Op: method, Err: err}
	}

	ref := TxRef(tx.Hash().Hex())
	l.logger.Debug().Str("method", method).Str("tx_ref", string(ref)).Msg("transaction submitted")

	receipt, err := bind.WaitMined(ctx, l.client, tx)
	if err != nil {
		l.logger.Error().Err(err).Str("method", method).Str("tx_ref", string(ref)).Msg("transaction outcome unknown")
		return "", &WriteError{Op: method, Submitted: true, TxRef: ref, Err: err}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		l.logger.Error().Str("method", method).Str("tx_ref", string(ref)).Msg("transaction reverted")
		return "", &WriteError{Op: method, TxRef: ref, Err: errors.New("transaction reverted")}
	}

	l.logger.Info().
		Str("method", method).
		Str("tx_ref", string(ref)).
		Uint64("block", receipt.BlockNumber.Uint64()).
		Uint64("gas_used", receipt.GasUsed).
		Msg("transaction confirmed")
	return ref, nil
}

func bigInt(v interface{}) *big.Int {
	return *abi.ConvertType(v, new(*big.Int)).(**big.Int)
}

func toBytes32(ids []codec.FixedID) [][32]byte {
	out := make([][32]byte, len(ids))
	for i, id := range ids {
		out[i] = [32]byte(id)
	}
	return out
}

func fromBytes32(raw [][32]byte) []codec.FixedID {
	out := make([]codec.FixedID, len(raw))
	for i, b := range raw {
		out[i] = codec.FixedID(b)
	}
	return out
}
