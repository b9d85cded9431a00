package repository

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"tokenmeter/internal/model"
)

//go:embed lua/reserve.lua
var reserveLuaScript string

//go:embed lua/resolve.lua
var resolveLuaScript string

//go:embed lua/credit.lua
var creditLuaScript string

//go:embed lua/create.lua
var createLuaScript string

const heldIndexKey = "reservations:held"

// RedisLedger runs every balance mutation as a single Lua script, so Redis
// serializes concurrent reservations for the same user. Balances are warmed
// from Postgres on first reference. Durability depends on Redis running with
// AOF (appendfsync always) and maxmemory-policy noeviction.
type RedisLedger struct {
	redisClient *redis.Client
	dbPool      *pgxpool.Pool
	reserve     *redis.Script
	resolve     *redis.Script
	credit      *redis.Script
	create      *redis.Script
	now         func() time.Time
}

// NewRedisLedger builds the ledger. db may be nil, in which case unknown
// balances start at zero.
func NewRedisLedger(rdb *redis.Client, db *pgxpool.Pool) *RedisLedger {
	return &RedisLedger{
		redisClient: rdb,
		dbPool:      db,
		reserve:     redis.NewScript(reserveLuaScript),
		resolve:     redis.NewScript(resolveLuaScript),
		credit:      redis.NewScript(creditLuaScript),
		create:      redis.NewScript(createLuaScript),
		now:         time.Now,
	}
}

func balanceKey(userID string) string { return "balance:" + userID }
func reservationKey(id string) string { return "reservation:" + id }
func accountKey(userID string) string { return "account:" + userID }

func (r *RedisLedger) GetBalance(ctx context.Context, userID string) (int64, error) {
	if err := validateUserID(userID); err != nil {
		return 0, err
	}

	balance, err := r.redisClient.Get(ctx, balanceKey(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		if err := r.warmUpCache(ctx, userID); err != nil {
			return 0, err
		}
		balance, err = r.redisClient.Get(ctx, balanceKey(userID)).Int64()
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read balance from Redis: %w", err)
	}
	return balance, nil
}

// Reserve runs the reserve script. On a cache miss the balance is loaded from
// Postgres and the script is repeated once.
func (r *RedisLedger) Reserve(ctx context.Context, userID string, amount int64) (*model.Reservation, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, model.ErrInvalidAmount
	}

	res, err := r.executeReserve(ctx, userID, amount)
	if errors.Is(err, ErrCacheMiss) {
		slog.Info("ledger: cold start, warming balance from postgres", "user_id", userID)
		if err := r.warmUpCache(ctx, userID); err != nil {
			return nil, err
		}
		return r.executeReserve(ctx, userID, amount)
	}
	return res, err
}

func (r *RedisLedger) executeReserve(ctx context.Context, userID string, amount int64) (*model.Reservation, error) {
	id := uuid.NewString()
	createdAt := time.UnixMilli(r.now().UnixMilli())

	keys := []string{balanceKey(userID), reservationKey(id), heldIndexKey}
	code, value, err := runScript(ctx, r.reserve, r.redisClient, keys, amount, userID, createdAt.UnixMilli(), id)
	if err != nil {
		return nil, err
	}

	switch code {
	case 1:
		return &model.Reservation{
			ID:           id,
			UserID:       userID,
			Amount:       amount,
			State:        model.ReservationHeld,
			CreatedAt:    createdAt,
			BalanceAfter: value,
		}, nil
	case -1:
		return nil, ErrCacheMiss
	case -2:
		return nil, &model.InsufficientBalanceError{Current: value, Required: amount}
	default:
		return nil, fmt.Errorf("unknown status from Lua: %d", code)
	}
}

func (r *RedisLedger) Commit(ctx context.Context, reservationID string) (*model.Reservation, error) {
	return r.resolveReservation(ctx, reservationID, model.ReservationCommitted)
}

func (r *RedisLedger) Rollback(ctx context.Context, reservationID string) (*model.Reservation, error) {
	return r.resolveReservation(ctx, reservationID, model.ReservationRolledBack)
}

func (r *RedisLedger) resolveReservation(ctx context.Context, reservationID string, target model.ReservationState) (*model.Reservation, error) {
	if err := validateReservationID(reservationID); err != nil {
		return nil, err
	}

	userID, err := r.redisClient.HGet(ctx, reservationKey(reservationID), "user").Result()
	if errors.Is(err, redis.Nil) {
		return nil, model.ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read reservation from Redis: %w", err)
	}

	code, balance, err := r.executeResolve(ctx, reservationID, userID, target)
	if err == nil && code == -3 {
		slog.Info("ledger: balance missing on rollback, warming from postgres", "user_id", userID)
		if err := r.warmUpCache(ctx, userID); err != nil {
			return nil, err
		}
		code, balance, err = r.executeResolve(ctx, reservationID, userID, target)
	}
	if err != nil {
		return nil, err
	}

	switch code {
	case 0, 1:
	case -1:
		return nil, model.ErrReservationNotFound
	case -2:
		state, _ := r.redisClient.HGet(ctx, reservationKey(reservationID), "state").Result()
		return nil, fmt.Errorf("%w: reservation %s is %s", model.ErrInvalidReservationState, reservationID, state)
	default:
		return nil, fmt.Errorf("unknown status from Lua: %d", code)
	}

	res, err := r.readReservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	res.BalanceAfter = balance
	return res, nil
}

func (r *RedisLedger) executeResolve(ctx context.Context, reservationID, userID string, target model.ReservationState) (int64, int64, error) {
	keys := []string{reservationKey(reservationID), heldIndexKey, balanceKey(userID)}
	return runScript(ctx, r.resolve, r.redisClient, keys, string(target), reservationID, r.now().UnixMilli())
}

func (r *RedisLedger) GetReservation(ctx context.Context, reservationID string) (*model.Reservation, error) {
	if err := validateReservationID(reservationID); err != nil {
		return nil, err
	}
	res, err := r.readReservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	res.BalanceAfter, err = r.GetBalance(ctx, res.UserID)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (r *RedisLedger) Credit(ctx context.Context, userID string, amount int64) (int64, error) {
	if err := validateUserID(userID); err != nil {
		return 0, err
	}
	if amount <= 0 {
		return 0, model.ErrInvalidAmount
	}

	keys := []string{balanceKey(userID)}
	code, balance, err := runScript(ctx, r.credit, r.redisClient, keys, amount)
	if err == nil && code == -1 {
		if err := r.warmUpCache(ctx, userID); err != nil {
			return 0, err
		}
		code, balance, err = runScript(ctx, r.credit, r.redisClient, keys, amount)
	}
	if err != nil {
		return 0, err
	}
	if code != 1 {
		return 0, fmt.Errorf("unknown status from Lua: %d", code)
	}
	return balance, nil
}

// CreateAccount adds initialAmount to the cached balance, which may already
// exist as a zero seeded by an earlier read. With Postgres the balances row
// decides whether the account exists; without it an account marker key does.
func (r *RedisLedger) CreateAccount(ctx context.Context, userID string, initialAmount int64) error {
	if err := validateUserID(userID); err != nil {
		return err
	}
	if initialAmount < 0 {
		return model.ErrInvalidAmount
	}

	if r.dbPool == nil {
		keys := []string{accountKey(userID), balanceKey(userID)}
		code, _, err := runScript(ctx, r.create, r.redisClient, keys, initialAmount)
		if err != nil {
			return err
		}
		if code == 0 {
			return model.ErrAccountExists
		}
		return nil
	}

	tx, err := r.dbPool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `INSERT INTO balances (user_id, amount) VALUES ($1, $2)`, userID, initialAmount)
	if isUniqueViolation(err) {
		return model.ErrAccountExists
	}
	if err != nil {
		return fmt.Errorf("account insert failed: %w", err)
	}

	// The row is not visible yet, so a concurrent warm-up either seeds zero
	// before this increment or finds the key already set.
	if err := r.redisClient.IncrBy(ctx, balanceKey(userID), initialAmount).Err(); err != nil {
		return fmt.Errorf("failed to save balance to Redis: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		if undoErr := r.redisClient.DecrBy(context.WithoutCancel(ctx), balanceKey(userID), initialAmount).Err(); undoErr != nil {
			slog.Error("ledger: could not undo cached grant after failed account insert",
				"user_id", userID, "amount", initialAmount, "error", undoErr)
		}
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

func (r *RedisLedger) ListHeld(ctx context.Context, olderThan time.Time, limit int) ([]model.Reservation, error) {
	ids, err := r.redisClient.ZRangeByScore(ctx, heldIndexKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(olderThan.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list held reservations: %w", err)
	}

	held := make([]model.Reservation, 0, len(ids))
	for _, id := range ids {
		res, err := r.readReservation(ctx, id)
		if errors.Is(err, model.ErrReservationNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		held = append(held, *res)
	}
	return held, nil
}

func (r *RedisLedger) readReservation(ctx context.Context, id string) (*model.Reservation, error) {
	fields, err := r.redisClient.HGetAll(ctx, reservationKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read reservation from Redis: %w", err)
	}
	if len(fields) == 0 {
		return nil, model.ErrReservationNotFound
	}

	amount, err := strconv.ParseInt(fields["amount"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt reservation %s: amount: %w", id, err)
	}
	created, err := strconv.ParseInt(fields["created"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt reservation %s: created: %w", id, err)
	}

	res := &model.Reservation{
		ID:        id,
		UserID:    fields["user"],
		Amount:    amount,
		State:     model.ReservationState(fields["state"]),
		CreatedAt: time.UnixMilli(created),
	}
	if v, ok := fields["resolved"]; ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			resolved := time.UnixMilli(ms)
			res.ResolvedAt = &resolved
		}
	}
	return res, nil
}

// warmUpCache fetches the balance from Postgres and puts it into Redis. SETNX
// keeps a balance another request already warmed (and possibly spent from).
func (r *RedisLedger) warmUpCache(ctx context.Context, userID string) error {
	var balance int64
	if r.dbPool != nil {
		var err error
		balance, err = currentBalance(ctx, r.dbPool, userID)
		if err != nil {
			return err
		}
	}

	// No TTL: this is the primary copy of the balance.
	if err := r.redisClient.SetNX(ctx, balanceKey(userID), balance, 0).Err(); err != nil {
		return fmt.Errorf("failed to save balance to Redis: %w", err)
	}
	return nil
}

func runScript(ctx context.Context, s *redis.Script, c redis.Scripter, keys []string, args ...interface{}) (int64, int64, error) {
	result, err := s.Run(ctx, c, keys, args...).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("error executing Lua script: %w", err)
	}
	return parseScriptReply(result)
}

func parseScriptReply(result interface{}) (int64, int64, error) {
	resArray, ok := result.([]interface{})
	if !ok || len(resArray) < 2 {
		return 0, 0, errors.New("unexpected response format from Redis")
	}
	code, ok := resArray[0].(int64)
	if !ok {
		return 0, 0, errors.New("unexpected status type from Redis")
	}
	value, ok := resArray[1].(int64)
	if !ok {
		return 0, 0, errors.New("unexpected value type from Redis")
	}
	return code, value, nil
}

var _ Ledger = (*RedisLedger)(nil)
