package agreement

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"io/fs"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-sql-driver/mysql"

	"StreamVest-Chain/deploy/migrations"
	xerrors "StreamVest-Chain/internal/errors"
)

// MySQLStore 使用 MySQL 持久化协议注册表。
type MySQLStore struct {
	db *sql.DB
}

// MySQLConfig 描述连接池参数。
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewMySQLStore 建立连接并应用迁移。
func NewMySQLStore(cfg MySQLConfig) (*MySQLStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 20
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 10
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 10 * time.Minute
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// applyMigrations 按文件名顺序执行内嵌的 SQL 迁移。
func (s *MySQLStore) applyMigrations() error {
	entries, err := fs.ReadDir(migrations.Files, ".")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取迁移文件失败")
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".sql") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		content, err := fs.ReadFile(migrations.Files, name)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("读取迁移 %s 失败", name))
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("执行迁移 %s 失败", name))
		}
	}
	return nil
}

const mysqlDuplicateKey = 1062

// Create 在一个事务内分配下一个 id 并写入记录。
// 分配和写入同属一个事务，插入失败不会留下空洞。
func (s *MySQLStore) Create(ctx context.Context, a *Agreement) (uint64, error) {
	if a == nil {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "agreement 不能为空")
	}
	if a.TotalAmount == nil || a.TotalAmount.Sign() <= 0 {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "锁定总量必须为正")
	}

	// 并发创建时 MAX(id)+1 可能撞上重复主键，重试即可。
	for attempt := 0; attempt < 3; attempt++ {
		id, err := s.tryCreate(ctx, a)
		if err == nil {
			a.ID = id
			a.Version = 1
			return id, nil
		}
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateKey {
			continue
		}
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入协议失败")
	}
	return 0, xerrors.New(xerrors.CodeStorageFailure, "分配协议 id 重试耗尽",
		xerrors.WithRetryable(true))
}

func (s *MySQLStore) tryCreate(ctx context.Context, a *Agreement) (uint64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var id uint64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(id), 0) + 1 FROM agreements FOR UPDATE`,
	).Scan(&id); err != nil {
		return 0, err
	}

	withdrawn := "0"
	if a.Withdrawn != nil {
		withdrawn = a.Withdrawn.String()
	}

	const stmt = `INSERT INTO agreements
        (id, token, sender, recipient, total_amount, start_at, duration, withdrawn, active, version, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, 1, ?, ?)`
	if _, err := tx.ExecContext(ctx, stmt,
		id,
		a.Token.Hex(),
		a.Sender.Hex(),
		a.Recipient.Hex(),
		a.TotalAmount.String(),
		a.Start,
		a.Duration,
		withdrawn,
		a.CreatedAt,
		a.UpdatedAt,
	); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

const agreementColumns = `id, token, sender, recipient, total_amount, start_at, duration, withdrawn, active, version, created_at, updated_at`

// Get 返回指定协议。
func (s *MySQLStore) Get(ctx context.Context, id uint64) (*Agreement, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agreementColumns+` FROM agreements WHERE id = ?`, id)
	a, err := scanAgreement(row)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询协议失败")
	}
	return a, nil
}

// ApplyWithdrawal 在事务内累加 Withdrawn 并按版本号校验。
func (s *MySQLStore) ApplyWithdrawal(ctx context.Context, id uint64, expectedVersion uint64, amount *big.Int, now int64) (*Agreement, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "提取数量必须为正")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	a, err := lockAgreement(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if !a.Active {
		return nil, ErrInactive
	}
	if a.Version != expectedVersion {
		return nil, xerrors.New(xerrors.CodeConflict, "协议版本不匹配")
	}

	next := new(big.Int).Add(a.Withdrawn, amount)
	if next.Cmp(a.TotalAmount) > 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "提取数量超出锁定总量")
	}
	active := 1
	if next.Cmp(a.TotalAmount) == 0 {
		active = 0
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE agreements SET withdrawn = ?, active = ?, version = version + 1, updated_at = ? WHERE id = ? AND version = ?`,
		next.String(), active, now, id, expectedVersion)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新提取进度失败")
	}
	if affected, err := res.RowsAffected(); err != nil || affected == 0 {
		return nil, xerrors.New(xerrors.CodeConflict, "协议版本不匹配")
	}
	if err := tx.Commit(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}

	a.Withdrawn = next
	a.Active = active == 1
	a.Version = expectedVersion + 1
	a.UpdatedAt = now
	return a, nil
}

// Finalize 终结协议。
func (s *MySQLStore) Finalize(ctx context.Context, id uint64, expectedVersion uint64, now int64) (*Agreement, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	a, err := lockAgreement(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if !a.Active {
		return nil, ErrInactive
	}
	if a.Version != expectedVersion {
		return nil, xerrors.New(xerrors.CodeConflict, "协议版本不匹配")
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE agreements SET withdrawn = total_amount, active = 0, version = version + 1, updated_at = ? WHERE id = ? AND version = ?`,
		now, id, expectedVersion)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "终结协议失败")
	}
	if affected, err := res.RowsAffected(); err != nil || affected == 0 {
		return nil, xerrors.New(xerrors.CodeConflict, "协议版本不匹配")
	}
	if err := tx.Commit(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}

	a.Withdrawn = new(big.Int).Set(a.TotalAmount)
	a.Active = false
	a.Version = expectedVersion + 1
	a.UpdatedAt = now
	return a, nil
}

// List 返回符合过滤条件的协议。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Agreement, error) {
	opts.applyDefaults()

	query := `SELECT ` + agreementColumns + ` FROM agreements`
	where, args := buildWhere(opts)
	query += where
	if opts.Order == SortByIDAsc {
		query += ` ORDER BY id ASC`
	} else {
		query += ` ORDER BY id DESC`
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询协议列表失败")
	}
	defer rows.Close()

	var results []*Agreement
	for rows.Next() {
		a, err := scanAgreement(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析协议记录失败")
		}
		results = append(results, a)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历协议记录失败")
	}
	return results, nil
}

// Stats 统计符合过滤条件的协议。金额在应用层累加，避免 SQL 端的
// 大整数精度问题。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (Stats, error) {
	opts.applyDefaults()

	query := `SELECT total_amount, withdrawn, active FROM agreements`
	where, args := buildWhere(opts)
	query += where

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计协议失败")
	}
	defer rows.Close()

	locked := new(big.Int)
	withdrawn := new(big.Int)
	stats := Stats{}
	for rows.Next() {
		var totalRaw, withdrawnRaw string
		var active bool
		if err := rows.Scan(&totalRaw, &withdrawnRaw, &active); err != nil {
			return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析统计记录失败")
		}
		total, err := parseAmount(totalRaw)
		if err != nil {
			return Stats{}, err
		}
		paid, err := parseAmount(withdrawnRaw)
		if err != nil {
			return Stats{}, err
		}
		stats.Total++
		if active {
			stats.Active++
			locked.Add(locked, new(big.Int).Sub(total, paid))
		} else {
			stats.Terminated++
		}
		withdrawn.Add(withdrawn, paid)
	}
	if err := rows.Err(); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历统计记录失败")
	}
	stats.TotalLocked = locked.String()
	stats.TotalWithdrawn = withdrawn.String()
	return stats, nil
}

// Close 释放连接池。
func (s *MySQLStore) Close() error {
	return s.db.Close()
}

func buildWhere(opts ListOptions) (string, []any) {
	var conditions []string
	var args []any
	if opts.ActiveOnly {
		conditions = append(conditions, "active = 1")
	}
	if opts.Sender != nil {
		conditions = append(conditions, "sender = ?")
		args = append(args, opts.Sender.Hex())
	}
	if opts.Recipient != nil {
		conditions = append(conditions, "recipient = ?")
		args = append(args, opts.Recipient.Hex())
	}
	if len(conditions) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgreement(row rowScanner) (*Agreement, error) {
	var (
		a            Agreement
		token        string
		sender       string
		recipient    string
		totalRaw     string
		withdrawnRaw string
	)
	if err := row.Scan(&a.ID, &token, &sender, &recipient, &totalRaw, &a.Start, &a.Duration, &withdrawnRaw, &a.Active, &a.Version, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Token = common.HexToAddress(token)
	a.Sender = common.HexToAddress(sender)
	a.Recipient = common.HexToAddress(recipient)

	total, err := parseAmount(totalRaw)
	if err != nil {
		return nil, err
	}
	withdrawn, err := parseAmount(withdrawnRaw)
	if err != nil {
		return nil, err
	}
	a.TotalAmount = total
	a.Withdrawn = withdrawn
	return &a, nil
}

func lockAgreement(ctx context.Context, tx *sql.Tx, id uint64) (*Agreement, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+agreementColumns+` FROM agreements WHERE id = ? FOR UPDATE`, id)
	a, err := scanAgreement(row)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "锁定协议记录失败")
	}
	return a, nil
}

func parseAmount(raw string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, xerrors.New(xerrors.CodeStorageFailure, fmt.Sprintf("无法解析金额: %q", raw))
	}
	return value, nil
}

var _ Store = (*MySQLStore)(nil)
